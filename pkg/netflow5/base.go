// Package netflow5 implements the NetFlow v5 UDP source (C5): a listener
// base with per-peer dispatch, per-engine sequence and clock-rollover
// bookkeeping, per-PDU and per-record validation, and FlowRec emission.
//
// Unlike IPFIX and the on-disk flow file format, NetFlow v5 carries no
// negotiated schema: the sidecar fields this source attaches to every
// emitted FlowRec are fixed (see SidecarSchema).
package netflow5

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// pollTick bounds how long a read blocks before the collector loop
// rechecks for shutdown. There is no other timeout in this source: UDP
// delivery is best-effort and a dropped PDU is simply never retried.
const pollTick = 500 * time.Millisecond

// defaultSocketBufferMinBytes floors each socket's share of a base's
// nominal total receive buffer when the total doesn't divide evenly
// across many sockets.
const defaultSocketBufferMinBytes = 4096

// Config configures a Base listener.
type Config struct {
	// ListenAddr is a "host:port" UDP address, e.g. ":2055". Kept for a
	// single-socket base; combined with ListenAddrs when both are set.
	ListenAddr string
	// ListenAddrs lists every "host:port" UDP address this base binds.
	// All addresses must share the same port: a base is one listening
	// port exposed on one or more local addresses.
	ListenAddrs []string
	// SocketBufferBytes is the nominal total receive-buffer budget for
	// this base, split evenly across its sockets. Zero leaves the OS
	// default on every socket.
	SocketBufferBytes int
	// SocketBufferMinBytes floors each socket's share of
	// SocketBufferBytes. Zero selects defaultSocketBufferMinBytes.
	SocketBufferMinBytes int
	// RecordBufferLen sizes the channel Base.Records is buffered to.
	// Zero selects a default of 1024.
	RecordBufferLen int
	Logger          *zap.Logger
}

// addrList returns the deduplicated, order-preserving union of
// ListenAddr and ListenAddrs.
func (c Config) addrList() []string {
	var addrs []string
	seen := make(map[string]bool)
	add := func(a string) {
		if a == "" || seen[a] {
			return
		}
		seen[a] = true
		addrs = append(addrs, a)
	}
	add(c.ListenAddr)
	for _, a := range c.ListenAddrs {
		add(a)
	}
	return addrs
}

// registryKey canonicalizes an address set into the key bases are
// deduplicated under: order does not matter, only the set of addresses.
func registryKey(addrs []string) string {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// registry deduplicates Base instances across sources that listen on the
// same address set, per the "listening base" sharing model: two sources
// configured with the same sockets get the same Base, reference-counted
// so the sockets are only closed once every source that used them has
// called Stop.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Base)
)

// bufferConfig holds a base's socket receive-buffer sizing policy.
type bufferConfig struct {
	nominalTotal int
	minPerSocket int
}

// socketBufferShare splits nominalTotal evenly across n sockets, clamped
// to minPerSocket. It returns 0 (meaning "leave the OS default") when
// nominalTotal is not positive or there are no sockets to size.
func socketBufferShare(nominalTotal, minPerSocket, n int) int {
	if nominalTotal <= 0 || n <= 0 {
		return 0
	}
	share := nominalTotal / n
	if share < minPerSocket {
		share = minPerSocket
	}
	return share
}

// Base is a listening base: one or more UDP sockets bound to the same
// port (on different local addresses), run on per-socket reader
// goroutines ("one dedicated thread per listening port" from the
// concurrency model, generalized to one thread per socket), dispatching
// datagrams to the Source matching the sender's address. Bases are
// shared across sources that listen on the same address set via the
// package-level registry above.
type Base struct {
	key    string
	logger *zap.Logger

	mu       sync.RWMutex
	sockets  []*net.UDPConn
	bySource map[netip.Addr]*Source
	wildcard *Source
	unknown  unknownPeerTracker
	bufCfg   bufferConfig
	started  bool
	runCtx   context.Context

	// Records receives every FlowRec this base's sources emit. Closed
	// once Stop has fully torn down every reader goroutine.
	Records chan *flowrec.FlowRec

	refs   int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBase binds cfg's listen addresses and returns a Base ready for
// AddSource and Start. If another live Base is already registered for
// the same address set, it is returned as-is (with its reference count
// bumped) instead of binding new sockets.
func NewBase(cfg Config) (*Base, error) {
	addrs := cfg.addrList()
	if len(addrs) == 0 {
		return nil, silkerr.New(silkerr.BadParam, "netflow5: no listen address configured")
	}
	key := registryKey(addrs)

	registryMu.Lock()
	defer registryMu.Unlock()
	if b, ok := registry[key]; ok {
		b.refs++
		return b, nil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sockets := make([]*net.UDPConn, 0, len(addrs))
	for _, a := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			closeAll(sockets)
			return nil, silkerr.Wrap(silkerr.BadParam, "resolving NetFlow v5 listen address", err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			closeAll(sockets)
			return nil, silkerr.Wrap(silkerr.Malformed, "binding NetFlow v5 UDP socket", err)
		}
		sockets = append(sockets, conn)
	}

	bufLen := cfg.RecordBufferLen
	if bufLen <= 0 {
		bufLen = 1024
	}
	minPerSocket := cfg.SocketBufferMinBytes
	if minPerSocket <= 0 {
		minPerSocket = defaultSocketBufferMinBytes
	}

	b := &Base{
		key:      key,
		logger:   logger,
		sockets:  sockets,
		bySource: make(map[netip.Addr]*Source),
		bufCfg:   bufferConfig{nominalTotal: cfg.SocketBufferBytes, minPerSocket: minPerSocket},
		Records:  make(chan *flowrec.FlowRec, bufLen),
		refs:     1,
	}
	b.applyBufferSizesLocked()
	registry[key] = b
	return b, nil
}

func closeAll(sockets []*net.UDPConn) {
	for _, c := range sockets {
		c.Close()
	}
}

// applyBufferSizesLocked re-splits bufCfg.nominalTotal across the
// current socket set and best-effort applies each share. Callers must
// hold b.mu.
func (b *Base) applyBufferSizesLocked() {
	share := socketBufferShare(b.bufCfg.nominalTotal, b.bufCfg.minPerSocket, len(b.sockets))
	if share == 0 {
		return
	}
	for _, conn := range b.sockets {
		if err := conn.SetReadBuffer(share); err != nil {
			b.logger.Warn("netflow5: failed to set socket read buffer", zap.Error(err), zap.Int("bytes", share))
		}
	}
}

// AddSocket binds an additional UDP socket into this base, reapplying
// the socket-buffer split across the new socket count. If the base is
// already running, a reader goroutine is started for the new socket
// immediately.
func (b *Base) AddSocket(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return silkerr.Wrap(silkerr.BadParam, "resolving NetFlow v5 listen address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return silkerr.Wrap(silkerr.Malformed, "binding NetFlow v5 UDP socket", err)
	}

	b.mu.Lock()
	b.sockets = append(b.sockets, conn)
	b.applyBufferSizesLocked()
	started := b.started
	runCtx := b.runCtx
	b.mu.Unlock()

	if started {
		b.wg.Add(1)
		go b.run(runCtx, conn)
	}
	return nil
}

// RemoveSocket closes and unregisters the socket bound to addr,
// reapplying the socket-buffer split across the remaining sockets. Its
// reader goroutine, if any, exits on its own once the socket is closed.
func (b *Base) RemoveSocket(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, conn := range b.sockets {
		if conn.LocalAddr().String() != addr {
			continue
		}
		conn.Close()
		b.sockets = append(b.sockets[:i:i], b.sockets[i+1:]...)
		b.applyBufferSizesLocked()
		return nil
	}
	return silkerr.New(silkerr.BadParam, "netflow5: no socket bound to "+addr)
}

// AddSource registers an accept-from peer: datagrams from peer are
// dispatched to the returned Source. Once any source is added this way,
// datagrams from unregistered peers are dropped (after a single log line
// per unknownPeerTracker) rather than falling through to a wildcard.
func (b *Base) AddSource(name string, peer netip.Addr, store *valuestore.Store) *Source {
	s := newSource(name, b, store)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySource[peer] = s
	return s
}

// DefaultSource returns (creating if necessary) the sole source used when
// no accept-from peers have been registered via AddSource.
func (b *Base) DefaultSource(store *valuestore.Store) *Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wildcard == nil {
		b.wildcard = newSource("default", b, store)
	}
	return b.wildcard
}

func (b *Base) dispatch(peer netip.Addr) *Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bySource) == 0 {
		return b.wildcard
	}
	if s, ok := b.bySource[peer]; ok {
		return s
	}
	return nil
}

// Start launches one reader goroutine per socket. It returns
// immediately; the goroutines run until ctx is done or Stop retires the
// base. Calling Start on an already-started base (including one handed
// back by the registry to a second source) is a no-op.
func (b *Base) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.runCtx = runCtx
	for _, conn := range b.sockets {
		b.wg.Add(1)
		go b.run(runCtx, conn)
	}
}

// Stop releases this caller's reference to the base. Only once every
// source that obtained this base (directly or via registry dedup) has
// called Stop are the reader goroutines cancelled, the sockets closed,
// and Records closed.
func (b *Base) Stop() {
	registryMu.Lock()
	if b.refs > 0 {
		b.refs--
	}
	remaining := b.refs
	if remaining <= 0 && b.key != "" {
		delete(registry, b.key)
	}
	registryMu.Unlock()
	if remaining > 0 {
		return
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.mu.Lock()
	for _, conn := range b.sockets {
		conn.Close()
	}
	b.mu.Unlock()
	close(b.Records)
}

func (b *Base) run(ctx context.Context, conn *net.UDPConn) {
	defer b.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(pollTick))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			b.logger.Warn("netflow5: socket read error", zap.Error(err))
			continue
		}

		pdu := append([]byte(nil), buf[:n]...)
		b.handlePDU(pdu, addr)
	}
}

func (b *Base) handlePDU(data []byte, addr *net.UDPAddr) {
	peer, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		peer, ok = netip.AddrFromSlice(addr.IP.To16())
	}
	if !ok {
		return
	}

	src := b.dispatch(peer)
	if src == nil {
		b.unknown.seen(peer, b.logger)
		return
	}
	src.ingest(data, time.Now())
}

// unknownPeerTracker resolves the "log once on transition to an unknown
// peer, silently drop otherwise" behavior: a log line fires the first
// time datagrams arrive from a peer outside the accept-from list, and
// again only when the unrecognized sender changes.
type unknownPeerTracker struct {
	mu   sync.Mutex
	last netip.Addr
}

func (u *unknownPeerTracker) seen(addr netip.Addr, log *zap.Logger) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last == addr {
		return
	}
	u.last = addr
	log.Warn("netflow5: datagram from unconfigured peer, dropping", zap.Stringer("peer", addr))
}

// Source is one logical NetFlow v5 input: a probe tied to a single peer
// (or the wildcard) and its own per-engine state and counters.
type Source struct {
	name    string
	base    *Base
	store   *valuestore.Store
	rejects *silkerr.Collapser

	mu      sync.Mutex
	engines map[engineKey]*engineState

	PDUsGood    atomic.Uint64
	PDUsBad     atomic.Uint64
	RecordsGood atomic.Uint64
	RecordsBad  atomic.Uint64
	MissingRecs atomic.Uint64
}

func newSource(name string, base *Base, store *valuestore.Store) *Source {
	return &Source{
		name:    name,
		base:    base,
		store:   store,
		rejects: silkerr.NewCollapser(base.logger),
		engines: make(map[engineKey]*engineState),
	}
}

// Name returns the source's configured name.
func (s *Source) Name() string { return s.name }

// Stats is a point-in-time snapshot of a Source's counters.
type Stats struct {
	PDUsGood, PDUsBad                    uint64
	RecordsGood, RecordsBad, MissingRecs uint64
}

// Stats returns the current counter values.
func (s *Source) Stats() Stats {
	return Stats{
		PDUsGood:    s.PDUsGood.Load(),
		PDUsBad:     s.PDUsBad.Load(),
		RecordsGood: s.RecordsGood.Load(),
		RecordsBad:  s.RecordsBad.Load(),
		MissingRecs: s.MissingRecs.Load(),
	}
}

// ingest validates one PDU, updates per-engine sequence/clock state, and
// emits a FlowRec for each record that passes per-record validation.
func (s *Source) ingest(data []byte, receivedAt time.Time) {
	h, err := validatePDU(data)
	if err != nil {
		s.PDUsBad.Add(1)
		s.rejects.Reject("netflow5: PDU rejected: " + err.Error())
		return
	}
	s.rejects.Flush()
	s.PDUsGood.Add(1)

	key := newEngineKey(h.engineType, h.engineID)
	s.mu.Lock()
	es, ok := s.engines[key]
	if !ok {
		es = &engineState{}
		s.engines[key] = es
	}
	addMissing, subFloor, subAmount := es.observe(h, receivedAt)
	routerBootMS := es.routerBootMS
	s.mu.Unlock()

	if subFloor {
		floorSub(&s.MissingRecs, subAmount)
	} else if addMissing > 0 {
		s.MissingRecs.Add(addMissing)
	}

	for i := 0; i < int(h.count); i++ {
		off := headerSize + i*recordSize
		rec := parseRecord(data[off : off+recordSize])
		fr, ok := toFlowRec(s.store, rec, h.sysUptime, routerBootMS)
		if !ok {
			s.RecordsBad.Add(1)
			s.rejects.Reject("netflow5: record rejected by per-record validation", zap.String("source", s.name))
			continue
		}
		s.rejects.Flush()
		s.RecordsGood.Add(1)

		select {
		case s.base.Records <- fr:
		default:
			s.base.logger.Warn("netflow5: record buffer full, dropping flow", zap.String("source", s.name))
		}
	}
}

// floorSub atomically subtracts n from *c, clamping at zero.
func floorSub(c *atomic.Uint64, n uint64) {
	for {
		cur := c.Load()
		var next uint64
		if n < cur {
			next = cur - n
		}
		if c.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SidecarSchema returns the fixed sidecar schema this source attaches to
// every emitted FlowRec, bridged to C4's standard information model.
func SidecarSchema() *sidecar.Schema {
	s := sidecar.New()
	fields := []struct {
		name string
		typ  sidecar.Type
		pen  uint32
		id   uint16
	}{
		{"ipClassOfService", sidecar.TypeUint8, 0, 5},
		{"bgpSourceAsNumber", sidecar.TypeUint32, 0, 16},
		{"bgpDestinationAsNumber", sidecar.TypeUint32, 0, 17},
		{"sourceIPv4PrefixLength", sidecar.TypeUint8, 0, 9},
		{"destinationIPv4PrefixLength", sidecar.TypeUint8, 0, 13},
	}
	for _, f := range fields {
		// Field names are fixed and known-valid; a registration error here
		// would mean this table itself has a duplicate, which is a bug in
		// this package rather than caller input.
		if err := s.Add(sidecar.Element{
			Name:     sidecar.ElementName(f.name),
			Type:     f.typ,
			IPFIX:    sidecar.IPFIXIdent{PEN: f.pen, ElementID: f.id},
			HasIPFIX: true,
		}); err != nil {
			panic(err)
		}
	}
	return s
}
