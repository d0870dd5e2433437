package netflow5

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ep-silk/flowcore/pkg/flowrec"
)

// buildPDU assembles a synthetic NetFlow v5 PDU from a header and a list
// of 48-byte record buffers, mirroring the wire layout §4.5 describes.
func buildPDU(h pduHeader, records [][recordSize]byte) []byte {
	buf := make([]byte, headerSize+recordSize*len(records))
	binary.BigEndian.PutUint16(buf[0:2], h.version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(records)))
	binary.BigEndian.PutUint32(buf[4:8], h.sysUptime)
	binary.BigEndian.PutUint32(buf[8:12], h.unixSecs)
	binary.BigEndian.PutUint32(buf[12:16], h.unixNsecs)
	binary.BigEndian.PutUint32(buf[16:20], h.flowSequence)
	buf[20] = h.engineType
	buf[21] = h.engineID
	binary.BigEndian.PutUint16(buf[22:24], h.samplingInterval)
	for i, r := range records {
		copy(buf[headerSize+i*recordSize:], r[:])
	}
	return buf
}

// buildRecordBytes lays out one 48-byte NetFlow v5 record with the given
// field values, leaving unspecified fields zero.
func buildRecordBytes(srcAddr, dstAddr netip.Addr, first, last, dPkts, dOctets uint32, srcPort, dstPort uint16, prot uint8) [recordSize]byte {
	var b [recordSize]byte
	if srcAddr.Is4() {
		a4 := srcAddr.As4()
		copy(b[0:4], a4[:])
	}
	if dstAddr.Is4() {
		a4 := dstAddr.As4()
		copy(b[4:8], a4[:])
	}
	binary.BigEndian.PutUint32(b[16:20], dPkts)
	binary.BigEndian.PutUint32(b[20:24], dOctets)
	binary.BigEndian.PutUint32(b[24:28], first)
	binary.BigEndian.PutUint32(b[28:32], last)
	binary.BigEndian.PutUint16(b[32:34], srcPort)
	binary.BigEndian.PutUint16(b[34:36], dstPort)
	b[38] = prot
	return b
}

func TestBootTimeReconstruction(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	dst := netip.MustParseAddr("198.51.100.1")
	h := pduHeader{version: 5, count: 1, sysUptime: 60_000, unixSecs: 1_700_000_000, unixNsecs: 0, flowSequence: 1}
	recBytes := buildRecordBytes(src, dst, 30_000, 45_000, 10, 5000, 51234, 443, 6)
	r := parseRecord(recBytes[:])

	nowMS := int64(h.unixSecs)*1000 + int64(h.unixNsecs)/1_000_000
	routerBootMS := nowMS - int64(h.sysUptime)

	fr, ok := toFlowRec(nil, r, h.sysUptime, routerBootMS)
	if !ok {
		t.Fatalf("expected record to pass validation")
	}
	wantStart := routerBootMS + 30_000
	if got := fr.StartTime.UnixMilli(); got != wantStart {
		t.Fatalf("StartTime = %d, want %d", got, wantStart)
	}
	if got := fr.Duration; got != 15_000*time.Millisecond {
		t.Fatalf("Duration = %v, want 15000ms", got)
	}
	if fr.Bytes != 5000 || fr.Packets != 10 {
		t.Fatalf("Bytes/Packets = %d/%d, want 5000/10", fr.Bytes, fr.Packets)
	}
}

func TestEndTimeRollover(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	dst := netip.MustParseAddr("198.51.100.1")
	recBytes := buildRecordBytes(src, dst, 4_294_960_000, 10_000, 10, 5000, 51234, 443, 6)
	r := parseRecord(recBytes[:])

	fr, ok := toFlowRec(nil, r, 0, 0)
	if !ok {
		t.Fatalf("expected record to pass validation")
	}
	if got, want := fr.Duration, 17_296*time.Millisecond; got != want {
		t.Fatalf("Duration = %v, want %v", got, want)
	}
}

func TestSequenceLoss(t *testing.T) {
	es := &engineState{}
	h1 := pduHeader{flowSequence: 1000, count: 30}
	es.observe(h1, time.Now())
	if es.expected != 1030 {
		t.Fatalf("after first PDU expected = %d, want 1030", es.expected)
	}

	h2 := pduHeader{flowSequence: 1100, count: 30}
	addMissing, subFloor, _ := es.observe(h2, time.Now())
	if subFloor {
		t.Fatalf("expected an addition, not a floored subtraction")
	}
	if addMissing != 70 {
		t.Fatalf("addMissing = %d, want 70", addMissing)
	}
	if es.expected != 1130 {
		t.Fatalf("expected = %d, want 1130", es.expected)
	}
}

func TestSequenceRolloverWithLoss(t *testing.T) {
	expected := uint32(4_294_967_200)
	addMissing, subFloor, _ := accountSequence(&expected, 100, 30)
	if subFloor {
		t.Fatalf("expected an addition, not a floored subtraction")
	}
	if addMissing != 196 {
		t.Fatalf("addMissing = %d, want 196", addMissing)
	}
	if expected != 130 {
		t.Fatalf("expected = %d, want 130", expected)
	}
}

func TestSequenceLateArrivalAcrossRollover(t *testing.T) {
	// received is far ahead of expected, close enough to the 2^32
	// boundary to be treated as a late duplicate rather than a gap.
	expected := uint32(100)
	addMissing, subFloor, subAmount := accountSequence(&expected, 4_294_967_290, 5)
	if !subFloor {
		t.Fatalf("expected a floored subtraction")
	}
	if addMissing != 0 || subAmount != 5 {
		t.Fatalf("addMissing=%d subAmount=%d, want 0/5", addMissing, subAmount)
	}
	if expected != 100 {
		t.Fatalf("expected should not advance, got %d", expected)
	}
}

func TestSequenceSmallLateArrival(t *testing.T) {
	expected := uint32(1000)
	addMissing, subFloor, subAmount := accountSequence(&expected, 990, 5)
	if !subFloor {
		t.Fatalf("expected a floored subtraction")
	}
	if addMissing != 0 || subAmount != 5 {
		t.Fatalf("addMissing=%d subAmount=%d, want 0/5", addMissing, subAmount)
	}
	if expected != 1000 {
		t.Fatalf("expected should not advance, got %d", expected)
	}
}

func TestValidatePDURejectsBadVersionCountLength(t *testing.T) {
	zeroAddr := netip.Addr{}
	cases := []struct {
		name string
		data []byte
	}{
		{"too short", make([]byte, 10)},
		{"bad version", func() []byte {
			rec := buildRecordBytes(zeroAddr, zeroAddr, 0, 0, 1, 1, 0, 0, 0)
			return buildPDU(pduHeader{version: 9, count: 1}, [][recordSize]byte{rec})
		}()},
		{"zero count", buildPDU(pduHeader{version: 5, count: 0}, nil)},
		{"count too large", func() []byte {
			buf := make([]byte, headerSize)
			binary.BigEndian.PutUint16(buf[0:2], 5)
			binary.BigEndian.PutUint16(buf[2:4], 31)
			return buf
		}()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := validatePDU(c.data); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidatePDUAccepts(t *testing.T) {
	rec := buildRecordBytes(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 0, 1000, 5, 500, 1, 2, 6)
	data := buildPDU(pduHeader{version: 5, count: 1}, [][recordSize]byte{rec})
	got, err := validatePDU(data)
	if err != nil {
		t.Fatalf("validatePDU: %v", err)
	}
	if got.count != 1 {
		t.Fatalf("count = %d, want 1", got.count)
	}
}

func TestICMPPortSwap(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	dst := netip.MustParseAddr("198.51.100.1")
	// type 8 (echo request), code 0 arrives byte-swapped as 0x0008 in the
	// source-port field and comes out as DstPort 0x0800.
	recBytes := buildRecordBytes(src, dst, 0, 100, 1, 64, 0x0008, 0, 1)
	r := parseRecord(recBytes[:])
	fr, ok := toFlowRec(nil, r, 0, 0)
	if !ok {
		t.Fatalf("expected record to pass validation")
	}
	if !fr.IsICMP() {
		t.Fatalf("expected IsICMP")
	}
	if got, want := fr.DstPort, uint16(0x0800); got != want {
		t.Fatalf("DstPort = %#04x, want %#04x", got, want)
	}
	if fr.SrcPort != 0 {
		t.Fatalf("SrcPort = %d, want 0", fr.SrcPort)
	}
}

func TestToFlowRecRejectsZeroPacketsOrBytes(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	dst := netip.MustParseAddr("198.51.100.1")
	recBytes := buildRecordBytes(src, dst, 0, 100, 0, 64, 1, 2, 6)
	r := parseRecord(recBytes[:])
	if _, ok := toFlowRec(nil, r, 0, 0); ok {
		t.Fatalf("expected rejection for zero packets")
	}
}

func TestUnknownPeerTrackerLogsOnceThenOnTransition(t *testing.T) {
	var u unknownPeerTracker
	logger := zap.NewNop()
	a := netip.MustParseAddr("203.0.113.1")
	b := netip.MustParseAddr("203.0.113.2")
	u.seen(a, logger)
	u.seen(a, logger)
	if u.last != a {
		t.Fatalf("last = %v, want %v", u.last, a)
	}
	u.seen(b, logger)
	if u.last != b {
		t.Fatalf("last = %v, want %v", u.last, b)
	}
}

func TestSidecarSchemaHasFiveFields(t *testing.T) {
	s := SidecarSchema()
	names := map[string]bool{}
	for _, e := range s.Elements() {
		names[e.Name] = true
	}
	for _, want := range []string{"ipClassOfService", "bgpSourceAsNumber", "bgpDestinationAsNumber", "sourceIPv4PrefixLength", "destinationIPv4PrefixLength"} {
		if !names[want+"\x00"] {
			t.Fatalf("missing sidecar element %q", want)
		}
	}
}

func TestAddSourceDispatchesByPeerAndDropsUnknown(t *testing.T) {
	base := &Base{logger: zap.NewNop(), bySource: make(map[netip.Addr]*Source), Records: make(chan *flowrec.FlowRec, 8)}
	peerA := netip.MustParseAddr("192.0.2.10")
	peerB := netip.MustParseAddr("192.0.2.20")
	unknown := netip.MustParseAddr("192.0.2.30")

	srcA := base.AddSource("routerA", peerA, nil)
	srcB := base.AddSource("routerB", peerB, nil)

	h := pduHeader{version: 5, count: 1, sysUptime: 1000, unixSecs: 1_700_000_000}
	rec := buildRecordBytes(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 0, 100, 5, 500, 1, 2, 6)
	data := buildPDU(h, [][recordSize]byte{rec})

	if got := base.dispatch(peerA); got != srcA {
		t.Fatalf("dispatch(peerA) routed to the wrong source")
	}
	if got := base.dispatch(peerB); got != srcB {
		t.Fatalf("dispatch(peerB) routed to the wrong source")
	}
	if got := base.dispatch(unknown); got != nil {
		t.Fatalf("dispatch(unknown) = %v, want nil once any accept-from source is registered", got)
	}

	srcA.ingest(data, time.Now())
	if got := srcA.Stats(); got.PDUsGood != 1 || got.RecordsGood != 1 {
		t.Fatalf("srcA.Stats = %+v, want one good PDU and record", got)
	}
	if got := srcB.Stats(); got.PDUsGood != 0 {
		t.Fatalf("srcB.Stats = %+v, want no traffic routed to the other peer's source", got)
	}
}

func TestSocketBufferShareSplitsAndClamps(t *testing.T) {
	if got := socketBufferShare(100_000, 4096, 4); got != 25_000 {
		t.Fatalf("socketBufferShare = %d, want 25000", got)
	}
	if got := socketBufferShare(10_000, 4096, 4); got != 4096 {
		t.Fatalf("socketBufferShare = %d, want clamp to min 4096", got)
	}
	if got := socketBufferShare(0, 4096, 4); got != 0 {
		t.Fatalf("socketBufferShare = %d, want 0 when no nominal total is configured", got)
	}
	if got := socketBufferShare(100_000, 4096, 0); got != 0 {
		t.Fatalf("socketBufferShare = %d, want 0 with no sockets", got)
	}
}

func TestIngestEndToEnd(t *testing.T) {
	base := &Base{logger: zap.NewNop(), Records: make(chan *flowrec.FlowRec, 4)}
	src := newSource("test", base, nil)

	h := pduHeader{version: 5, count: 2, sysUptime: 60_000, unixSecs: 1_700_000_000}
	good := buildRecordBytes(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 30_000, 45_000, 10, 5000, 1, 2, 6)
	bad := buildRecordBytes(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 0, 100, 0, 0, 1, 2, 6)
	data := buildPDU(h, [][recordSize]byte{good, bad})

	src.ingest(data, time.Now())

	if got := src.Stats(); got.PDUsGood != 1 || got.RecordsGood != 1 || got.RecordsBad != 1 {
		t.Fatalf("Stats = %+v, want PDUsGood=1 RecordsGood=1 RecordsBad=1", got)
	}
	select {
	case fr := <-base.Records:
		if fr.Packets != 10 || fr.Bytes != 5000 {
			t.Fatalf("emitted FlowRec = %+v, want packets=10 bytes=5000", fr)
		}
	default:
		t.Fatalf("expected one FlowRec on the channel")
	}
}
