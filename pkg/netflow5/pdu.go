package netflow5

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

const (
	headerSize = 24
	recordSize = 48
	maxCount   = 30

	// rolloverMS is 2^32, the wraparound period of the millisecond and
	// sysUptime counters this source reconstructs against.
	rolloverMS = int64(1) << 32

	fortyFiveDaysMS = int64(45 * 24 * time.Hour / time.Millisecond)

	sequenceLossCeiling   = int64(3_600_000)
	sequenceLateThreshold = int64(60_000)
)

// pduHeader is the 24-byte NetFlow v5 PDU header, all fields big-endian on
// the wire.
type pduHeader struct {
	version          uint16
	count            uint16
	sysUptime        uint32
	unixSecs         uint32
	unixNsecs        uint32
	flowSequence     uint32
	engineType       uint8
	engineID         uint8
	samplingInterval uint16
}

func parseHeader(data []byte) pduHeader {
	return pduHeader{
		version:          binary.BigEndian.Uint16(data[0:2]),
		count:            binary.BigEndian.Uint16(data[2:4]),
		sysUptime:        binary.BigEndian.Uint32(data[4:8]),
		unixSecs:         binary.BigEndian.Uint32(data[8:12]),
		unixNsecs:        binary.BigEndian.Uint32(data[12:16]),
		flowSequence:     binary.BigEndian.Uint32(data[16:20]),
		engineType:       data[20],
		engineID:         data[21],
		samplingInterval: binary.BigEndian.Uint16(data[22:24]),
	}
}

// validatePDU checks length, version, and count in the order the source
// is required to apply them, returning the parsed header on success.
func validatePDU(data []byte) (pduHeader, error) {
	if len(data) < headerSize {
		return pduHeader{}, silkerr.New(silkerr.ShortData, fmt.Sprintf("PDU of %d bytes shorter than header", len(data)))
	}
	h := parseHeader(data)
	if h.version != 5 {
		return pduHeader{}, silkerr.New(silkerr.Malformed, fmt.Sprintf("unexpected version %d", h.version))
	}
	if h.count == 0 || h.count > maxCount {
		return pduHeader{}, silkerr.New(silkerr.Malformed, fmt.Sprintf("record count %d out of range", h.count))
	}
	want := headerSize + recordSize*int(h.count)
	if len(data) < want {
		return pduHeader{}, silkerr.New(silkerr.ShortData, fmt.Sprintf("PDU of %d bytes shorter than %d implied by count", len(data), want))
	}
	return h, nil
}

// engineKey identifies one (engine_type, engine_id) flow generator within
// a source.
type engineKey uint16

func newEngineKey(engineType, engineID uint8) engineKey {
	return engineKey(uint16(engineType)<<8 | uint16(engineID))
}

// engineState is the per-engine bookkeeping from §4.1/§4.5: the next
// expected flow-sequence number and the derived router-boot time.
type engineState struct {
	seen          bool
	expected      uint32
	routerBootMS  int64
	lastSysUptime uint32
	lastSeen      time.Time
}

// observe folds one PDU's header into es, detecting reboot via the
// router-boot drift test and running sequence-number accounting. It
// returns the number of newly-missing records this PDU's sequence gap
// implies (0 if none, or if this PDU reset the baseline).
func (es *engineState) observe(h pduHeader, now time.Time) (missingDelta uint64, missingFloor bool, floorAmount uint64) {
	nowMS := int64(h.unixSecs)*1000 + int64(h.unixNsecs)/1_000_000
	routerBoot := nowMS - int64(h.sysUptime)

	if !es.seen {
		es.routerBootMS = routerBoot
		es.expected = h.flowSequence
		es.seen = true
	} else if abs64(routerBoot-es.routerBootMS) > 1000 {
		es.routerBootMS = routerBoot
		es.expected = h.flowSequence
	}

	missingDelta, missingFloor, floorAmount = accountSequence(&es.expected, h.flowSequence, uint32(h.count))
	es.lastSysUptime = h.sysUptime
	es.lastSeen = now
	return missingDelta, missingFloor, floorAmount
}

// accountSequence implements the five-branch sequence-number accounting
// rule. expected is updated in place. The caller applies the returned
// missing-record delta: missingFloor indicates a floored subtraction
// (floorAmount records should be subtracted from a running total, not
// below zero) rather than an addition.
func accountSequence(expected *uint32, received uint32, count uint32) (addMissing uint64, subFloor bool, subAmount uint64) {
	delta := int64(received) - int64(*expected)

	switch {
	case delta == 0:
		*expected = received + count
		return 0, false, 0
	case delta > 0 && delta < sequenceLossCeiling:
		add := uint64(delta)
		*expected = received + count
		return add, false, 0
	case delta > rolloverMS-sequenceLateThreshold:
		return 0, true, uint64(count)
	case delta > -sequenceLateThreshold && delta < 0:
		return 0, true, uint64(count)
	case delta < -(rolloverMS - sequenceLossCeiling):
		add := uint64(rolloverMS - (-delta))
		*expected = received + count
		return add, false, 0
	default:
		*expected = received + count
		return 0, false, 0
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// record is one decoded 48-byte NetFlow v5 flow record, before timestamp
// reconstruction or per-record validation.
type record struct {
	srcAddr, dstAddr, nextHop netip.Addr
	input, output             uint16
	dPkts, dOctets            uint32
	first, last               uint32
	srcPort, dstPort          uint16
	tcpFlags, prot, tos       uint8
	srcAS, dstAS              uint16
	srcMask, dstMask          uint8
}

func parseRecord(buf []byte) record {
	srcAddr, _ := netip.AddrFromSlice(append([]byte(nil), buf[0:4]...))
	dstAddr, _ := netip.AddrFromSlice(append([]byte(nil), buf[4:8]...))
	nextHop, _ := netip.AddrFromSlice(append([]byte(nil), buf[8:12]...))
	return record{
		srcAddr:  srcAddr,
		dstAddr:  dstAddr,
		nextHop:  nextHop,
		input:    binary.BigEndian.Uint16(buf[12:14]),
		output:   binary.BigEndian.Uint16(buf[14:16]),
		dPkts:    binary.BigEndian.Uint32(buf[16:20]),
		dOctets:  binary.BigEndian.Uint32(buf[20:24]),
		first:    binary.BigEndian.Uint32(buf[24:28]),
		last:     binary.BigEndian.Uint32(buf[28:32]),
		srcPort:  binary.BigEndian.Uint16(buf[32:34]),
		dstPort:  binary.BigEndian.Uint16(buf[34:36]),
		tcpFlags: buf[37],
		prot:     buf[38],
		tos:      buf[39],
		srcAS:    binary.BigEndian.Uint16(buf[40:42]),
		dstAS:    binary.BigEndian.Uint16(buf[42:44]),
		srcMask:  buf[44],
		dstMask:  buf[45],
	}
}

// reconstructTimestamps applies the rollover-aware start/duration rules
// from §4.5 against one record and the engine's router-boot time (already
// current for this PDU). sysUptime is the PDU header's sysUptime, used
// for the First-rollover heuristic.
func reconstructTimestamps(r record, sysUptime uint32, routerBootMS int64) (startMS, durationMS int64) {
	last := int64(r.last)
	if r.last < r.first {
		last += rolloverMS
	}

	startOffset := int64(r.first)
	switch diff := int64(sysUptime) - int64(r.first); {
	case diff > fortyFiveDaysMS:
		startOffset += rolloverMS
	case diff < -fortyFiveDaysMS:
		startOffset -= rolloverMS
	}

	return routerBootMS + startOffset, last - int64(r.first)
}

func swapBytes16(v uint16) uint16 {
	return v<<8 | v>>8
}

// toFlowRec converts a validated record into a FlowRec carrying the
// reconstructed timestamps and the sidecar fields §4.5 requires
// (ipClassOfService, bgpSourceAsNumber, bgpDestinationAsNumber,
// sourceIPv4PrefixLength, destinationIPv4PrefixLength). ok is false if the
// record fails per-record validation and should be counted as bad rather
// than emitted.
func toFlowRec(store *valuestore.Store, r record, sysUptime uint32, routerBootMS int64) (*flowrec.FlowRec, bool) {
	if r.dPkts == 0 || r.dOctets == 0 || uint64(r.dPkts) > uint64(r.dOctets) {
		return nil, false
	}

	startMS, durationMS := reconstructTimestamps(r, sysUptime, routerBootMS)
	if durationMS < 0 || durationMS > fortyFiveDaysMS {
		return nil, false
	}

	srcPort, dstPort := r.srcPort, r.dstPort
	if r.prot == 1 && dstPort == 0 {
		srcPort, dstPort = 0, swapBytes16(srcPort)
	}

	fr := flowrec.New(store)
	fr.SrcAddr = r.srcAddr
	fr.DstAddr = r.dstAddr
	fr.NextHop = r.nextHop
	fr.SrcPort = srcPort
	fr.DstPort = dstPort
	fr.Protocol = r.prot
	fr.TCPFlags = r.tcpFlags
	fr.Packets = uint64(r.dPkts)
	fr.Bytes = uint64(r.dOctets)
	fr.StartTime = time.UnixMilli(startMS)
	fr.Duration = time.Duration(durationMS) * time.Millisecond
	fr.Input = uint32(r.input)
	fr.Output = uint32(r.output)

	side := valuestore.NewTable()
	side.Set("ipClassOfService", valuestore.Value{Kind: valuestore.Uint8, U: uint64(r.tos)})
	side.Set("bgpSourceAsNumber", valuestore.Value{Kind: valuestore.Uint32, U: uint64(r.srcAS)})
	side.Set("bgpDestinationAsNumber", valuestore.Value{Kind: valuestore.Uint32, U: uint64(r.dstAS)})
	side.Set("sourceIPv4PrefixLength", valuestore.Value{Kind: valuestore.Uint8, U: uint64(r.srcMask)})
	side.Set("destinationIPv4PrefixLength", valuestore.Value{Kind: valuestore.Uint8, U: uint64(r.dstMask)})
	fr.SetSidecar(side)

	return fr, true
}
