package flowfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// FixedRecordLen is the on-wire size of a FlowRec's fixed fields, ahead
// of its length-prefixed sidecar blob. It is also the value a writer
// should record in Header.RecordLen plus the sidecar blob's own size is
// variable, so flow files carrying sidecars cannot rely on RecordCount
// alone — callers iterate records by reading until EOF instead.
const FixedRecordLen = 16 + 16 + 16 + 2 + 2 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 1

// WriteRecord appends one record's fixed fields followed by its sidecar
// (encoded against schema, the canonical empty encoding if the record
// carries none) to w.
func WriteRecord(w *bufio.Writer, schema *sidecar.Schema, r *flowrec.FlowRec) error {
	var buf [FixedRecordLen]byte
	off := 0
	putAddr := func(a netip.Addr) {
		a16 := a.As16()
		copy(buf[off:], a16[:])
		off += 16
	}
	putAddr(r.SrcAddr)
	putAddr(r.DstAddr)
	putAddr(r.NextHop)
	binary.BigEndian.PutUint16(buf[off:], r.SrcPort)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], r.DstPort)
	off += 2
	buf[off] = r.Protocol
	off++
	buf[off] = r.TCPFlags
	off++
	buf[off] = r.InitialFlags
	off++
	buf[off] = r.RestFlags
	off++
	binary.BigEndian.PutUint64(buf[off:], r.Packets)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], r.Bytes)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(r.StartTime.UnixMilli()))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(r.Duration))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], r.Input)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.Output)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.SensorID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.FlowType)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.AppID)
	off += 4
	buf[off] = byte(r.TCPState)
	off++

	if _, err := w.Write(buf[:off]); err != nil {
		return err
	}

	side, err := sidecar.EncodeSidecar(schema, r.Store(), r.SidecarHandle())
	if err != nil {
		return err
	}
	_, err = w.Write(side)
	return err
}

// ReadRecord reads one record previously written by WriteRecord. A
// clean end of input surfaces as io.EOF, matching the convention of a
// bufio.Reader at a record boundary.
func ReadRecord(r *bufio.Reader, schema *sidecar.Schema, store *valuestore.Store) (*flowrec.FlowRec, error) {
	var buf [FixedRecordLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, silkerr.Wrap(silkerr.ShortData, "truncated flow record", err)
		}
		return nil, err
	}

	fr := flowrec.New(store)
	off := 0
	getAddr := func() netip.Addr {
		var a16 [16]byte
		copy(a16[:], buf[off:off+16])
		off += 16
		return netip.AddrFrom16(a16).Unmap()
	}
	fr.SrcAddr = getAddr()
	fr.DstAddr = getAddr()
	fr.NextHop = getAddr()
	fr.SrcPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	fr.DstPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	fr.Protocol = buf[off]
	off++
	fr.TCPFlags = buf[off]
	off++
	fr.InitialFlags = buf[off]
	off++
	fr.RestFlags = buf[off]
	off++
	fr.Packets = binary.BigEndian.Uint64(buf[off:])
	off += 8
	fr.Bytes = binary.BigEndian.Uint64(buf[off:])
	off += 8
	fr.StartTime = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[off:])))
	off += 8
	fr.Duration = time.Duration(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	fr.Input = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fr.Output = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fr.SensorID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fr.FlowType = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fr.AppID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	fr.TCPState = flowrec.TCPStateBit(buf[off])

	// The sidecar blob's own 4-byte preamble (total length, entry count)
	// says how much more to read.
	var preamble [4]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, silkerr.Wrap(silkerr.ShortData, "truncated sidecar preamble", err)
	}
	total := int(binary.BigEndian.Uint16(preamble[0:2]))
	if total < 4 {
		return nil, silkerr.New(silkerr.Malformed, "sidecar total length below preamble size")
	}
	rest := make([]byte, total-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, silkerr.Wrap(silkerr.ShortData, "truncated sidecar body", err)
	}
	blob := append(preamble[:], rest...)

	h, _, err := sidecar.DecodeSidecar(schema, store, blob)
	if err != nil {
		return nil, err
	}
	fr.AdoptSidecar(h)
	return fr, nil
}
