// Package flowrec implements FlowRec (C2), the fixed-size flow record
// carrying an optional reference to a sidecar table held in a
// process-wide valuestore.Store.
package flowrec

import (
	"net/netip"
	"time"

	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// TCPStateBit records which optional FlowRec fields are meaningful, per
// the "tcp_state bitset" in the data model.
type TCPStateBit uint8

const (
	StateExpandedFlags TCPStateBit = 1 << iota
	StateInitialFlagsSet
	StateRestFlagsSet
)

// FlowRec is the fixed flow record. It is a value type: callers pass it
// by pointer only to avoid copying the (small) struct, not because it
// carries unique ownership — ownership of the sidecar handle is what
// must be tracked explicitly, via Store/Clear/Copy.
type FlowRec struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	NextHop netip.Addr

	SrcPort uint16
	// DstPort also carries ICMP type/code when Protocol == 1, per the
	// NetFlow v5 source's port-swap fixup.
	DstPort uint16

	Protocol uint8

	TCPFlags     uint8
	InitialFlags uint8 // meaningful iff TCPState&StateInitialFlagsSet
	RestFlags    uint8 // meaningful iff TCPState&StateRestFlagsSet

	Packets uint64
	Bytes   uint64

	StartTime time.Time // start, ms resolution
	Duration  time.Duration

	Input  uint32 // SNMP index
	Output uint32 // SNMP index

	SensorID uint32
	FlowType uint32
	AppID    uint32
	TCPState TCPStateBit

	sidecar valuestore.Handle
	store   *valuestore.Store
}

// New returns a zero FlowRec bound to store. store may be nil if the
// caller never attaches sidecar data.
func New(store *valuestore.Store) *FlowRec {
	return &FlowRec{store: store, sidecar: valuestore.NoHandle}
}

// Store returns the record's value store (may be nil).
func (r *FlowRec) Store() *valuestore.Store { return r.store }

// SidecarHandle returns the record's sidecar handle (valuestore.NoHandle
// if it has none).
func (r *FlowRec) SidecarHandle() valuestore.Handle { return r.sidecar }

// Sidecar returns the record's sidecar table, if any.
func (r *FlowRec) Sidecar() (valuestore.Table, bool) {
	if r.store == nil || r.sidecar == valuestore.NoHandle {
		return valuestore.Table{}, false
	}
	return r.store.Get(r.sidecar)
}

// SetSidecar allocates (or replaces) the record's sidecar table. Any
// previously-held handle is released first.
func (r *FlowRec) SetSidecar(t valuestore.Table) {
	if r.store == nil {
		return
	}
	if r.sidecar != valuestore.NoHandle {
		r.store.Release(r.sidecar)
	}
	r.sidecar = r.store.Alloc(t)
}

// AdoptSidecar takes ownership of an already-allocated handle (e.g. one
// produced by the sidecar codec's Decode), releasing any handle it
// previously held.
func (r *FlowRec) AdoptSidecar(h valuestore.Handle) {
	if r.sidecar != valuestore.NoHandle && r.sidecar != h {
		r.store.Release(r.sidecar)
	}
	r.sidecar = h
}

// Clear resets fixed fields to zero and releases the sidecar handle (if
// any) back to the value store.
func (r *FlowRec) Clear() {
	if r.store != nil && r.sidecar != valuestore.NoHandle {
		r.store.Release(r.sidecar)
	}
	store := r.store
	*r = FlowRec{store: store, sidecar: valuestore.NoHandle}
}

// CopyMode selects which parts of a FlowRec Copy duplicates.
type CopyMode int

const (
	CopyFixedOnly CopyMode = iota
	CopySidecarOnly
	CopyBoth
)

// Copy duplicates src into dst according to mode. When sidecar data is
// copied, the destination gets a freshly cloned handle that it owns
// independently of src.
func (dst *FlowRec) Copy(src *FlowRec, mode CopyMode) {
	switch mode {
	case CopyFixedOnly:
		sidecar, store := dst.sidecar, dst.store
		*dst = *src
		dst.sidecar, dst.store = sidecar, store
	case CopySidecarOnly:
		if dst.sidecar != valuestore.NoHandle && dst.store != nil {
			dst.store.Release(dst.sidecar)
		}
		if src.store != nil && src.sidecar != valuestore.NoHandle {
			dst.sidecar = src.store.Clone(src.sidecar)
		} else {
			dst.sidecar = valuestore.NoHandle
		}
	case CopyBoth:
		dst.Copy(src, CopyFixedOnly)
		dst.Copy(src, CopySidecarOnly)
	}
}

// EndTime returns StartTime+Duration, the flow's last-packet timestamp.
func (r *FlowRec) EndTime() time.Time {
	return r.StartTime.Add(r.Duration)
}

// IsICMP reports whether Protocol identifies ICMP (1), in which case
// DstPort carries type/code rather than a transport port.
func (r *FlowRec) IsICMP() bool { return r.Protocol == 1 }
