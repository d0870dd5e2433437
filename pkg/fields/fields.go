// Package fields implements the built-in field registry (used by both the
// sort-key compiler in pkg/extsort and any textual-output front end): the
// fixed set of named, comparable FlowRec attributes that --fields=LIST can
// reference by name, id, or unique-prefix abbreviation.
package fields

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// CompareFunc orders two FlowRecs by one field, in the style of
// bytes.Compare / strings.Compare: negative if a < b, zero if equal,
// positive if a > b.
type CompareFunc func(a, b *flowrec.FlowRec) int

// Field is one built-in key/print column.
type Field struct {
	ID      int
	Name    string
	Aliases []string
	Compare CompareFunc
}

// Registry is an ordered, name-indexed set of built-in Fields.
type Registry struct {
	fields []Field
	byName map[string]int // lowercased name/alias -> index into fields
}

// NewRegistry returns the standard built-in field set.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]int)}
	for _, f := range builtins {
		r.add(f)
	}
	return r
}

func (r *Registry) add(f Field) {
	idx := len(r.fields)
	r.fields = append(r.fields, f)
	r.byName[strings.ToLower(f.Name)] = idx
	for _, a := range f.Aliases {
		r.byName[strings.ToLower(a)] = idx
	}
}

// Fields returns the registry's fields in id order. Callers must not
// mutate the returned slice.
func (r *Registry) Fields() []Field { return r.fields }

// ByID returns the field with the given id.
func (r *Registry) ByID(id int) (Field, bool) {
	for _, f := range r.fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Resolve looks up name against the registry: a decimal number is taken
// as a field id; anything else is tried first as an exact
// (case-insensitive) name or alias match, then as a unique-prefix
// abbreviation. An unknown id or an ambiguous or unknown prefix is
// reported via silkerr.BadParam.
func (r *Registry) Resolve(name string) (Field, error) {
	if id, err := strconv.Atoi(name); err == nil {
		if f, ok := r.ByID(id); ok {
			return f, nil
		}
		return Field{}, silkerr.New(silkerr.BadParam, fmt.Sprintf("unknown field id %d", id))
	}
	lower := strings.ToLower(name)
	if idx, ok := r.byName[lower]; ok {
		return r.fields[idx], nil
	}

	var match *Field
	seen := map[int]bool{}
	for key, idx := range r.byName {
		if !strings.HasPrefix(key, lower) {
			continue
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if match != nil {
			return Field{}, silkerr.New(silkerr.BadParam, fmt.Sprintf("field name %q is an ambiguous prefix", name))
		}
		f := r.fields[idx]
		match = &f
	}
	if match == nil {
		return Field{}, silkerr.New(silkerr.BadParam, fmt.Sprintf("unknown field name %q", name))
	}
	return *match, nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpAddr(a, b *flowrec.FlowRec, get func(*flowrec.FlowRec) [16]byte) int {
	aa, bb := get(a), get(b)
	for i := range aa {
		if aa[i] != bb[i] {
			if aa[i] < bb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// addrCompare returns a CompareFunc comparing the 16-byte (v4-mapped or
// native v6) representation of an address field, matching the reference
// implementation's lexicographic-on-address-bytes rule.
func addrCompare(get func(*flowrec.FlowRec) [16]byte) CompareFunc {
	return func(a, b *flowrec.FlowRec) int {
		return cmpAddr(a, b, get)
	}
}

var builtins = []Field{
	{ID: 1, Name: "sIP", Aliases: []string{"sip", "saddr"}, Compare: addrCompare(func(r *flowrec.FlowRec) [16]byte { return r.SrcAddr.As16() })},
	{ID: 2, Name: "dIP", Aliases: []string{"dip", "daddr"}, Compare: addrCompare(func(r *flowrec.FlowRec) [16]byte { return r.DstAddr.As16() })},
	{ID: 3, Name: "nhIP", Aliases: []string{"nexthop"}, Compare: addrCompare(func(r *flowrec.FlowRec) [16]byte { return r.NextHop.As16() })},
	{ID: 4, Name: "sPort", Aliases: []string{"sport"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.SrcPort), uint64(b.SrcPort)) }},
	{ID: 5, Name: "dPort", Aliases: []string{"dport"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.DstPort), uint64(b.DstPort)) }},
	{ID: 6, Name: "protocol", Aliases: []string{"proto"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.Protocol), uint64(b.Protocol)) }},
	{ID: 7, Name: "packets", Aliases: []string{"pkts"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(a.Packets, b.Packets) }},
	{ID: 8, Name: "bytes", Aliases: []string{"octets"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(a.Bytes, b.Bytes) }},
	{ID: 9, Name: "flags", Aliases: []string{"tcpflags"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.TCPFlags), uint64(b.TCPFlags)) }},
	{ID: 10, Name: "initialFlags", Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.InitialFlags), uint64(b.InitialFlags)) }},
	{ID: 11, Name: "sessionFlags", Aliases: []string{"restFlags"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.RestFlags), uint64(b.RestFlags)) }},
	{ID: 12, Name: "sTime", Aliases: []string{"stime", "startTime"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpInt64(a.StartTime.UnixMilli(), b.StartTime.UnixMilli()) }},
	{ID: 13, Name: "eTime", Aliases: []string{"etime", "endTime"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpInt64(a.EndTime().UnixMilli(), b.EndTime().UnixMilli()) }},
	{ID: 14, Name: "duration", Aliases: []string{"dur"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpInt64(int64(a.Duration), int64(b.Duration)) }},
	{ID: 15, Name: "input", Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.Input), uint64(b.Input)) }},
	{ID: 16, Name: "output", Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.Output), uint64(b.Output)) }},
	{ID: 17, Name: "sensor", Aliases: []string{"sensorID"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.SensorID), uint64(b.SensorID)) }},
	{ID: 18, Name: "type", Aliases: []string{"flowtype"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.FlowType), uint64(b.FlowType)) }},
	{ID: 19, Name: "application", Aliases: []string{"appID"}, Compare: func(a, b *flowrec.FlowRec) int { return cmpUint64(uint64(a.AppID), uint64(b.AppID)) }},
}
