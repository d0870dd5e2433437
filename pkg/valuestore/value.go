// Package valuestore implements the process-wide dynamic-value arena that
// backs FlowRec's sidecar handle (design note: "an arena with u32
// handles"). It is the target-language replacement for the reference
// implementation's embedded Lua registry: a tagged value type plus an
// index-addressed store. Values are not reference-counted.
package valuestore

import (
	"fmt"
	"net/netip"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	Empty Kind = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Double
	String
	Binary
	AddrIP4
	AddrIP6
	Datetime
	Boolean
	List
	Table
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Double:
		return "double"
	case String:
		return "string"
	case Binary:
		return "binary"
	case AddrIP4:
		return "addr_ip4"
	case AddrIP6:
		return "addr_ip6"
	case Datetime:
		return "datetime"
	case Boolean:
		return "boolean"
	case List:
		return "list"
	case Table:
		return "table"
	default:
		return "unknown"
	}
}

// Value is the tagged sum described by the sidecar data model. Exactly
// one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	U     uint64     // Uint8/16/32/64
	F     float64    // Double
	S     string     // String
	B     []byte     // Binary
	Addr  netip.Addr // AddrIP4/AddrIP6
	Time  int64      // Datetime: ms since epoch
	Bool  bool       // Boolean
	List  []Value    // List: single non-composite element type
	Table Table      // Table: string -> Value, may nest
}

// Table is an ordered string-keyed mapping. Insertion order is preserved
// so wire encoding is deterministic.
type Table struct {
	keys   []string
	values map[string]Value
}

// NewTable returns an empty Table.
func NewTable() Table {
	return Table{values: make(map[string]Value)}
}

// Set assigns key to v, preserving first-insertion order for iteration.
func (t *Table) Set(key string, v Value) {
	if t.values == nil {
		t.values = make(map[string]Value)
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = v
}

// Get returns the value at key and whether it was present.
func (t Table) Get(key string) (Value, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t.keys) }

// Keys returns the keys in insertion order. Callers must not mutate it.
func (t Table) Keys() []string { return t.keys }

func (v Value) String() string {
	switch v.Kind {
	case Empty:
		return "<empty>"
	case String:
		return v.S
	case Boolean:
		return fmt.Sprintf("%t", v.Bool)
	case Double:
		return fmt.Sprintf("%g", v.F)
	case AddrIP4, AddrIP6:
		return v.Addr.String()
	default:
		return fmt.Sprintf("%s(%v)", v.Kind, v.U)
	}
}

// Equal reports whether v and o represent the same value, recursively for
// List/Table. Used by the sidecar round-trip property test.
func Equal(v, o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Empty:
		return true
	case Uint8, Uint16, Uint32, Uint64:
		return v.U == o.U
	case Datetime:
		return v.Time == o.Time
	case Double:
		return v.F == o.F
	case String:
		return v.S == o.S
	case Binary:
		return string(v.B) == string(o.B)
	case AddrIP4, AddrIP6:
		return v.Addr == o.Addr
	case Boolean:
		return v.Bool == o.Bool
	case List:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !Equal(v.List[i], o.List[i]) {
				return false
			}
		}
		return true
	case Table:
		if v.Table.Len() != o.Table.Len() {
			return false
		}
		for _, k := range v.Table.Keys() {
			ov, ok := o.Table.Get(k)
			if !ok {
				return false
			}
			vv, _ := v.Table.Get(k)
			if !Equal(vv, ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
