package ipfixmodel

import (
	"encoding/binary"
	"math"
	"net/netip"
	"time"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// Fixrec is a fixed-size record buffer laid out by a frozen Schema.
// Typed setters/getters convert to/from the buffer with width
// conversion at the schema's precomputed offsets; encoding itself stays
// in this package rather than round-tripping through go-ipfix's
// Field.Encode/Decode per access, which would require constructing a
// Field value for every single field touch.
type Fixrec struct {
	schema *Schema
	buf    []byte
	// variable holds out-of-band values for the schema's variable-length
	// fields (strings, unbounded octet arrays), which have no slot in
	// buf. Allocated lazily; most records use only fixed-width fields.
	variable map[string]string
	// lists holds out-of-band nested sub-records for list fields.
	lists map[string]ListValue
}

// NewFixrec allocates a zeroed Fixrec sized to schema's frozen record
// length. schema must already be frozen.
func NewFixrec(schema *Schema) (*Fixrec, error) {
	if !schema.Frozen() {
		return nil, silkerr.New(silkerr.BadParam, "schema must be frozen before allocating a Fixrec")
	}
	return &Fixrec{schema: schema, buf: make([]byte, schema.RecordLen())}, nil
}

// Schema returns the record's schema.
func (r *Fixrec) Schema() *Schema { return r.schema }

// Buffer returns the record's raw buffer (borrowed; callers must not
// retain it past the Fixrec's lifetime without copying).
func (r *Fixrec) Buffer() []byte { return r.buf }

func (r *Fixrec) field(name string) ([]byte, error) {
	off, length, ok := r.schema.FieldOffset(name)
	if !ok {
		return nil, silkerr.New(silkerr.BadParam, "unknown field: "+name)
	}
	if int(off)+int(length) > len(r.buf) {
		return nil, silkerr.New(silkerr.BadParam, "field extends past record buffer: "+name)
	}
	return r.buf[off : off+length], nil
}

// SetUnsigned writes v into the named field, truncated to the field's
// declared width (1, 2, 4, or 8 bytes), big-endian.
func (r *Fixrec) SetUnsigned(name string, v uint64) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(b, v)
	default:
		return silkerr.New(silkerr.BadParam, "SetUnsigned: unsupported field width for "+name)
	}
	return nil
}

// GetUnsigned reads the named field as an unsigned integer.
func (r *Fixrec) GetUnsigned(name string) (uint64, error) {
	b, err := r.field(name)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(b)), nil
	case 8:
		return binary.BigEndian.Uint64(b), nil
	default:
		return 0, silkerr.New(silkerr.BadParam, "GetUnsigned: unsupported field width for "+name)
	}
}

// SetFloat writes v into an 4- or 8-byte IEEE-754 field.
func (r *Fixrec) SetFloat(name string, v float64) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	switch len(b) {
	case 4:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	case 8:
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
	default:
		return silkerr.New(silkerr.BadParam, "SetFloat: unsupported field width for "+name)
	}
	return nil
}

// GetFloat reads a 4- or 8-byte IEEE-754 field.
func (r *Fixrec) GetFloat(name string) (float64, error) {
	b, err := r.field(name)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, silkerr.New(silkerr.BadParam, "GetFloat: unsupported field width for "+name)
	}
}

// SetIPAddress writes a 4- or 16-byte address field.
func (r *Fixrec) SetIPAddress(name string, addr netip.Addr) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	switch len(b) {
	case 4:
		a4 := addr.As4()
		copy(b, a4[:])
	case 16:
		a16 := addr.As16()
		copy(b, a16[:])
	default:
		return silkerr.New(silkerr.BadParam, "SetIPAddress: unsupported field width for "+name)
	}
	return nil
}

// GetIPAddress reads a 4- or 16-byte address field.
func (r *Fixrec) GetIPAddress(name string) (netip.Addr, error) {
	b, err := r.field(name)
	if err != nil {
		return netip.Addr{}, err
	}
	switch len(b) {
	case 4:
		var a4 [4]byte
		copy(a4[:], b)
		return netip.AddrFrom4(a4), nil
	case 16:
		var a16 [16]byte
		copy(a16[:], b)
		return netip.AddrFrom16(a16), nil
	default:
		return netip.Addr{}, silkerr.New(silkerr.BadParam, "GetIPAddress: unsupported field width for "+name)
	}
}

// SetDatetime writes t as milliseconds-since-epoch into an 8-byte field.
func (r *Fixrec) SetDatetime(name string, t time.Time) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return silkerr.New(silkerr.BadParam, "SetDatetime: unsupported field width for "+name)
	}
	binary.BigEndian.PutUint64(b, uint64(t.UnixMilli()))
	return nil
}

// GetDatetime reads an 8-byte milliseconds-since-epoch field.
func (r *Fixrec) GetDatetime(name string) (time.Time, error) {
	b, err := r.field(name)
	if err != nil {
		return time.Time{}, err
	}
	if len(b) != 8 {
		return time.Time{}, silkerr.New(silkerr.BadParam, "GetDatetime: unsupported field width for "+name)
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b))), nil
}

// SetBoolean writes a 1-byte boolean field.
func (r *Fixrec) SetBoolean(name string, v bool) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	if len(b) != 1 {
		return silkerr.New(silkerr.BadParam, "SetBoolean: unsupported field width for "+name)
	}
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
	return nil
}

// GetBoolean reads a 1-byte boolean field.
func (r *Fixrec) GetBoolean(name string) (bool, error) {
	b, err := r.field(name)
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, silkerr.New(silkerr.BadParam, "GetBoolean: unsupported field width for "+name)
	}
	return b[0] != 0, nil
}

// SetOctetArray copies raw bytes into a field whose declared width
// matches len(data) exactly.
func (r *Fixrec) SetOctetArray(name string, data []byte) error {
	b, err := r.field(name)
	if err != nil {
		return err
	}
	if len(data) != len(b) {
		return silkerr.New(silkerr.BadParam, "SetOctetArray: length mismatch for "+name)
	}
	copy(b, data)
	return nil
}

// GetOctetArray returns a copy of the named field's raw bytes.
func (r *Fixrec) GetOctetArray(name string) ([]byte, error) {
	b, err := r.field(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// SetString writes v into a variable-length string field.
func (r *Fixrec) SetString(name string, v string) error {
	if !r.schema.IsVariable(name) {
		return silkerr.New(silkerr.BadParam, "SetString: not a variable-length field: "+name)
	}
	if r.variable == nil {
		r.variable = make(map[string]string)
	}
	r.variable[name] = v
	return nil
}

// GetString reads a variable-length string field.
func (r *Fixrec) GetString(name string) (string, error) {
	if !r.schema.IsVariable(name) {
		return "", silkerr.New(silkerr.BadParam, "GetString: not a variable-length field: "+name)
	}
	return r.variable[name], nil
}

// ListValue is one entry in a list field: a freestanding Fixrec built
// against the list's sub-schema. List fields carry ownership of these
// nested records — a list's Fixrecs are not shared with any other
// owner, matching the reference "lists own their nested records" rule.
type ListValue struct {
	SubSchema *Schema
	Items     []*Fixrec
}

// SetList attaches a nested list of sub-records to the named field,
// stored out-of-band like a variable-length field. The caller
// transfers ownership of list.Items to this Fixrec. name must be a
// list-typed field of r's schema. If the schema declared a sub-schema
// for name (see Schema.AddList), list.SubSchema must be compatible with
// it (see Schema.CompatibleWith); a list field declared with a nil
// sub-schema — as pkg/ipfixstream's read side does, since a list's
// shape is only known once decoded — accepts any non-nil SubSchema.
// Every item in list.Items must already be built against list.SubSchema.
func (r *Fixrec) SetList(name string, list ListValue) error {
	_, declared, ok := r.schema.ListInfo(name)
	if !ok {
		return silkerr.New(silkerr.BadParam, "SetList: not a list field: "+name)
	}
	if list.SubSchema == nil {
		return silkerr.New(silkerr.BadParam, "SetList: list.SubSchema must not be nil: "+name)
	}
	if declared != nil && !list.SubSchema.CompatibleWith(declared) {
		return silkerr.New(silkerr.BadParam, "SetList: sub-schema incompatible with declared list element type: "+name)
	}
	for _, item := range list.Items {
		if item.Schema() != list.SubSchema {
			return silkerr.New(silkerr.BadParam, "SetList: item built against the wrong sub-schema: "+name)
		}
	}
	if r.lists == nil {
		r.lists = make(map[string]ListValue)
	}
	r.lists[name] = list
	return nil
}

// GetList returns the nested list attached to the named field, if any.
// ok is also false for a name that is not a declared list field.
func (r *Fixrec) GetList(name string) (ListValue, bool) {
	if !r.schema.IsList(name) {
		return ListValue{}, false
	}
	lv, ok := r.lists[name]
	return lv, ok
}

// Clone returns a deep copy of r: an independent buffer, variable-field
// map, and recursively cloned list fields.
func (r *Fixrec) Clone() *Fixrec {
	c := &Fixrec{schema: r.schema, buf: append([]byte(nil), r.buf...)}
	if len(r.variable) > 0 {
		c.variable = make(map[string]string, len(r.variable))
		for k, v := range r.variable {
			c.variable[k] = v
		}
	}
	if len(r.lists) > 0 {
		c.lists = make(map[string]ListValue, len(r.lists))
		for k, lv := range r.lists {
			items := make([]*Fixrec, len(lv.Items))
			for i, item := range lv.Items {
				items[i] = item.Clone()
			}
			c.lists[k] = ListValue{SubSchema: lv.SubSchema, Items: items}
		}
	}
	return c
}
