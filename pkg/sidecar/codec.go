package sidecar

import (
	"encoding/binary"
	"math"
	"net/netip"

	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// maxTableWire is the largest value the 16-bit length prefix can hold.
// A table or list that would encode past this limit fails with NoSpace.
//
// The canonical empty-sidecar encoding (00 04 00 00) falls directly out
// of encodeTable given a zero-length table: total=4, count=0. No special
// case is needed on either the encode or decode path.
const maxTableWire = 0xFFFF

// EncodeSidecar serializes the sidecar table held at h in store (or an
// empty table if h is valuestore.NoHandle) against schema, producing the
// record wire format described in §4.3: a length-prefixed table of
// LEB128(element_id)+encoded-value members.
func EncodeSidecar(schema *Schema, store *valuestore.Store, h valuestore.Handle) ([]byte, error) {
	var t valuestore.Table
	if store != nil && h != valuestore.NoHandle {
		t, _ = store.Get(h)
	}
	return encodeTable(schema, "", t)
}

// DecodeSidecar deserializes a record-wire-format blob against schema,
// allocating the resulting table (if non-empty) in store. It returns the
// handle (valuestore.NoHandle for the canonical empty encoding), the
// number of bytes consumed, and an error.
func DecodeSidecar(schema *Schema, store *valuestore.Store, buf []byte) (valuestore.Handle, int, error) {
	t, n, err := decodeTable(schema, "", buf)
	if err != nil {
		return valuestore.NoHandle, 0, err
	}
	if t.Len() == 0 {
		return valuestore.NoHandle, n, nil
	}
	return store.Alloc(t), n, nil
}

func encodeTable(schema *Schema, prefix string, t valuestore.Table) ([]byte, error) {
	var body []byte
	count := 0
	for _, key := range t.Keys() {
		v, _ := t.Get(key)
		name := prefix + key + "\x00"
		elem, ok := schema.ByName(name)
		if !ok {
			return nil, silkerr.Wrap(silkerr.BadParam, "sidecar value has no matching schema element: "+name, nil)
		}
		valBytes, err := encodeValue(schema, elem, v)
		if err != nil {
			return nil, err
		}
		body = putUvarint(body, uint64(elem.ID))
		body = append(body, valBytes...)
		count++
	}
	total := 4 + len(body)
	if total > maxTableWire {
		return nil, silkerr.Wrap(silkerr.NoSpace, "sidecar table exceeds 16-bit wire length", nil)
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(total))
	binary.BigEndian.PutUint16(out[2:4], uint16(count))
	return append(out, body...), nil
}

func decodeTable(schema *Schema, prefix string, buf []byte) (valuestore.Table, int, error) {
	if len(buf) < 4 {
		return valuestore.Table{}, 0, silkerr.ErrShortData
	}
	total := int(binary.BigEndian.Uint16(buf[0:2]))
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < 4 || total > len(buf) {
		return valuestore.Table{}, 0, silkerr.ErrShortData
	}

	t := valuestore.NewTable()
	body := buf[4:total]
	pos := 0
	for i := 0; i < count; i++ {
		id, n, ok := getUvarint(body[pos:])
		if !ok {
			return valuestore.Table{}, 0, silkerr.ErrShortData
		}
		pos += n

		elem, ok := schema.ByID(uint16(id))
		if !ok {
			return valuestore.Table{}, 0, silkerr.Wrap(silkerr.DecodeError, "unknown sidecar element id", nil)
		}
		v, n2, err := decodeValue(schema, elem, body[pos:])
		if err != nil {
			return valuestore.Table{}, 0, err
		}
		pos += n2

		if len(elem.Name) < len(prefix)+1 {
			return valuestore.Table{}, 0, silkerr.Wrap(silkerr.DecodeError, "schema element name shorter than table prefix", nil)
		}
		key := elem.Name[len(prefix) : len(elem.Name)-1] // strip prefix and trailing NUL
		t.Set(key, v)
	}
	return t, total, nil
}

func encodeValue(schema *Schema, elem Element, v valuestore.Value) ([]byte, error) {
	switch elem.Type {
	case TypeList:
		return encodeList(elem.ListElem, v.List)
	case TypeTable:
		return encodeTable(schema, elem.Name, v.Table)
	default:
		return encodeScalar(elem.Type, v)
	}
}

func decodeValue(schema *Schema, elem Element, buf []byte) (valuestore.Value, int, error) {
	switch elem.Type {
	case TypeList:
		return decodeList(elem.ListElem, buf)
	case TypeTable:
		t, n, err := decodeTable(schema, elem.Name, buf)
		return valuestore.Value{Kind: valuestore.Table, Table: t}, n, err
	default:
		return decodeScalar(elem.Type, buf)
	}
}

func encodeList(listElem Type, list []valuestore.Value) ([]byte, error) {
	var body []byte
	for _, v := range list {
		b, err := encodeScalar(listElem, v)
		if err != nil {
			return nil, err
		}
		body = append(body, b...)
	}
	total := 4 + len(body)
	if total > maxTableWire {
		return nil, silkerr.Wrap(silkerr.NoSpace, "sidecar list exceeds 16-bit wire length", nil)
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(total))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(list)))
	return append(out, body...), nil
}

func decodeList(listElem Type, buf []byte) (valuestore.Value, int, error) {
	if len(buf) < 4 {
		return valuestore.Value{}, 0, silkerr.ErrShortData
	}
	total := int(binary.BigEndian.Uint16(buf[0:2]))
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < 4 || total > len(buf) {
		return valuestore.Value{}, 0, silkerr.ErrShortData
	}
	body := buf[4:total]
	pos := 0
	list := make([]valuestore.Value, 0, count)
	for i := 0; i < count; i++ {
		v, n, err := decodeScalar(listElem, body[pos:])
		if err != nil {
			return valuestore.Value{}, 0, err
		}
		pos += n
		list = append(list, v)
	}
	return valuestore.Value{Kind: valuestore.List, List: list}, total, nil
}

func encodeScalar(t Type, v valuestore.Value) ([]byte, error) {
	switch t {
	case TypeUint8:
		return []byte{byte(v.U)}, nil
	case TypeUint16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v.U))
		return b, nil
	case TypeUint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v.U))
		return b, nil
	case TypeUint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v.U)
		return b, nil
	case TypeDouble:
		// Little-endian IEEE-754 on the wire: the reference
		// implementation's host-endian memcpy is non-portable; this
		// implementation fixes that rather than reproducing it.
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.F))
		return b, nil
	case TypeString:
		data := []byte(v.S)
		out := putUvarint(nil, uint64(len(data)))
		return append(out, data...), nil
	case TypeBinary:
		out := putUvarint(nil, uint64(len(v.B)))
		return append(out, v.B...), nil
	case TypeAddrIP4:
		a4 := v.Addr.As4()
		return a4[:], nil
	case TypeAddrIP6:
		a16 := v.Addr.As16()
		return a16[:], nil
	case TypeDatetime:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.Time))
		return b, nil
	case TypeBoolean:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeEmpty:
		return nil, nil
	default:
		return nil, silkerr.Wrap(silkerr.BadParam, "unsupported scalar sidecar type", nil)
	}
}

func decodeScalar(t Type, buf []byte) (valuestore.Value, int, error) {
	need := func(n int) error {
		if len(buf) < n {
			return silkerr.ErrShortData
		}
		return nil
	}
	switch t {
	case TypeUint8:
		if err := need(1); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Uint8, U: uint64(buf[0])}, 1, nil
	case TypeUint16:
		if err := need(2); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Uint16, U: uint64(binary.BigEndian.Uint16(buf))}, 2, nil
	case TypeUint32:
		if err := need(4); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Uint32, U: uint64(binary.BigEndian.Uint32(buf))}, 4, nil
	case TypeUint64:
		if err := need(8); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Uint64, U: binary.BigEndian.Uint64(buf)}, 8, nil
	case TypeDouble:
		if err := need(8); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Double, F: math.Float64frombits(binary.LittleEndian.Uint64(buf))}, 8, nil
	case TypeString:
		n, consumed, ok := getUvarint(buf)
		if !ok || err2(len(buf)-consumed, int(n)) != nil {
			return valuestore.Value{}, 0, silkerr.ErrShortData
		}
		s := string(buf[consumed : consumed+int(n)])
		return valuestore.Value{Kind: valuestore.String, S: s}, consumed + int(n), nil
	case TypeBinary:
		n, consumed, ok := getUvarint(buf)
		if !ok || err2(len(buf)-consumed, int(n)) != nil {
			return valuestore.Value{}, 0, silkerr.ErrShortData
		}
		b := append([]byte(nil), buf[consumed:consumed+int(n)]...)
		return valuestore.Value{Kind: valuestore.Binary, B: b}, consumed + int(n), nil
	case TypeAddrIP4:
		if err := need(4); err != nil {
			return valuestore.Value{}, 0, err
		}
		var a4 [4]byte
		copy(a4[:], buf[:4])
		return valuestore.Value{Kind: valuestore.AddrIP4, Addr: netip.AddrFrom4(a4)}, 4, nil
	case TypeAddrIP6:
		if err := need(16); err != nil {
			return valuestore.Value{}, 0, err
		}
		var a16 [16]byte
		copy(a16[:], buf[:16])
		return valuestore.Value{Kind: valuestore.AddrIP6, Addr: netip.AddrFrom16(a16)}, 16, nil
	case TypeDatetime:
		if err := need(8); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Datetime, Time: int64(binary.BigEndian.Uint64(buf))}, 8, nil
	case TypeBoolean:
		if err := need(1); err != nil {
			return valuestore.Value{}, 0, err
		}
		return valuestore.Value{Kind: valuestore.Boolean, Bool: buf[0] != 0}, 1, nil
	case TypeEmpty:
		return valuestore.Value{Kind: valuestore.Empty}, 0, nil
	default:
		return valuestore.Value{}, 0, silkerr.Wrap(silkerr.DecodeError, "unsupported scalar sidecar type", nil)
	}
}

// err2 is a tiny helper so the String/Binary decode cases can share one
// bounds check expression above.
func err2(remaining, need int) error {
	if remaining < need {
		return silkerr.ErrShortData
	}
	return nil
}
