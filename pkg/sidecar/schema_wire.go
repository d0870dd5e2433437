package sidecar

import (
	"encoding/binary"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// SchemaWireVersion is the version stamped on every serialized schema.
const SchemaWireVersion uint16 = 1

// EncodeSchema serializes s as a self-describing blob suitable for
// embedding as a flow file header entry:
//
//	u16 version
//	u16 element count
//	per element:
//	  u16 entry length (of everything that follows, for this element)
//	  uvarint name length
//	  name bytes (including interior/trailing NULs)
//	  u8 type code
//	  [u8 list element type code, if type == LIST]
//	  [u16 ipfix element id, u32 ipfix PEN — both present, or neither]
func EncodeSchema(s *Schema) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], SchemaWireVersion)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(s.elements)))

	for _, e := range s.elements {
		entry := make([]byte, 0, len(e.Name)+8)
		entry = putUvarint(entry, uint64(len(e.Name)))
		entry = append(entry, e.Name...)
		entry = append(entry, byte(e.Type))
		if e.Type == TypeList {
			entry = append(entry, byte(e.ListElem))
		}
		if e.HasIPFIX {
			b2 := make([]byte, 2)
			binary.BigEndian.PutUint16(b2, e.IPFIX.ElementID)
			entry = append(entry, b2...)
			b4 := make([]byte, 4)
			binary.BigEndian.PutUint32(b4, e.IPFIX.PEN)
			entry = append(entry, b4...)
		}

		lenPrefix := make([]byte, 2)
		binary.BigEndian.PutUint16(lenPrefix, uint16(len(entry)))
		out = append(out, lenPrefix...)
		out = append(out, entry...)
	}
	return out
}

// DecodeSchema deserializes a schema blob produced by EncodeSchema.
// Unknown type codes are rejected; entries whose advertised length would
// extend past the buffer are rejected.
func DecodeSchema(buf []byte) (*Schema, error) {
	if len(buf) < 4 {
		return nil, silkerr.ErrShortData
	}
	version := binary.BigEndian.Uint16(buf[0:2])
	if version != SchemaWireVersion {
		return nil, silkerr.Wrap(silkerr.DecodeError, "unsupported schema wire version", nil)
	}
	count := binary.BigEndian.Uint16(buf[2:4])
	pos := 4

	s := New()
	for i := uint16(0); i < count; i++ {
		if pos+2 > len(buf) {
			return nil, silkerr.ErrShortData
		}
		entryLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+entryLen > len(buf) {
			return nil, silkerr.Wrap(silkerr.DecodeError, "entry length extends past buffer", nil)
		}
		entry := buf[pos : pos+entryLen]
		pos += entryLen

		elem, err := decodeElementEntry(entry)
		if err != nil {
			return nil, err
		}
		// Ids are not on the wire: they are the entry's position, as
		// EncodeSchema wrote them. Appending directly (not via Add, which
		// would merge a repeated name) keeps a re-encode byte-identical.
		elem.ID = uint16(len(s.elements))
		s.elements = append(s.elements, elem)
		s.byName[elem.Name] = len(s.elements) - 1
	}
	return s, nil
}

func decodeElementEntry(entry []byte) (Element, error) {
	nameLen, n, ok := getUvarint(entry)
	if !ok {
		return Element{}, silkerr.ErrShortData
	}
	entry = entry[n:]
	if uint64(len(entry)) < nameLen+1 {
		return Element{}, silkerr.ErrShortData
	}
	name := string(entry[:nameLen])
	entry = entry[nameLen:]

	typeCode := Type(entry[0])
	entry = entry[1:]
	if !typeCode.valid() {
		return Element{}, silkerr.Wrap(silkerr.DecodeError, "unknown sidecar type code", nil)
	}

	elem := Element{Name: name, Type: typeCode}

	if typeCode == TypeList {
		if len(entry) < 1 {
			return Element{}, silkerr.ErrShortData
		}
		elem.ListElem = Type(entry[0])
		entry = entry[1:]
	}

	// Remaining bytes, if any, are the optional IPFIX ident.
	switch len(entry) {
	case 0:
		// no IPFIX ident
	case 6:
		elem.HasIPFIX = true
		elem.IPFIX.ElementID = binary.BigEndian.Uint16(entry[0:2])
		elem.IPFIX.PEN = binary.BigEndian.Uint32(entry[2:6])
	default:
		return Element{}, silkerr.Wrap(silkerr.DecodeError, "malformed trailing IPFIX ident", nil)
	}

	return elem, nil
}
