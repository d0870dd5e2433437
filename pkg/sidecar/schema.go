// Package sidecar implements the sidecar element schema (C3): an ordered,
// named, typed registry of auxiliary fields that may be attached to a
// FlowRec, plus the codec that serializes/deserializes both the schema
// itself (for embedding in a flow file header) and per-record sidecar
// values (for embedding in a record body).
package sidecar

import (
	"bytes"
	"fmt"

	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// Type is the wire type code for a sidecar element. Values are stable
// across versions of this package; do not renumber.
type Type uint8

const (
	TypeUint8 Type = iota
	TypeUint16
	TypeUint32
	TypeUint64
	TypeDouble
	TypeString
	TypeBinary
	TypeAddrIP4
	TypeAddrIP6
	TypeDatetime
	TypeBoolean
	TypeEmpty
	TypeList
	TypeTable
)

func (t Type) valid() bool { return t <= TypeTable }

func (t Type) String() string {
	names := [...]string{"uint8", "uint16", "uint32", "uint64", "double",
		"string", "binary", "addr_ip4", "addr_ip6", "datetime", "boolean",
		"empty", "list", "table"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// kindOf maps a wire Type to the corresponding valuestore.Kind. LIST and
// TABLE map directly; the list element kind is carried separately on
// Element.
func kindOf(t Type) valuestore.Kind {
	switch t {
	case TypeUint8:
		return valuestore.Uint8
	case TypeUint16:
		return valuestore.Uint16
	case TypeUint32:
		return valuestore.Uint32
	case TypeUint64:
		return valuestore.Uint64
	case TypeDouble:
		return valuestore.Double
	case TypeString:
		return valuestore.String
	case TypeBinary:
		return valuestore.Binary
	case TypeAddrIP4:
		return valuestore.AddrIP4
	case TypeAddrIP6:
		return valuestore.AddrIP6
	case TypeDatetime:
		return valuestore.Datetime
	case TypeBoolean:
		return valuestore.Boolean
	case TypeEmpty:
		return valuestore.Empty
	case TypeList:
		return valuestore.List
	case TypeTable:
		return valuestore.Table
	default:
		return valuestore.Empty
	}
}

// IPFIXIdent is the optional IPFIX identity bridging an element to C4's
// information model.
type IPFIXIdent struct {
	PEN       uint32
	ElementID uint16
}

// Element is one entry in a Schema.
type Element struct {
	// Name is the dotted path, stored internally with single-NUL
	// separators and a trailing NUL, e.g. "flow\x00score\x00". Use
	// ElementName to build one from path components.
	Name string
	ID   uint16
	Type Type
	// ListElem is the element type for TypeList fields (must not itself
	// be TypeList or TypeTable).
	ListElem Type
	// IPFIX is the optional IPFIX identity; HasIPFIX reports presence.
	IPFIX    IPFIXIdent
	HasIPFIX bool
}

// ElementName joins path components with single NUL separators and a
// trailing NUL, per the schema name rule for nested tables.
func ElementName(components ...string) string {
	return joinNUL(components) + "\x00"
}

func joinNUL(components []string) string {
	out := ""
	for i, c := range components {
		if i > 0 {
			out += "\x00"
		}
		out += c
	}
	return out
}

func (e Element) equalDescriptor(o Element) bool {
	if e.Type != o.Type || e.ListElem != o.ListElem || e.HasIPFIX != o.HasIPFIX {
		return false
	}
	if e.HasIPFIX && e.IPFIX != o.IPFIX {
		return false
	}
	return true
}

// Schema is an ordered registry of Elements. Element ids are dense and
// assigned in registration order; names are unique.
type Schema struct {
	elements []Element
	byName   map[string]int // name -> index into elements
}

// New returns an empty Schema.
func New() *Schema {
	return &Schema{byName: make(map[string]int)}
}

// Add appends elem if its name is new, assigning it the next dense id
// (elem.ID is overwritten). If the name already exists with an
// identical descriptor, Add is a no-op (used by schema-union merging).
// If it exists with a different descriptor, Add returns silkerr.Duplicate.
func (s *Schema) Add(elem Element) error {
	if elem.Name == "" {
		return silkerr.New(silkerr.BadParam, "element name must not be empty")
	}
	if elem.Name[len(elem.Name)-1] != 0 {
		return silkerr.New(silkerr.BadParam, "element name must be NUL-terminated")
	}
	if !elem.Type.valid() {
		return silkerr.New(silkerr.BadParam, "unknown element type")
	}
	if elem.Type == TypeList && (elem.ListElem == TypeList || elem.ListElem == TypeTable) {
		return silkerr.New(silkerr.BadParam, "list element type must not be nested list/table")
	}

	if idx, ok := s.byName[elem.Name]; ok {
		if s.elements[idx].equalDescriptor(elem) {
			return nil
		}
		return silkerr.Wrap(silkerr.Duplicate, fmt.Sprintf("element %q already registered with a different descriptor", elem.Name), nil)
	}

	elem.ID = uint16(len(s.elements))
	s.elements = append(s.elements, elem)
	s.byName[elem.Name] = len(s.elements) - 1
	return nil
}

// Elements returns the schema's elements in id order. Callers must not
// mutate the returned slice.
func (s *Schema) Elements() []Element { return s.elements }

// ByID returns the element with the given id.
func (s *Schema) ByID(id uint16) (Element, bool) {
	if int(id) >= len(s.elements) {
		return Element{}, false
	}
	return s.elements[id], true
}

// ByName returns the element with the given fully-qualified name.
func (s *Schema) ByName(name string) (Element, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Element{}, false
	}
	return s.elements[idx], true
}

// ChildrenOf returns the elements whose name is exactly prefix+component
// for some single component — i.e. the direct members of the table named
// by prefix (prefix must already be NUL-terminated, or "" for the root).
func (s *Schema) ChildrenOf(prefix string) []Element {
	var out []Element
	for _, e := range s.elements {
		rest := e.Name
		if prefix != "" {
			if !hasPrefix(rest, prefix) {
				continue
			}
			rest = rest[len(prefix):]
		}
		// rest must have exactly one NUL, at the end (single component).
		count := bytes.Count([]byte(rest), []byte{0})
		if count == 1 && rest[len(rest)-1] == 0 {
			out = append(out, e)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Union adds every element of other into s (as Add would), ignoring
// elements that already exist identically. This implements the file
// header's "union of schemas from multiple inputs" behavior. The first
// conflicting element, if any, is returned as an error; Union does not
// partially roll back elements already added.
func (s *Schema) Union(other *Schema) error {
	for _, e := range other.Elements() {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of s, preserving element ids (so two
// sidecars built identically have identical wire images).
func (s *Schema) Clone() *Schema {
	c := New()
	for _, e := range s.elements {
		c.elements = append(c.elements, e)
		c.byName[e.Name] = len(c.elements) - 1
	}
	return c
}
