package ipfixmodel

import (
	"github.com/zoomoid/go-ipfix"
	"github.com/zoomoid/go-ipfix/iana/semantics"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// ListKind identifies which RFC 6313 structured data type a list-typed
// field holds.
type ListKind int

const (
	// ListBasic is basicList: a same-typed run of scalar elements.
	ListBasic ListKind = iota
	// ListSubTemplate is subTemplateList: zero or more records sharing
	// one nested schema.
	ListSubTemplate
	// ListSubTemplateMulti is subTemplateMultiList: zero or more records
	// drawn from any of several nested schemas. This model constrains
	// it to one nested schema per field, the common single-shape case;
	// a field needing several nested schemas at once is unsupported.
	ListSubTemplateMulti
)

// SelectFlags is a caller-supplied bitmask used to filter a FieldSpec
// list down to the fields relevant for one use (e.g. "core" vs
// "extended" fields); a FieldSpec is included iff Flags&mask != 0.
type SelectFlags uint32

const (
	SelectCore SelectFlags = 1 << iota
	SelectExtended
	SelectSidecar
)

// FieldSpec is one requested element of a Schema before Freeze assigns
// offsets.
type FieldSpec struct {
	Name          string
	DesiredLength uint16 // 0 selects the information element's natural length
	Flags         SelectFlags
}

type schemaField struct {
	name     string
	ie       *ipfix.InformationElement
	offset   uint16
	length   uint16
	variable bool

	// list fields (RFC 6313 structured data) carry no buffer slot; their
	// value lives out-of-band on the owning Fixrec, same as a variable
	// field, but keyed by listKind/subSchema rather than a raw string.
	list      bool
	listKind  ListKind
	subSchema *Schema
}

// Schema is an ordered, offset-assigning record layout built against an
// InformationModel. A Schema is immutable once Freeze has been called.
type Schema struct {
	model      *InformationModel
	fields     []schemaField
	byName     map[string]int
	recordLen  uint16
	frozen     bool
	templateID uint16
	template   *ipfix.TemplateRecord
}

// NewSchema returns an empty, unfrozen Schema against model.
func NewSchema(model *InformationModel) *Schema {
	return &Schema{model: model, byName: make(map[string]int)}
}

// Build constructs a Schema from specs, keeping only entries whose Flags
// intersect mask (mask of 0 keeps every entry, matching "no filter").
func Build(model *InformationModel, specs []FieldSpec, mask SelectFlags) (*Schema, error) {
	s := NewSchema(model)
	for _, spec := range specs {
		if mask != 0 && spec.Flags&mask == 0 {
			continue
		}
		if err := s.Add(spec.Name, spec.DesiredLength); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a field by information-element name. It is an error to
// call Add after Freeze.
func (s *Schema) Add(name string, desiredLength uint16) error {
	if s.frozen {
		return silkerr.ErrFrozen
	}
	ie, ok := s.model.ByName(name)
	if !ok {
		return silkerr.New(silkerr.BadParam, "unknown information element name: "+name)
	}
	if _, dup := s.byName[name]; dup {
		return silkerr.Wrap(silkerr.Duplicate, "field already present in schema: "+name, nil)
	}
	s.byName[name] = len(s.fields)
	s.fields = append(s.fields, schemaField{name: name, ie: ie, length: desiredLength})
	return nil
}

// AddList appends a list-typed field (RFC 6313 structured data): name
// must resolve to an information element registered with
// semantics.List (see pkg/ipfixmodel's private list elements). sub
// describes what the list holds: for ListBasic, a frozen single-field
// Schema naming the scalar element type every list item shares; for
// ListSubTemplate/ListSubTemplateMulti, the frozen Schema of the nested
// record type. sub may be nil to mean the shape is not known until
// each list value is decoded off the wire — pkg/ipfixstream's read
// side registers list fields this way, since a list's own template
// entry never advertises its nested shape (see RFC 6313); in that case
// Fixrec.SetList skips the declared-shape compatibility check. It is an
// error to call AddList after Freeze, for an element not marked
// list-typed, or with a non-nil, unfrozen sub schema.
func (s *Schema) AddList(name string, kind ListKind, sub *Schema) error {
	if s.frozen {
		return silkerr.ErrFrozen
	}
	ie, ok := s.model.ByName(name)
	if !ok {
		return silkerr.New(silkerr.BadParam, "unknown information element name: "+name)
	}
	if ie.Semantics != semantics.List {
		return silkerr.New(silkerr.BadParam, "information element is not list-typed: "+name)
	}
	if sub != nil && !sub.Frozen() {
		return silkerr.New(silkerr.BadParam, "list field requires a frozen element/sub-record schema: "+name)
	}
	if _, dup := s.byName[name]; dup {
		return silkerr.Wrap(silkerr.Duplicate, "field already present in schema: "+name, nil)
	}
	s.byName[name] = len(s.fields)
	s.fields = append(s.fields, schemaField{name: name, ie: ie, list: true, listKind: kind, subSchema: sub})
	return nil
}

// Freeze assigns byte offsets in declaration order, fixes the record
// length, and builds the go-ipfix TemplateRecord carrying templateID.
// After Freeze, Add returns an error.
func (s *Schema) Freeze(templateID uint16) (*ipfix.TemplateRecord, error) {
	if s.frozen {
		return s.template, nil
	}

	var offset uint16
	tmplFields := make([]ipfix.Field, 0, len(s.fields))
	for i := range s.fields {
		f := &s.fields[i]
		if f.list {
			// List fields (RFC 6313 structured data) carry no fixed
			// buffer slot, like a variable field, and are always
			// advertised as variable-length in the template.
			field := ipfix.NewFieldBuilder(f.ie).SetLength(ipfix.VariableLength).Complete()
			tmplFields = append(tmplFields, field)
			continue
		}
		if f.length == 0 {
			f.length = naturalLength(f.ie)
		}
		if f.length == ipfix.VariableLength {
			// Variable-length fields (strings, octet arrays of unknown
			// size) are not given a slot in the fixed buffer; Fixrec
			// stores them out-of-band instead.
			f.variable = true
		} else {
			f.offset = offset
			offset += f.length
		}

		field := ipfix.NewFieldBuilder(f.ie).SetLength(f.length).Complete()
		tmplFields = append(tmplFields, field)
	}

	s.recordLen = offset
	s.templateID = templateID
	s.template = &ipfix.TemplateRecord{
		TemplateId: templateID,
		FieldCount: uint16(len(tmplFields)),
		Fields:     tmplFields,
	}
	s.frozen = true
	return s.template, nil
}

// Model returns the information model s was built against.
func (s *Schema) Model() *InformationModel { return s.model }

// WireTemplate returns a TemplateRecord describing s's fields under
// templateID, independent of the id s itself was frozen with — callers
// that multiplex several sessions over one wire (e.g. pkg/ipfixstream)
// assign their own per-peer template ids while reusing the same frozen
// Schema. Returns nil if s is not frozen.
func (s *Schema) WireTemplate(templateID uint16) *ipfix.TemplateRecord {
	if !s.frozen {
		return nil
	}
	return &ipfix.TemplateRecord{
		TemplateId: templateID,
		FieldCount: s.template.FieldCount,
		Fields:     s.template.Fields,
	}
}

// Frozen reports whether Freeze has been called.
func (s *Schema) Frozen() bool { return s.frozen }

// RecordLen returns the frozen record length in bytes (0 if not frozen).
func (s *Schema) RecordLen() uint16 { return s.recordLen }

// TemplateID returns the id Freeze was called with (0 if not frozen).
func (s *Schema) TemplateID() uint16 { return s.templateID }

// FieldOffset returns the byte offset and length of the named field.
// It returns ok=false for a variable-length field — use IsVariable to
// distinguish "unknown field" from "known but out-of-band".
func (s *Schema) FieldOffset(name string) (offset, length uint16, ok bool) {
	idx, found := s.byName[name]
	if !found || s.fields[idx].variable {
		return 0, 0, false
	}
	f := s.fields[idx]
	return f.offset, f.length, true
}

// IsVariable reports whether name is a known variable-length field
// (stored out-of-band on the Fixrec rather than in the fixed buffer).
func (s *Schema) IsVariable(name string) bool {
	idx, ok := s.byName[name]
	return ok && s.fields[idx].variable
}

// IsList reports whether name is a known list-typed field.
func (s *Schema) IsList(name string) bool {
	idx, ok := s.byName[name]
	return ok && s.fields[idx].list
}

// ListInfo returns the kind and element/nested-record schema a
// list-typed field was declared with. ok is false for an unknown or
// non-list field.
func (s *Schema) ListInfo(name string) (kind ListKind, sub *Schema, ok bool) {
	idx, found := s.byName[name]
	if !found || !s.fields[idx].list {
		return 0, nil, false
	}
	f := s.fields[idx]
	return f.listKind, f.subSchema, true
}

// Names returns field names in schema order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.name
	}
	return names
}

// CompatibleWith implements the template-compatibility test from §4.4:
// equal field count and, for each position, equal canonical element and
// equal length.
func (s *Schema) CompatibleWith(o *Schema) bool {
	if len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		a, b := s.fields[i], o.fields[i]
		if a.list != b.list {
			return false
		}
		if a.list {
			if a.listKind != b.listKind || a.ie.Id != b.ie.Id || a.ie.EnterpriseId != b.ie.EnterpriseId {
				return false
			}
			if (a.subSchema == nil) != (b.subSchema == nil) {
				return false
			}
			if a.subSchema != nil && !a.subSchema.CompatibleWith(b.subSchema) {
				return false
			}
			continue
		}
		if a.ie.Id != b.ie.Id || a.ie.EnterpriseId != b.ie.EnterpriseId || a.length != b.length {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of s, safe to hold independently (e.g. in
// a template-use cache entry) of further mutation to s — though once
// frozen, s never mutates again, so Clone mainly exists to give cache
// entries their own *Schema identity for pointer-based cache keys.
func (s *Schema) Clone() *Schema {
	c := &Schema{
		model:      s.model,
		fields:     append([]schemaField(nil), s.fields...),
		byName:     make(map[string]int, len(s.byName)),
		recordLen:  s.recordLen,
		frozen:     s.frozen,
		templateID: s.templateID,
		template:   s.template,
	}
	for k, v := range s.byName {
		c.byName[k] = v
	}
	return c
}

func naturalLength(ie *ipfix.InformationElement) uint16 {
	switch ie.Constructor().Type() {
	case "unsigned8", "boolean":
		return 1
	case "unsigned16":
		return 2
	case "unsigned32", "ipv4Address", "float32":
		return 4
	case "unsigned64", "float64", "dateTimeMilliseconds", "dateTimeMicroseconds", "dateTimeNanoseconds":
		return 8
	case "dateTimeSeconds":
		return 4
	case "ipv6Address":
		return 16
	default:
		return ipfix.VariableLength
	}
}
