// Package ipfixstream wraps github.com/zoomoid/go-ipfix into a record-level
// reader/writer over a FlowRec-shaped Schema/Fixrec, hiding template
// bookkeeping from callers: they see schemas and records, not sets and
// template ids.
package ipfixstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/zoomoid/go-ipfix"

	"github.com/ep-silk/flowcore/pkg/ipfixmodel"
	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// cacheKey identifies one (peer-assigned id, schema) pairing in the
// write-side template-use cache.
type cacheKey struct {
	id     uint16
	schema *ipfixmodel.Schema
}

type cacheEntry struct {
	templateID uint16
	schema     *ipfixmodel.Schema
}

// Stream is a bidirectional IPFIX message reader/writer built against an
// InformationModel shared by both directions. A Stream is not safe for
// concurrent use by multiple goroutines on the same side (read vs write
// may run concurrently).
type Stream struct {
	rwc   io.ReadWriter
	model *ipfixmodel.InformationModel

	templateCache ipfix.TemplateCache
	fieldCache    ipfix.FieldCache
	decoder       *ipfix.Decoder

	// OnNewSchema is invoked the first time a template id is observed on
	// the read side, before any data record referencing it is returned.
	OnNewSchema func(*ipfixmodel.Schema)

	mu      sync.Mutex
	schemas map[uint16]*ipfixmodel.Schema // read-side: templateID -> schema

	// write side
	writeODID  uint32
	nextTmplID uint16
	seq        uint32
	useCache   map[cacheKey]cacheEntry
}

// Closer is implemented by a Stream's underlying transport when Close
// should propagate to it.
type Closer interface {
	Close() error
}

// New returns a Stream over rwc, sharing model between its read and
// write sides. observationDomainID is stamped on outgoing messages; the
// read side keys the schemas it learns by template id alone.
func New(rwc io.ReadWriter, model *ipfixmodel.InformationModel, observationDomainID uint32) *Stream {
	tc := ipfix.NewDefaultEphemeralCache()
	fc := ipfix.NewEphemeralFieldCache(tc)

	s := &Stream{
		rwc:           rwc,
		model:         model,
		templateCache: tc,
		fieldCache:    fc,
		decoder:       ipfix.NewDecoder(tc, fc, ipfix.DefaultDecoderOptions),
		writeODID:     observationDomainID,
		schemas:       make(map[uint16]*ipfixmodel.Schema),
		nextTmplID:    256,
		useCache:      make(map[cacheKey]cacheEntry),
	}

	// Register every known information element with the field cache so
	// that decodeTemplateField resolves a typed builder instead of
	// falling back to an unassigned (opaque octet-array) one.
	ctx := context.Background()
	for _, ie := range model.All() {
		_ = s.fieldCache.Add(ctx, *ie)
	}

	return s
}

// Close closes the wrapped transport if it implements Closer.
func (s *Stream) Close() error {
	if c, ok := s.rwc.(Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadMessage reads one complete IPFIX message: a 16-byte header whose
// Length field bounds the rest, followed by that many more bytes,
// handed whole to the go-ipfix Decoder. Any TemplateRecord sets are
// folded into freshly built Schemas (reported via OnNewSchema) before
// ReadMessage returns, so ReadRecords can map the same message's
// DataRecords. OptionsTemplateRecord sets are not turned into Schemas.
func (s *Stream) ReadMessage(ctx context.Context) (*ipfix.Message, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(s.rwc, hdr); err != nil {
		return nil, err
	}
	version := binary.BigEndian.Uint16(hdr[0:2])
	length := binary.BigEndian.Uint16(hdr[2:4])
	if version != 10 {
		return nil, silkerr.New(silkerr.Malformed, fmt.Sprintf("unexpected IPFIX version %d", version))
	}
	if int(length) < 16 {
		return nil, silkerr.New(silkerr.Malformed, "IPFIX message length shorter than header")
	}

	rest := make([]byte, int(length)-4)
	if _, err := io.ReadFull(s.rwc, rest); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(hdr)
	buf.Write(rest)

	msg, err := s.decoder.Decode(ctx, buf)
	if err != nil {
		return msg, err
	}

	for i := range msg.Sets {
		set := &msg.Sets[i]
		switch set.Kind {
		case ipfix.KindTemplateRecord:
			ts, ok := set.Set.(*ipfix.TemplateSet)
			if !ok {
				continue
			}
			for _, rec := range ts.Records {
				rec := rec
				s.registerReadSchema(rec.TemplateId, rec.Fields)
			}
		}
	}

	return msg, nil
}

func (s *Stream) registerReadSchema(templateID uint16, fields []ipfix.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schemas[templateID]; ok {
		return
	}

	schema := ipfixmodel.NewSchema(s.model)
	for _, f := range fields {
		if kind, ok := listKindOf(f); ok {
			// A list field's actual nested shape (RFC 6313) is not
			// carried by the outer template at all — subTemplateList and
			// subTemplateMultiList name only their own template id on
			// the wire, resolved against whatever nested TemplateRecord
			// arrives (in this same message or an earlier one); basicList
			// names its element type per list instance, not per
			// template. So the sub-schema is discovered per record at
			// decode time (see setFixrecField) rather than declared here;
			// nil marks that to Fixrec.SetList.
			if err := schema.AddList(f.Name(), kind, nil); err != nil {
				continue
			}
			continue
		}
		if err := schema.Add(f.Name(), f.Length()); err != nil {
			// A field the template carries but our model does not know
			// cannot be mapped into a Fixrec; skip it rather than abort
			// the whole schema. Callers relying on that field will find
			// it absent from Schema.Names().
			continue
		}
	}
	if _, err := schema.Freeze(templateID); err != nil {
		return
	}
	s.schemas[templateID] = schema
	if s.OnNewSchema != nil {
		s.OnNewSchema(schema)
	}
}

// listKindOf reports the RFC 6313 structured data type f's information
// element carries, if any, read off the DataType's own Type() name
// rather than any template-level metadata (a list field's own template
// entry advertises only "this is variable-length", never which list
// kind or shape it holds).
func listKindOf(f ipfix.Field) (ipfixmodel.ListKind, bool) {
	switch f.Type() {
	case "basicList":
		return ipfixmodel.ListBasic, true
	case "subTemplateList":
		return ipfixmodel.ListSubTemplate, true
	case "subTemplateMultiList":
		return ipfixmodel.ListSubTemplateMulti, true
	default:
		return 0, false
	}
}

// ReadRecords maps every DataRecord in msg into Fixrecs keyed by the
// schema their template id was registered under. Records whose
// template id was never seen (a DataSet arriving before its
// TemplateSet, or for an id this stream never learned) are skipped.
func (s *Stream) ReadRecords(msg *ipfix.Message) ([]*ipfixmodel.Fixrec, error) {
	var out []*ipfixmodel.Fixrec
	for _, set := range msg.Sets {
		if set.Kind != ipfix.KindDataRecord {
			continue
		}
		ds, ok := set.Set.(*ipfix.DataSet)
		if !ok {
			continue
		}
		for _, dr := range ds.Records {
			s.mu.Lock()
			schema, ok := s.schemas[dr.TemplateId]
			s.mu.Unlock()
			if !ok {
				continue
			}
			rec, err := ipfixmodel.NewFixrec(schema)
			if err != nil {
				return out, err
			}
			for _, f := range dr.Fields {
				if err := setFixrecField(rec, f); err != nil {
					return out, err
				}
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// syntheticSchemaID is the template id assigned to Schemas this
// package builds on the read side purely to describe a decoded list
// value in memory; such a schema is never itself sent on the wire, so
// the id is never compared against a real per-session template id.
const syntheticSchemaID = 0

// setFixrecField copies one decoded go-ipfix field's value into the
// matching Fixrec field. List-typed fields (RFC 6313 structured data)
// are handled separately: their shape is discovered from the decoded
// value itself, not from rec's schema, and they own the nested Fixrecs
// they build rather than writing into rec's own buffer.
func setFixrecField(rec *ipfixmodel.Fixrec, f ipfix.Field) error {
	name := f.Name()
	if kind, ok := listKindOf(f); ok {
		return setFixrecListField(rec, name, kind, f)
	}
	switch v := f.Value().Value().(type) {
	case uint8:
		return rec.SetUnsigned(name, uint64(v))
	case uint16:
		return rec.SetUnsigned(name, uint64(v))
	case uint32:
		return rec.SetUnsigned(name, uint64(v))
	case uint64:
		return rec.SetUnsigned(name, v)
	case float32:
		return rec.SetFloat(name, float64(v))
	case float64:
		return rec.SetFloat(name, v)
	case bool:
		return rec.SetBoolean(name, v)
	case string:
		if rec.Schema().IsVariable(name) {
			return rec.SetString(name, v)
		}
		return rec.SetOctetArray(name, []byte(v))
	case net.IP:
		addr, ok := netip.AddrFromSlice(v.To4())
		if !ok {
			addr, ok = netip.AddrFromSlice(v.To16())
			if !ok {
				return silkerr.New(silkerr.DecodeError, "unparseable IP address field: "+name)
			}
		}
		return rec.SetIPAddress(name, addr)
	case time.Time:
		return rec.SetDatetime(name, v)
	case []byte:
		return rec.SetOctetArray(name, v)
	default:
		return silkerr.New(silkerr.DecodeError, fmt.Sprintf("unsupported field value type %T for %s", v, name))
	}
}

// setFixrecListField decodes one list-typed field into a ListValue and
// attaches it to rec via Fixrec.SetList. The nested sub-schema is
// built fresh from whatever fields the decoded value actually carries
// (go-ipfix has already resolved each nested record's fields against
// its own TemplateRecord by the time Value() returns them), since a
// list field's own template entry never names its nested shape.
func setFixrecListField(rec *ipfixmodel.Fixrec, name string, kind ipfixmodel.ListKind, f ipfix.Field) error {
	model := rec.Schema().Model()

	switch kind {
	case ipfixmodel.ListBasic:
		bl, ok := f.Value().(*ipfix.BasicList)
		if !ok {
			return silkerr.New(silkerr.DecodeError, "basic-list field did not decode to *ipfix.BasicList: "+name)
		}
		elements := bl.Elements()
		if len(elements) == 0 {
			return rec.SetList(name, ipfixmodel.ListValue{SubSchema: ipfixmodel.NewSchema(model), Items: nil})
		}
		sub := ipfixmodel.NewSchema(model)
		if err := sub.Add(elements[0].Name(), elements[0].Length()); err != nil {
			return err
		}
		if _, err := sub.Freeze(syntheticSchemaID); err != nil {
			return err
		}
		items := make([]*ipfixmodel.Fixrec, 0, len(elements))
		for _, el := range elements {
			item, err := ipfixmodel.NewFixrec(sub)
			if err != nil {
				return err
			}
			if err := setFixrecField(item, el); err != nil {
				return err
			}
			items = append(items, item)
		}
		return rec.SetList(name, ipfixmodel.ListValue{SubSchema: sub, Items: items})

	case ipfixmodel.ListSubTemplate:
		stl, ok := f.Value().(*ipfix.SubTemplateList)
		if !ok {
			return silkerr.New(silkerr.DecodeError, "sub-template-list field did not decode to *ipfix.SubTemplateList: "+name)
		}
		sub, items, err := decodeNestedRecords(model, stl.Elements())
		if err != nil {
			return err
		}
		return rec.SetList(name, ipfixmodel.ListValue{SubSchema: sub, Items: items})

	case ipfixmodel.ListSubTemplateMulti:
		mtl, ok := f.Value().(*ipfix.SubTemplateMultiList)
		if !ok {
			return silkerr.New(silkerr.DecodeError, "sub-template-multi-list field did not decode to *ipfix.SubTemplateMultiList: "+name)
		}
		var records []ipfix.DataRecord
		for _, content := range mtl.Elements() {
			records = append(records, content.Values...)
		}
		sub, items, err := decodeNestedRecords(model, records)
		if err != nil {
			return err
		}
		return rec.SetList(name, ipfixmodel.ListValue{SubSchema: sub, Items: items})

	default:
		return silkerr.New(silkerr.BadParam, "unknown list kind for "+name)
	}
}

// decodeNestedRecords builds a Schema from the first of records'
// already-resolved Fields and a Fixrec per record against it. Every
// record in a subTemplateList/subTemplateMultiList instance shares one
// template, so the first record's fields describe them all.
func decodeNestedRecords(model *ipfixmodel.InformationModel, records []ipfix.DataRecord) (*ipfixmodel.Schema, []*ipfixmodel.Fixrec, error) {
	sub := ipfixmodel.NewSchema(model)
	if len(records) == 0 {
		return sub, nil, nil
	}
	for _, f := range records[0].Fields {
		if err := sub.Add(f.Name(), f.Length()); err != nil {
			continue
		}
	}
	if _, err := sub.Freeze(syntheticSchemaID); err != nil {
		return nil, nil, err
	}

	items := make([]*ipfixmodel.Fixrec, 0, len(records))
	for _, dr := range records {
		item, err := ipfixmodel.NewFixrec(sub)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range dr.Fields {
			if err := setFixrecField(item, f); err != nil {
				return nil, nil, err
			}
		}
		items = append(items, item)
	}
	return sub, items, nil
}

// AppendRecord serializes rec as a single-record IPFIX message,
// publishing a TemplateRecord set first if rec's schema was not yet
// sent for its assigned template id (or changed since the last record
// using that id). When rec's schema carries list-typed fields (RFC
// 6313 basicList/subTemplateList/subTemplateMultiList), every nested
// schema a subTemplateList/subTemplateMultiList field owns is walked
// transitively and given its own session template id, publishing an
// additional TemplateRecord set for each one not yet sent.
func (s *Stream) AppendRecord(ctx context.Context, rec *ipfixmodel.Fixrec) error {
	schema := rec.Schema()

	s.mu.Lock()
	tmplID, needsTemplate := s.assignTemplateLocked(schema)
	nested := s.assignNestedTemplatesLocked(schema)
	s.mu.Unlock()

	msg := &ipfix.Message{
		Version:             10,
		ExportTime:          uint32(time.Now().Unix()),
		SequenceNumber:      s.nextSeq(),
		ObservationDomainId: s.writeODID,
	}

	for _, nt := range nested {
		if !nt.needsTemplate {
			continue
		}
		if err := appendTemplateSet(msg, nt.schema, nt.id); err != nil {
			return err
		}
	}

	if needsTemplate {
		if err := appendTemplateSet(msg, schema, tmplID); err != nil {
			return err
		}
	}

	nestedIDs := make(map[*ipfixmodel.Schema]uint16, len(nested))
	for _, nt := range nested {
		nestedIDs[nt.schema] = nt.id
	}

	var body []byte
	var err error
	if schemaHasListField(schema) {
		body, err = encodeRecordBytes(schema, rec, nestedIDs)
	} else {
		var dataRecord *ipfix.DataRecord
		dataRecord, err = buildDataRecord(rec, tmplID)
		if err == nil {
			buf := &bytes.Buffer{}
			_, err = dataRecord.Encode(buf)
			body = buf.Bytes()
		}
	}
	if err != nil {
		return err
	}

	msg.Sets = append(msg.Sets, ipfix.Set{
		SetHeader: ipfix.SetHeader{Id: tmplID, Length: uint16(4 + len(body))},
		Kind:      ipfix.KindDataRecord,
		Set:       &rawSet{body: body},
	})

	msg.Length = messageLength(msg)

	_, err = msg.Encode(s.rwc)
	return err
}

func appendTemplateSet(msg *ipfix.Message, schema *ipfixmodel.Schema, id uint16) error {
	tmplRecord := schema.WireTemplate(id)
	if tmplRecord == nil {
		return silkerr.New(silkerr.BadParam, "AppendRecord: schema is not frozen")
	}
	body := &bytes.Buffer{}
	if _, err := tmplRecord.Encode(body); err != nil {
		return err
	}
	msg.Sets = append(msg.Sets, ipfix.Set{
		SetHeader: ipfix.SetHeader{Id: ipfix.IPFIX, Length: uint16(4 + body.Len())},
		Kind:      ipfix.KindTemplateRecord,
		Set:       &ipfix.TemplateSet{Records: []ipfix.TemplateRecord{*tmplRecord}},
	})
	return nil
}

func messageLength(msg *ipfix.Message) uint16 {
	total := 16
	for _, set := range msg.Sets {
		total += int(set.SetHeader.Length)
	}
	return uint16(total)
}

// assignTemplateLocked looks up schema in the write-side template-use
// cache keyed by its already-assigned id if any, otherwise allocates a
// fresh one. It must be called with s.mu held.
func (s *Stream) assignTemplateLocked(schema *ipfixmodel.Schema) (id uint16, needsTemplate bool) {
	for key, entry := range s.useCache {
		if entry.schema.CompatibleWith(schema) {
			return key.id, false
		}
	}

	id = s.nextTmplID
	s.nextTmplID++
	s.useCache[cacheKey{id: id, schema: schema}] = cacheEntry{templateID: id, schema: schema.Clone()}
	return id, true
}

// nestedAssignment is one subTemplateList/subTemplateMultiList nested
// schema discovered under a record's top-level schema, with the
// session template id it was assigned (or reused).
type nestedAssignment struct {
	schema        *ipfixmodel.Schema
	id            uint16
	needsTemplate bool
}

// assignNestedTemplatesLocked walks schema's list-typed fields
// transitively and assigns each subTemplateList/subTemplateMultiList
// nested schema its own session template id via assignTemplateLocked.
// basicList fields need no template id: a basicList element is a bare
// scalar, not a record. Must be called with s.mu held.
func (s *Stream) assignNestedTemplatesLocked(schema *ipfixmodel.Schema) []nestedAssignment {
	var out []nestedAssignment
	seen := make(map[*ipfixmodel.Schema]bool)

	var walk func(sc *ipfixmodel.Schema)
	walk = func(sc *ipfixmodel.Schema) {
		for _, name := range sc.Names() {
			kind, sub, ok := sc.ListInfo(name)
			if !ok || sub == nil || kind == ipfixmodel.ListBasic || seen[sub] {
				continue
			}
			seen[sub] = true
			id, needsTemplate := s.assignTemplateLocked(sub)
			out = append(out, nestedAssignment{schema: sub, id: id, needsTemplate: needsTemplate})
			walk(sub)
		}
	}
	walk(schema)
	return out
}

// rawSet carries a pre-encoded DataSet body. go-ipfix's own
// BasicList/SubTemplateList/SubTemplateMultiList DataTypes have no
// public setter for the wire-header fields (field id, element length,
// enterprise PEN, nested template id) an outbound encode of a
// from-scratch value needs — those are populated only by Decode. A
// record whose schema carries a list field is therefore encoded
// directly into bytes by encodeRecordBytes and wrapped in a rawSet,
// which satisfies go-ipfix's unexported Set body interface (String,
// Length, Encode) without needing access to any of that.
type rawSet struct {
	body []byte
}

func (r *rawSet) String() string                  { return fmt.Sprintf("rawSet<%d bytes>", len(r.body)) }
func (r *rawSet) Length() int                     { return len(r.body) }
func (r *rawSet) Encode(w io.Writer) (int, error) { return w.Write(r.body) }

// schemaHasListField reports whether schema declares any list-typed
// field, which routes AppendRecord through the hand-rolled encoder
// instead of go-ipfix's own DataRecord.Encode.
func schemaHasListField(schema *ipfixmodel.Schema) bool {
	for _, name := range schema.Names() {
		if schema.IsList(name) {
			return true
		}
	}
	return false
}

// encodeRecordBytes encodes one record's fields in schema order,
// scalar fields via go-ipfix's own Field.Encode and list fields via
// encodeListField. nestedIDs supplies the session template id for
// every subTemplateList/subTemplateMultiList nested schema reachable
// from schema, as assigned by assignNestedTemplatesLocked.
func encodeRecordBytes(schema *ipfixmodel.Schema, rec *ipfixmodel.Fixrec, nestedIDs map[*ipfixmodel.Schema]uint16) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, name := range schema.Names() {
		if kind, sub, ok := schema.ListInfo(name); ok {
			list, _ := rec.GetList(name)
			if err := encodeListField(buf, kind, sub, list, nestedIDs); err != nil {
				return nil, err
			}
			continue
		}
		f, err := buildScalarField(schema, rec, name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Encode(buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// basicListEnterpriseMask marks a basicList header's field id as
// enterprise-specific, matching go-ipfix's own BasicList.Encode.
const basicListEnterpriseMask = uint16(0x8000)

// encodeListField writes one list-typed field's full wire
// representation — length prefix included, matching go-ipfix's own
// VariableLengthField.Encode framing — for each of the three RFC 6313
// structured data types. Layouts are grounded directly on go-ipfix's
// BasicList.Encode/SubTemplateList.Encode/SubTemplateMultiList.Encode.
func encodeListField(w io.Writer, kind ipfixmodel.ListKind, sub *ipfixmodel.Schema, list ipfixmodel.ListValue, nestedIDs map[*ipfixmodel.Schema]uint16) error {
	body := &bytes.Buffer{}

	switch kind {
	case ipfixmodel.ListBasic:
		names := sub.Names()
		if len(names) != 1 {
			return silkerr.New(silkerr.BadParam, "basic-list sub-schema must declare exactly one element field")
		}
		elementName := names[0]
		ie, ok := sub.Model().ByName(elementName)
		if !ok {
			return silkerr.New(silkerr.BadParam, "basic-list element field not present in information model: "+elementName)
		}
		_, elementLength, ok := sub.FieldOffset(elementName)
		if !ok {
			elementLength = ipfix.VariableLength
		}
		isEnterprise := ie.EnterpriseId != 0

		body.WriteByte(byte(ipfix.SemanticAllOf))
		if isEnterprise {
			writeUint16(body, basicListEnterpriseMask|ie.Id)
		} else {
			writeUint16(body, ie.Id)
		}
		writeUint16(body, elementLength)
		if isEnterprise {
			writeUint32(body, ie.EnterpriseId)
		}
		for _, item := range list.Items {
			f, err := buildScalarField(sub, item, elementName)
			if err != nil {
				return err
			}
			if _, err := f.Encode(body); err != nil {
				return err
			}
		}

	case ipfixmodel.ListSubTemplate:
		id, ok := nestedIDs[sub]
		if !ok {
			return silkerr.New(silkerr.BadParam, "sub-template-list: nested schema has no assigned template id")
		}
		body.WriteByte(byte(ipfix.SemanticAllOf))
		writeUint16(body, id)
		for _, item := range list.Items {
			rb, err := encodeRecordBytes(sub, item, nestedIDs)
			if err != nil {
				return err
			}
			body.Write(rb)
		}

	case ipfixmodel.ListSubTemplateMulti:
		id, ok := nestedIDs[sub]
		if !ok {
			return silkerr.New(silkerr.BadParam, "sub-template-multi-list: nested schema has no assigned template id")
		}
		body.WriteByte(byte(ipfix.SemanticAllOf))
		for _, item := range list.Items {
			rb, err := encodeRecordBytes(sub, item, nestedIDs)
			if err != nil {
				return err
			}
			writeUint16(body, id)
			writeUint16(body, uint16(len(rb)))
			body.Write(rb)
		}

	default:
		return silkerr.New(silkerr.BadParam, "unknown list kind")
	}

	return writeVariableLengthPrefixed(w, body.Bytes())
}

// writeVariableLengthPrefixed writes data framed the way go-ipfix's
// VariableLengthField.Encode frames a variable-length field: a 1-byte
// length, or 0xFF followed by a 2-byte length when data is 255 bytes
// or longer.
func writeVariableLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) >= 255 {
		if _, err := w.Write([]byte{0xFF}); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(len(data))); err != nil {
			return err
		}
	} else {
		if _, err := w.Write([]byte{byte(len(data))}); err != nil {
			return err
		}
	}
	_, err := w.Write(data)
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func (s *Stream) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	s.seq++
	return seq
}

// buildDataRecord constructs a go-ipfix DataRecord from rec, used for
// the common case of a schema with no list-typed fields. Each field is
// built via buildScalarField.
func buildDataRecord(rec *ipfixmodel.Fixrec, templateID uint16) (*ipfix.DataRecord, error) {
	schema := rec.Schema()
	fields := make([]ipfix.Field, 0, len(schema.Names()))

	for _, name := range schema.Names() {
		f, err := buildScalarField(schema, rec, name)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	return &ipfix.DataRecord{
		TemplateId: templateID,
		FieldCount: uint16(len(fields)),
		Fields:     fields,
	}, nil
}

// buildScalarField builds a go-ipfix Field for one non-list schema
// field, re-decoding the field's own fixed-width buffer slice through
// a freshly built Field when needed: the Field's Decode method is the
// only code path that knows how to turn a fixed-width byte slice back
// into a typed, re-encodable DataType, so this sidesteps hand-rolling
// a second encoder for every IPFIX wire type.
func buildScalarField(schema *ipfixmodel.Schema, rec *ipfixmodel.Fixrec, name string) (ipfix.Field, error) {
	ie, ok := schema.Model().ByName(name)
	if !ok {
		return nil, silkerr.New(silkerr.BadParam, "field not present in information model: "+name)
	}

	if schema.IsVariable(name) {
		str, err := rec.GetString(name)
		if err != nil {
			return nil, err
		}
		f := ipfix.NewFieldBuilder(ie).SetLength(ipfix.VariableLength).Complete()
		f.SetValue(str)
		return f, nil
	}

	_, length, ok := schema.FieldOffset(name)
	if !ok {
		return nil, silkerr.New(silkerr.BadParam, "unknown schema field: "+name)
	}
	raw, err := rec.GetOctetArray(name)
	if err != nil {
		return nil, err
	}
	f := ipfix.NewFieldBuilder(ie).SetLength(length).Complete()
	if _, err := f.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("re-decoding field %s for re-encode: %w", name, err)
	}
	return f, nil
}
