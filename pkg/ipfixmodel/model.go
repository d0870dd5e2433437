// Package ipfixmodel implements the Schema/Fixrec layer (C4): a frozen,
// offset-assigning record layout built from named information elements,
// and the fixed-size record buffer ("Fixrec") that layout describes.
// Wire template/data-set framing itself is delegated to
// github.com/zoomoid/go-ipfix (via pkg/ipfixstream); this package covers
// only the mapping between FlowRec/sidecar fields and that library's
// InformationElement/Field/TemplateRecord types.
package ipfixmodel

import (
	"github.com/zoomoid/go-ipfix"
	"github.com/zoomoid/go-ipfix/iana/semantics"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// ElementKey identifies an information element by enterprise number and
// element id, matching the wire identity used in IPFIX templates.
type ElementKey struct {
	PEN uint32
	ID  uint16
}

// InformationModel is a registry of named information elements, each
// bound to a go-ipfix DataTypeConstructor. It is shared (read-only after
// construction) across every Schema built against it.
type InformationModel struct {
	byKey  map[ElementKey]*ipfix.InformationElement
	byName map[string]*ipfix.InformationElement
}

// NewInformationModel returns an empty model.
func NewInformationModel() *InformationModel {
	return &InformationModel{
		byKey:  make(map[ElementKey]*ipfix.InformationElement),
		byName: make(map[string]*ipfix.InformationElement),
	}
}

// Register adds ie (PEN 0 for IANA-assigned elements) to the model.
// Re-registering the same (PEN, id) with a different name is a
// programmer error and returns silkerr.Duplicate.
func (m *InformationModel) Register(ie ipfix.InformationElement) error {
	key := ElementKey{PEN: ie.EnterpriseId, ID: ie.Id}
	if existing, ok := m.byKey[key]; ok && existing.Name != ie.Name {
		return silkerr.New(silkerr.Duplicate, "information element id already registered under a different name")
	}
	cp := ie
	m.byKey[key] = &cp
	m.byName[ie.Name] = &cp
	return nil
}

// ByKey looks up an information element by (PEN, id).
func (m *InformationModel) ByKey(pen uint32, id uint16) (*ipfix.InformationElement, bool) {
	ie, ok := m.byKey[ElementKey{PEN: pen, ID: id}]
	return ie, ok
}

// ByName looks up an information element by name.
func (m *InformationModel) ByName(name string) (*ipfix.InformationElement, bool) {
	ie, ok := m.byName[name]
	return ie, ok
}

// All returns every information element registered in the model, in no
// particular order. Used to seed a go-ipfix FieldCache wholesale.
func (m *InformationModel) All() []*ipfix.InformationElement {
	all := make([]*ipfix.InformationElement, 0, len(m.byKey))
	for _, ie := range m.byKey {
		all = append(all, ie)
	}
	return all
}

// NewStandardModel returns an InformationModel pre-populated with the
// IANA-assigned (PEN 0) elements FlowRec and its sidecar fields need,
// plus the private-enterprise list-typed elements listElements declares.
// Element ids match the IANA IPFIX Information Element registry.
func NewStandardModel() *InformationModel {
	m := NewInformationModel()
	for _, ie := range standardElements {
		// Registration of a fixed built-in table cannot fail; a failure
		// here means the table itself has a duplicate id under two
		// names, which is a bug in this package, not caller input.
		if err := m.Register(ie); err != nil {
			panic(err)
		}
	}
	for _, ie := range listElements {
		if err := m.Register(ie); err != nil {
			panic(err)
		}
	}
	return m
}

var standardElements = []ipfix.InformationElement{
	{Id: 1, Name: "octetDeltaCount", Constructor: ipfix.NewUnsigned64},
	{Id: 2, Name: "packetDeltaCount", Constructor: ipfix.NewUnsigned64},
	{Id: 4, Name: "protocolIdentifier", Constructor: ipfix.NewUnsigned8},
	{Id: 5, Name: "ipClassOfService", Constructor: ipfix.NewUnsigned8},
	{Id: 6, Name: "tcpControlBits", Constructor: ipfix.NewUnsigned8},
	{Id: 7, Name: "sourceTransportPort", Constructor: ipfix.NewUnsigned16},
	{Id: 8, Name: "sourceIPv4Address", Constructor: ipfix.NewIPv4Address},
	{Id: 9, Name: "sourceIPv4PrefixLength", Constructor: ipfix.NewUnsigned8},
	{Id: 10, Name: "ingressInterface", Constructor: ipfix.NewUnsigned32},
	{Id: 11, Name: "destinationTransportPort", Constructor: ipfix.NewUnsigned16},
	{Id: 12, Name: "destinationIPv4Address", Constructor: ipfix.NewIPv4Address},
	{Id: 13, Name: "destinationIPv4PrefixLength", Constructor: ipfix.NewUnsigned8},
	{Id: 14, Name: "egressInterface", Constructor: ipfix.NewUnsigned32},
	{Id: 16, Name: "bgpSourceAsNumber", Constructor: ipfix.NewUnsigned32},
	{Id: 17, Name: "bgpDestinationAsNumber", Constructor: ipfix.NewUnsigned32},
	{Id: 27, Name: "sourceIPv6Address", Constructor: ipfix.NewIPv6Address},
	{Id: 28, Name: "destinationIPv6Address", Constructor: ipfix.NewIPv6Address},
	{Id: 152, Name: "flowStartMilliseconds", Constructor: ipfix.NewDateTimeMilliseconds},
	{Id: 153, Name: "flowEndMilliseconds", Constructor: ipfix.NewDateTimeMilliseconds},
}

// privateListEnterpriseId is the private enterprise number list-typed
// elements below are registered under. No SiLK flow field itself needs
// RFC 6313 structured data, but a stream that receives one from another
// exporter must still be able to describe and round-trip it, so the
// model carries elements to name each supported list shape.
const privateListEnterpriseId = 52925

var listElements = []ipfix.InformationElement{
	{Id: 1, EnterpriseId: privateListEnterpriseId, Name: "relatedFlowIdentifiers", Constructor: ipfix.NewBasicList, Semantics: semantics.List},
	{Id: 2, EnterpriseId: privateListEnterpriseId, Name: "relatedFlowRecords", Constructor: ipfix.NewDefaultSubTemplateList, Semantics: semantics.List},
	{Id: 3, EnterpriseId: privateListEnterpriseId, Name: "relatedFlowRecordSets", Constructor: ipfix.NewDefaultSubTemplateMultiList, Semantics: semantics.List},
}
