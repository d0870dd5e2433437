package sidecar

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/ep-silk/flowcore/pkg/valuestore"
)

func TestEmptySidecarCanonicalForm(t *testing.T) {
	s := New()
	store := valuestore.NewStore()

	buf, err := EncodeSidecar(s, store, valuestore.NoHandle)
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}
	want := []byte{0x00, 0x04, 0x00, 0x00}
	if !bytes.Equal(buf, want) {
		t.Fatalf("empty sidecar = % x, want % x", buf, want)
	}

	h, n, err := DecodeSidecar(s, store, buf)
	if err != nil {
		t.Fatalf("DecodeSidecar: %v", err)
	}
	if h != valuestore.NoHandle {
		t.Fatalf("expected NoHandle for canonical empty encoding, got %v", h)
	}
	if n != 4 {
		t.Fatalf("consumed %d bytes, want 4", n)
	}
}

func TestSidecarRoundTripScalarFields(t *testing.T) {
	s := New()
	mustAdd(t, s, Element{Name: ElementName("score"), Type: TypeUint32})
	mustAdd(t, s, Element{Name: ElementName("ratio"), Type: TypeDouble})
	mustAdd(t, s, Element{Name: ElementName("tag"), Type: TypeString})
	mustAdd(t, s, Element{Name: ElementName("probe"), Type: TypeAddrIP4})
	mustAdd(t, s, Element{Name: ElementName("flagged"), Type: TypeBoolean})

	in := valuestore.NewTable()
	in.Set("score", valuestore.Value{Kind: valuestore.Uint32, U: 42})
	in.Set("ratio", valuestore.Value{Kind: valuestore.Double, F: 0.25})
	in.Set("tag", valuestore.Value{Kind: valuestore.String, S: "edge-7"})
	in.Set("probe", valuestore.Value{Kind: valuestore.AddrIP4, Addr: netip.MustParseAddr("10.0.0.9")})
	in.Set("flagged", valuestore.Value{Kind: valuestore.Boolean, Bool: true})

	store := valuestore.NewStore()
	h := store.Alloc(in)

	buf, err := EncodeSidecar(s, store, h)
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	outHandle, n, err := DecodeSidecar(s, store, buf)
	if err != nil {
		t.Fatalf("DecodeSidecar: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	out, ok := store.Get(outHandle)
	if !ok {
		t.Fatalf("decoded handle not found in store")
	}

	for _, key := range in.Keys() {
		want, _ := in.Get(key)
		got, ok := out.Get(key)
		if !ok {
			t.Fatalf("decoded table missing key %q", key)
		}
		if !valuestore.Equal(want, got) {
			t.Fatalf("key %q: got %+v want %+v", key, got, want)
		}
	}
}

func TestSidecarRoundTripListAndTable(t *testing.T) {
	s := New()
	mustAdd(t, s, Element{Name: ElementName("path"), Type: TypeList, ListElem: TypeUint16})
	mustAdd(t, s, Element{Name: ElementName("meta"), Type: TypeTable})
	mustAdd(t, s, Element{Name: ElementName("meta", "owner"), Type: TypeString})
	mustAdd(t, s, Element{Name: ElementName("meta", "priority"), Type: TypeUint8})

	inner := valuestore.NewTable()
	inner.Set("owner", valuestore.Value{Kind: valuestore.String, S: "net-ops"})
	inner.Set("priority", valuestore.Value{Kind: valuestore.Uint8, U: 3})

	in := valuestore.NewTable()
	in.Set("path", valuestore.Value{Kind: valuestore.List, List: []valuestore.Value{
		{Kind: valuestore.Uint16, U: 10},
		{Kind: valuestore.Uint16, U: 20},
		{Kind: valuestore.Uint16, U: 30},
	}})
	in.Set("meta", valuestore.Value{Kind: valuestore.Table, Table: inner})

	store := valuestore.NewStore()
	h := store.Alloc(in)

	buf, err := EncodeSidecar(s, store, h)
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	outHandle, _, err := DecodeSidecar(s, store, buf)
	if err != nil {
		t.Fatalf("DecodeSidecar: %v", err)
	}
	out, _ := store.Get(outHandle)

	path, ok := out.Get("path")
	if !ok || len(path.List) != 3 {
		t.Fatalf("decoded path = %+v", path)
	}
	for i, want := range []uint64{10, 20, 30} {
		if path.List[i].U != want {
			t.Fatalf("path[%d] = %d, want %d", i, path.List[i].U, want)
		}
	}

	meta, ok := out.Get("meta")
	if !ok || meta.Kind != valuestore.Table {
		t.Fatalf("decoded meta = %+v", meta)
	}
	owner, ok := meta.Table.Get("owner")
	if !ok || owner.S != "net-ops" {
		t.Fatalf("decoded meta.owner = %+v", owner)
	}
	priority, ok := meta.Table.Get("priority")
	if !ok || priority.U != 3 {
		t.Fatalf("decoded meta.priority = %+v", priority)
	}
}

func TestSidecarDecodeShortDataRejected(t *testing.T) {
	s := New()
	mustAdd(t, s, Element{Name: ElementName("score"), Type: TypeUint32})

	store := valuestore.NewStore()
	in := valuestore.NewTable()
	in.Set("score", valuestore.Value{Kind: valuestore.Uint32, U: 7})
	h := store.Alloc(in)

	buf, err := EncodeSidecar(s, store, h)
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	if _, _, err := DecodeSidecar(s, store, buf[:len(buf)-1]); err == nil {
		t.Fatalf("expected short-data error decoding truncated buffer")
	}
}

func mustAdd(t *testing.T, s *Schema, e Element) {
	t.Helper()
	if err := s.Add(e); err != nil {
		t.Fatalf("Add(%q): %v", e.Name, err)
	}
}
