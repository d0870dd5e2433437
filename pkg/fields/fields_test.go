package fields

import (
	"net/netip"
	"testing"

	"github.com/ep-silk/flowcore/pkg/flowrec"
)

func TestResolveExactAndAlias(t *testing.T) {
	r := NewRegistry()

	f, err := r.Resolve("bytes")
	if err != nil || f.Name != "bytes" {
		t.Fatalf("Resolve(bytes) = %+v, %v", f, err)
	}

	f, err = r.Resolve("octets")
	if err != nil || f.Name != "bytes" {
		t.Fatalf("Resolve(octets) alias = %+v, %v", f, err)
	}
}

func TestResolveUniquePrefix(t *testing.T) {
	r := NewRegistry()

	f, err := r.Resolve("durat")
	if err != nil || f.Name != "duration" {
		t.Fatalf("Resolve(durat) = %+v, %v", f, err)
	}
}

func TestResolveAmbiguousPrefixFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("s"); err == nil {
		t.Fatalf("expected ambiguous-prefix error for \"s\"")
	}
}

func TestResolveUnknownFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nonexistent-field"); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestCompareBuiltinOrdersByField(t *testing.T) {
	r := NewRegistry()
	f, err := r.Resolve("bytes")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	a := &flowrec.FlowRec{Bytes: 100}
	b := &flowrec.FlowRec{Bytes: 200}
	if f.Compare(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if f.Compare(b, a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if f.Compare(a, a) != 0 {
		t.Fatalf("expected equal records to compare 0")
	}
}

func TestCompareAddrField(t *testing.T) {
	r := NewRegistry()
	f, err := r.Resolve("sIP")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	a := &flowrec.FlowRec{SrcAddr: netip.MustParseAddr("10.0.0.1")}
	b := &flowrec.FlowRec{SrcAddr: netip.MustParseAddr("10.0.0.2")}
	if f.Compare(a, b) >= 0 {
		t.Fatalf("expected 10.0.0.1 < 10.0.0.2")
	}
}
