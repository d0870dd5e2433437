package main

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/ipfixmodel"
)

func TestToFixrecMapsFieldsV4(t *testing.T) {
	model := ipfixmodel.NewStandardModel()
	v4Schema, err := buildSchema(model, false)
	if err != nil {
		t.Fatalf("buildSchema: %v", err)
	}

	fr := flowrec.New(nil)
	fr.SrcAddr = netip.MustParseAddr("192.0.2.1")
	fr.DstAddr = netip.MustParseAddr("198.51.100.1")
	fr.SrcPort = 51234
	fr.DstPort = 443
	fr.Protocol = 6
	fr.Bytes = 1500
	fr.Packets = 10
	fr.StartTime = time.UnixMilli(1_700_000_000_000)
	fr.Duration = 5 * time.Second

	rec, err := toFixrec(v4Schema, fr)
	if err != nil {
		t.Fatalf("toFixrec: %v", err)
	}

	src, err := rec.GetIPAddress("sourceIPv4Address")
	if err != nil || src != fr.SrcAddr {
		t.Fatalf("GetIPAddress(src) = %v, %v; want %v", src, err, fr.SrcAddr)
	}
	port, err := rec.GetUnsigned("sourceTransportPort")
	if err != nil || port != uint64(fr.SrcPort) {
		t.Fatalf("GetUnsigned(sourceTransportPort) = %v, %v", port, err)
	}
	bytes, err := rec.GetUnsigned("octetDeltaCount")
	if err != nil || bytes != fr.Bytes {
		t.Fatalf("GetUnsigned(octetDeltaCount) = %v, %v", bytes, err)
	}
	start, err := rec.GetDatetime("flowStartMilliseconds")
	if err != nil || !start.Equal(fr.StartTime) {
		t.Fatalf("GetDatetime(flowStartMilliseconds) = %v, %v", start, err)
	}
}

func TestToFixrecChoosesV6Schema(t *testing.T) {
	model := ipfixmodel.NewStandardModel()
	v6Schema, err := buildSchema(model, true)
	if err != nil {
		t.Fatalf("buildSchema: %v", err)
	}

	fr := flowrec.New(nil)
	fr.SrcAddr = netip.MustParseAddr("2001:db8::1")
	fr.DstAddr = netip.MustParseAddr("2001:db8::2")
	fr.StartTime = time.UnixMilli(1_700_000_000_000)

	rec, err := toFixrec(v6Schema, fr)
	if err != nil {
		t.Fatalf("toFixrec: %v", err)
	}
	src, err := rec.GetIPAddress("sourceIPv6Address")
	if err != nil || src != fr.SrcAddr {
		t.Fatalf("GetIPAddress(src) = %v, %v; want %v", src, err, fr.SrcAddr)
	}
}

func TestInputSourcesDefaultsToStdin(t *testing.T) {
	sources := inputSources(nil)
	if len(sources) != 1 || sources[0].Path != "-" {
		t.Fatalf("got %v, want a single stdin source", sources)
	}
}
