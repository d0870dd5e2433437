package main

import (
	"bufio"
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

func writeTestFile(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	schema := sidecar.New()
	h := &flowfile.Header{FormatID: 1, FormatVers: 1, Compression: flowfile.CompressionNone}
	h.Add(flowfile.EntryInvocation, []byte("test"))
	if err := flowfile.WriteHeader(f, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	bw, err := flowfile.NewBodyWriter(f, flowfile.CompressionNone)
	if err != nil {
		t.Fatalf("NewBodyWriter: %v", err)
	}
	w := bufio.NewWriter(bw)
	store := valuestore.NewStore()
	for i := 0; i < n; i++ {
		r := flowrec.New(store)
		r.SrcAddr = netip.MustParseAddr("10.0.0.1")
		r.DstAddr = netip.MustParseAddr("10.0.0.2")
		r.StartTime = time.UnixMilli(1_700_000_000_000)
		if err := flowfile.WriteRecord(w, schema, r); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("bw.Close: %v", err)
	}
}

func TestPrintInfoReportsRecordCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.silk")
	writeTestFile(t, path, 3)

	var buf bytes.Buffer
	if err := printInfo(&buf, path, flags{}); err != nil {
		t.Fatalf("printInfo: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "records:      3") {
		t.Fatalf("output missing record count: %s", out)
	}
	if !strings.Contains(out, "invocation: test") {
		t.Fatalf("output missing invocation entry: %s", out)
	}
}

func TestPrintInfoSkipsCountWhenRequested(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.silk")
	writeTestFile(t, path, 5)

	var buf bytes.Buffer
	if err := printInfo(&buf, path, flags{noCount: true}); err != nil {
		t.Fatalf("printInfo: %v", err)
	}
	if strings.Contains(buf.String(), "records:") {
		t.Fatalf("expected no record count line, got: %s", buf.String())
	}
}

func TestCompressionName(t *testing.T) {
	if compressionName(flowfile.CompressionNone) != "none" {
		t.Fatalf("CompressionNone should report none")
	}
	if compressionName(flowfile.CompressionZstd) != "zstd" {
		t.Fatalf("CompressionZstd should report zstd")
	}
}
