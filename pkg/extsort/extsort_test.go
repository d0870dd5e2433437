package extsort

import (
	"bufio"
	"bytes"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

func newFlowRec(store *valuestore.Store, srcPort uint16, packets uint64) *flowrec.FlowRec {
	r := flowrec.New(store)
	r.SrcAddr = netip.MustParseAddr("192.0.2.1")
	r.DstAddr = netip.MustParseAddr("198.51.100.1")
	r.NextHop = netip.MustParseAddr("203.0.113.1")
	r.SrcPort = srcPort
	r.DstPort = 443
	r.Protocol = 6
	r.Packets = packets
	r.Bytes = packets * 100
	r.StartTime = time.UnixMilli(1_700_000_000_000)
	r.Duration = 5 * time.Second
	return r
}

func emptySchema() *sidecar.Schema { return sidecar.New() }

func readAll(t *testing.T, buf *bytes.Buffer, schema *sidecar.Schema, store *valuestore.Store) []*flowrec.FlowRec {
	t.Helper()
	r := bufio.NewReader(buf)
	var out []*flowrec.FlowRec
	for {
		rec, err := readRecord(r, schema, store)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("readRecord: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestKeyCompilerResolvesBuiltins(t *testing.T) {
	c := NewCompiler()
	key, err := c.Compile("sPort,dPort", false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	store := valuestore.NewStore()
	a := newFlowRec(store, 100, 1)
	b := newFlowRec(store, 200, 1)
	if got := key.Compare(a, b); got >= 0 {
		t.Fatalf("Compare(a,b) = %d, want negative", got)
	}
	if got := key.Compare(b, a); got <= 0 {
		t.Fatalf("Compare(b,a) = %d, want positive", got)
	}
}

func TestKeyCompilerReverse(t *testing.T) {
	c := NewCompiler()
	key, err := c.Compile("sPort", true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	store := valuestore.NewStore()
	a := newFlowRec(store, 100, 1)
	b := newFlowRec(store, 200, 1)
	if got := key.Compare(a, b); got <= 0 {
		t.Fatalf("Compare(a,b) reversed = %d, want positive", got)
	}
}

func TestKeyCompilerUnknownField(t *testing.T) {
	c := NewCompiler()
	if _, err := c.Compile("noSuchField", false); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestKeyCompilerAmbiguousPrefix(t *testing.T) {
	c := NewCompiler()
	// "s" is an ambiguous prefix among sPort/sensor/sessionFlags etc.
	if _, err := c.Compile("s", false); err == nil {
		t.Fatalf("expected error for ambiguous prefix")
	}
}

func TestSidecarCompareAbsencePresence(t *testing.T) {
	store := valuestore.NewStore()
	a := newFlowRec(store, 1, 1)
	b := newFlowRec(store, 1, 1)
	side := valuestore.NewTable()
	side.Set("tag", valuestore.Value{Kind: valuestore.Uint8, U: 5})
	b.SetSidecar(side)

	c := NewCompiler()
	c.SetSidecarNames([]string{"tag"})
	key, err := c.Compile("tag", false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := key.Compare(a, b); got >= 0 {
		t.Fatalf("Compare(absent,present) = %d, want negative", got)
	}
	if got := key.Compare(b, a); got <= 0 {
		t.Fatalf("Compare(present,absent) = %d, want positive", got)
	}
}

func TestBufferGrowthRetriesOnAllocationFailure(t *testing.T) {
	b := NewBuffer(0)
	b.chunkCap = 4 * minChunkRecords
	failuresLeft := 2
	b.alloc = func(n int) []*flowrec.FlowRec {
		if failuresLeft > 0 {
			failuresLeft--
			return nil
		}
		return make([]*flowrec.FlowRec, 0, n)
	}
	store := valuestore.NewStore()
	for i := 0; i < 3; i++ {
		b.Add(newFlowRec(store, uint16(i), 1))
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if failuresLeft != 0 {
		t.Fatalf("expected both simulated failures to be consumed")
	}
}

func TestBufferGrowthFloorsAtMinChunkRecords(t *testing.T) {
	b := NewBuffer(0)
	b.chunkCap = 4 * minChunkRecords
	b.alloc = func(n int) []*flowrec.FlowRec {
		if n > minChunkRecords {
			return nil
		}
		return make([]*flowrec.FlowRec, 0, n)
	}
	store := valuestore.NewStore()
	b.Add(newFlowRec(store, 1, 1))
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestRecordRoundTripFixedFieldsNoSidecar(t *testing.T) {
	store := valuestore.NewStore()
	schema := emptySchema()
	r := newFlowRec(store, 51234, 42)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeRecord(w, schema, r); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	w.Flush()

	got := readAll(t, &buf, schema, store)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	gr := got[0]
	if gr.SrcPort != r.SrcPort || gr.Packets != r.Packets || gr.Bytes != r.Bytes {
		t.Fatalf("round trip mismatch: got %+v, want src matching %+v", gr, r)
	}
	if gr.SrcAddr != r.SrcAddr || gr.DstAddr != r.DstAddr || gr.NextHop != r.NextHop {
		t.Fatalf("address round trip mismatch: got %v/%v/%v", gr.SrcAddr, gr.DstAddr, gr.NextHop)
	}
	if !gr.StartTime.Equal(r.StartTime) || gr.Duration != r.Duration {
		t.Fatalf("time round trip mismatch: got start=%v dur=%v", gr.StartTime, gr.Duration)
	}
}

func TestRecordRoundTripWithSidecar(t *testing.T) {
	store := valuestore.NewStore()
	schema := sidecar.New()
	if err := schema.Add(sidecar.Element{
		Name: sidecar.ElementName("tag"),
		Type: sidecar.TypeUint32,
	}); err != nil {
		t.Fatalf("schema.Add: %v", err)
	}

	r := newFlowRec(store, 1, 1)
	side := valuestore.NewTable()
	side.Set("tag", valuestore.Value{Kind: valuestore.Uint32, U: 99})
	r.SetSidecar(side)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeRecord(w, schema, r); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	w.Flush()

	got := readAll(t, &buf, schema, store)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	sc, ok := got[0].Sidecar()
	if !ok {
		t.Fatalf("expected a sidecar")
	}
	v, ok := sc.Get("tag")
	if !ok || v.U != 99 {
		t.Fatalf("sidecar tag = %+v, %v, want 99", v, ok)
	}
}

// TestInMemorySortDirectPath exercises the "input exhausted before the
// buffer filled" path: no temp files are created, Finish sorts and
// writes directly.
func TestInMemorySortDirectPath(t *testing.T) {
	store := valuestore.NewStore()
	schema := emptySchema()
	c := NewCompiler()
	key, err := c.Compile("sPort", false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	s := NewSorter(key, schema, store, 0, t.TempDir())
	order := []uint16{300, 100, 200}
	for _, p := range order {
		if err := s.Add(newFlowRec(store, p, 1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var out bytes.Buffer
	if err := s.Finish(&out); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(s.runPaths) != 0 {
		t.Fatalf("expected no temp runs for the direct path")
	}

	got := readAll(t, &out, schema, store)
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	wantOrder := []uint16{100, 200, 300}
	for i, w := range wantOrder {
		if got[i].SrcPort != w {
			t.Fatalf("position %d: SrcPort = %d, want %d", i, got[i].SrcPort, w)
		}
	}
}

// TestMergeAcrossMultipleRuns forces several small buffer spills (by
// using a tiny byte budget so Full() trips after very few records) and
// checks the merged output is fully and correctly ordered — the §8.1
// "external merge" testable property at small scale.
func TestMergeAcrossMultipleRuns(t *testing.T) {
	store := valuestore.NewStore()
	schema := emptySchema()
	c := NewCompiler()
	key, err := c.Compile("sPort", false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// recordBytesEstimate=128; a 256-byte budget holds 2 records per run.
	s := NewSorter(key, schema, store, 256, t.TempDir())
	ports := []uint16{50, 10, 40, 20, 60, 30, 5, 55}
	for _, p := range ports {
		if err := s.Add(newFlowRec(store, p, 1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var out bytes.Buffer
	if err := s.Finish(&out); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(s.runPaths) != 0 {
		t.Fatalf("expected all runs consumed by the final merge pass")
	}

	got := readAll(t, &out, schema, store)
	if len(got) != len(ports) {
		t.Fatalf("got %d records, want %d", len(got), len(ports))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].SrcPort > got[i].SrcPort {
			t.Fatalf("output not sorted at index %d: %d > %d", i, got[i-1].SrcPort, got[i].SrcPort)
		}
	}
}

func TestPreSortedMergeOfExistingRuns(t *testing.T) {
	store := valuestore.NewStore()
	schema := emptySchema()
	c := NewCompiler()
	key, err := c.Compile("sPort", false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	dir := t.TempDir()
	writeRun := func(ports []uint16) string {
		f, w, err := createRun(dir)
		if err != nil {
			t.Fatalf("createRun: %v", err)
		}
		for _, p := range ports {
			if err := writeRecord(w, schema, newFlowRec(store, p, 1)); err != nil {
				t.Fatalf("writeRecord: %v", err)
			}
		}
		w.Flush()
		f.Close()
		return f.Name()
	}
	run1 := writeRun([]uint16{10, 30, 50})
	run2 := writeRun([]uint16{20, 40, 60})

	s := NewSorter(key, schema, store, 0, dir)
	var out bytes.Buffer
	if err := s.PreSortedMerge(&out, []string{run1, run2}); err != nil {
		t.Fatalf("PreSortedMerge: %v", err)
	}

	got := readAll(t, &out, schema, store)
	wantOrder := []uint16{10, 20, 30, 40, 50, 60}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d records, want %d", len(got), len(wantOrder))
	}
	for i, w := range wantOrder {
		if got[i].SrcPort != w {
			t.Fatalf("position %d: SrcPort = %d, want %d", i, got[i].SrcPort, w)
		}
	}
}
