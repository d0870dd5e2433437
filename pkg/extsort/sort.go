package extsort

import (
	"bufio"
	"container/heap"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// defaultMaxOpenRuns is the compile-time cap on simultaneously open temp
// files during a merge pass.
const defaultMaxOpenRuns = 1024

// Sorter drives the two-stage external sort from §4.7: an in-memory
// buffer stage that spills sorted runs to temp files once full, and a
// k-way merge stage that folds those runs (in batches bounded by
// maxOpenRuns) down to one pass over the final output.
type Sorter struct {
	key     *Key
	schema  *sidecar.Schema
	store   *valuestore.Store
	buf     *Buffer
	tempDir string
	maxOpen int

	runPaths []string // FIFO queue of sorted run files, oldest first
}

// NewSorter returns a Sorter. maxBufferBytes <= 0 selects the §4.7
// default (~1.9 GiB); tempDir "" uses the OS default temp directory.
func NewSorter(key *Key, schema *sidecar.Schema, store *valuestore.Store, maxBufferBytes int64, tempDir string) *Sorter {
	return &Sorter{
		key:     key,
		schema:  schema,
		store:   store,
		buf:     NewBuffer(maxBufferBytes),
		tempDir: tempDir,
		maxOpen: defaultMaxOpenRuns,
	}
}

// Add feeds one record into the buffer stage, spilling a sorted run to
// a temp file when the buffer reaches capacity.
func (s *Sorter) Add(r *flowrec.FlowRec) error {
	s.buf.Add(r)
	if s.buf.Full() {
		return s.spill()
	}
	return nil
}

func (s *Sorter) spill() error {
	recs := s.buf.Sort(s.key)
	f, w, err := createRun(s.tempDir)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := writeRecord(w, s.schema, r); err != nil {
			f.Close()
			os.Remove(f.Name())
			return silkerr.Wrap(silkerr.Malformed, "writing sort run", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		return silkerr.Wrap(silkerr.Malformed, "closing sort run", err)
	}
	s.runPaths = append(s.runPaths, f.Name())
	s.buf.Reset()
	return nil
}

// Finish drains any buffered records and writes every record, in key
// order, to dst. If the whole input fit in the buffer, it is sorted and
// written directly with no temp files involved; otherwise the final
// partial buffer is spilled as one more run and all runs are merged.
func (s *Sorter) Finish(dst io.Writer) error {
	if len(s.runPaths) == 0 {
		recs := s.buf.Sort(s.key)
		w := bufio.NewWriter(dst)
		for _, r := range recs {
			if err := writeRecord(w, s.schema, r); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	if s.buf.Len() > 0 {
		if err := s.spill(); err != nil {
			return err
		}
	}
	return s.mergeToOutput(dst)
}

// PreSortedMerge implements §4.7's pre-sorted mode: every path is
// assumed already ordered by key, so the in-memory stage is skipped
// entirely and the inputs are merged directly (spilling to intermediate
// temp files only when more paths are open than maxOpen allows).
func (s *Sorter) PreSortedMerge(dst io.Writer, paths []string) error {
	s.runPaths = append([]string(nil), paths...)
	return s.mergeToOutput(dst)
}

// mergeToOutput repeatedly merges batches of up to maxOpen of the
// oldest runs until a single pass consumes every remaining run and
// writes straight to dst.
func (s *Sorter) mergeToOutput(dst io.Writer) error {
	for {
		batch, rest, err := s.openBatch()
		if err != nil {
			return err
		}
		final := len(rest) == 0
		s.runPaths = rest

		if final {
			w := bufio.NewWriter(dst)
			if err := s.mergeOnce(batch, w); err != nil {
				return err
			}
			return w.Flush()
		}

		f, w, err := createRun(s.tempDir)
		if err != nil {
			return err
		}
		if err := s.mergeOnce(batch, w); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		if err := w.Flush(); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		// The newly written intermediate joins the back of the queue, to
		// be merged again in a later pass.
		s.runPaths = append(s.runPaths, f.Name())
	}
}

// openBatch opens up to maxOpen of the oldest queued runs, treating a
// failure to open (ENOMEM/EMFILE — out of memory or file descriptors)
// as "stop opening here" rather than a fatal error: the batch is
// whatever opened successfully, and the rest stays queued for a later
// pass.
func (s *Sorter) openBatch() ([]*run, []string, error) {
	limit := s.maxOpen
	if limit > len(s.runPaths) {
		limit = len(s.runPaths)
	}
	var batch []*run
	i := 0
	for ; i < limit; i++ {
		f, err := os.Open(s.runPaths[i])
		if err != nil {
			if isResourceExhausted(err) {
				break
			}
			return nil, nil, silkerr.Wrap(silkerr.Malformed, "opening sort run", err)
		}
		batch = append(batch, &run{file: f, br: bufio.NewReader(f)})
	}
	if len(batch) == 0 && len(s.runPaths) > 0 {
		return nil, nil, silkerr.New(silkerr.Exhausted, "could not open a single sort run")
	}
	return batch, append([]string(nil), s.runPaths[i:]...), nil
}

func isResourceExhausted(err error) bool {
	return errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.EMFILE)
}

// mergeHeap is the k-way merge priority queue, one entry per open run,
// ordered by the compiled sort key.
type mergeHeapItem struct {
	runIdx int
	rec    *flowrec.FlowRec
}

type mergeHeap struct {
	items []mergeHeapItem
	key   *Key
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.key.Compare(h.items[i].rec, h.items[j].rec) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeOnce drains every run in batch through a k-way merge, writing
// records to w in key order. Runs are closed and their backing files
// unlinked as they are exhausted.
func (s *Sorter) mergeOnce(batch []*run, w *bufio.Writer) error {
	defer func() {
		for _, rn := range batch {
			rn.close()
		}
	}()

	h := &mergeHeap{key: s.key}
	for idx, rn := range batch {
		rec, err := rn.next(s.schema, s.store)
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, mergeHeapItem{runIdx: idx, rec: rec})
	}
	heap.Init(h)

	for h.Len() > 0 {
		// §4.7: once only one run remains live, drain it directly rather
		// than paying heap overhead for a single-element queue.
		if h.Len() == 1 {
			top := heap.Pop(h).(mergeHeapItem)
			if err := writeRecord(w, s.schema, top.rec); err != nil {
				return err
			}
			rn := batch[top.runIdx]
			for {
				rec, err := rn.next(s.schema, s.store)
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if err := writeRecord(w, s.schema, rec); err != nil {
					return err
				}
			}
			continue
		}

		top := heap.Pop(h).(mergeHeapItem)
		if err := writeRecord(w, s.schema, top.rec); err != nil {
			return err
		}
		next, err := batch[top.runIdx].next(s.schema, s.store)
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, mergeHeapItem{runIdx: top.runIdx, rec: next})
	}
	return nil
}
