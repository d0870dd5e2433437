package extsort

import (
	"sort"

	"github.com/ep-silk/flowcore/pkg/flowrec"
)

// defaultMaxBufferBytes is the ≈1.9 GiB default sort-buffer size from
// §4.7's in-memory stage.
const defaultMaxBufferBytes = 1900 * (1 << 20)

// defaultChunkCount is the initial chunk count the buffer grows in;
// raised one at a time until a chunk is at most maxChunkBytes.
const defaultChunkCount = 6

const maxChunkBytes = 1 << 30

// minChunkRecords is the floor a chunk's record count is never reduced
// below while retrying a failed allocation.
const minChunkRecords = 1000

// recordBytesEstimate approximates one record's resident size (fixed
// FlowRec fields plus a typical sidecar), used only to size buffer
// chunks; it does not bound what a record may actually contain.
const recordBytesEstimate = 128

// allocFunc mirrors the libc malloc this stage retries against: it
// returns nil (simulating ENOMEM) instead of panicking, so Buffer.growChunk
// can halve its request and retry exactly as §4.7 describes. Tests
// substitute a failing allocFunc to exercise the retry path; production
// code uses defaultAlloc, which never fails.
type allocFunc func(n int) []*flowrec.FlowRec

func defaultAlloc(n int) []*flowrec.FlowRec {
	return make([]*flowrec.FlowRec, 0, n)
}

// Buffer is the in-memory record buffer the sort's first stage fills,
// sorts, and either emits directly (input exhausted) or spills to a
// fresh temp file (buffer full, more input remains).
type Buffer struct {
	maxBytes int64
	chunkCap int // records per chunk, shrunk on allocation failure
	alloc    allocFunc
	chunks   [][]*flowrec.FlowRec
	total    int
	totalCap int
}

// NewBuffer returns a Buffer sized for maxBytes total (0 selects the
// §4.7 default of ≈1.9 GiB).
func NewBuffer(maxBytes int64) *Buffer {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBufferBytes
	}
	return &Buffer{
		maxBytes: maxBytes,
		chunkCap: initialChunkCap(maxBytes),
		alloc:    defaultAlloc,
	}
}

func initialChunkCap(maxBytes int64) int {
	n := defaultChunkCount
	for {
		chunkBytes := maxBytes / int64(n)
		if chunkBytes <= maxChunkBytes {
			break
		}
		n++
	}
	cap := int(maxBytes / int64(n) / recordBytesEstimate)
	if cap < minChunkRecords {
		cap = minChunkRecords
	}
	return cap
}

// Len returns the number of records currently held.
func (b *Buffer) Len() int { return b.total }

// Full reports whether the buffer has reached its configured maximum
// record capacity (maxBytes / recordBytesEstimate).
func (b *Buffer) Full() bool {
	maxRecords := int(b.maxBytes / recordBytesEstimate)
	return b.total >= maxRecords
}

// Add appends r to the buffer, growing by allocating a fresh chunk (and
// retrying at half the chunk size, down to minChunkRecords, on
// simulated allocation failure) when the current chunk is exhausted.
func (b *Buffer) Add(r *flowrec.FlowRec) {
	if b.total == b.totalCap {
		b.growChunk()
	}
	last := len(b.chunks) - 1
	b.chunks[last] = append(b.chunks[last], r)
	b.total++
}

func (b *Buffer) growChunk() {
	want := b.chunkCap
	for {
		chunk := b.alloc(want)
		if chunk != nil {
			b.chunks = append(b.chunks, chunk)
			b.totalCap += want
			return
		}
		want /= 2
		if want < minChunkRecords {
			want = minChunkRecords
			// One final attempt at the floor; if even this fails there is
			// nothing more this stage can do.
			chunk = b.alloc(want)
			if chunk == nil {
				panic("extsort: allocation failed at minimum chunk size")
			}
			b.chunks = append(b.chunks, chunk)
			b.totalCap += want
			return
		}
	}
}

// Records returns every held record across chunks, in insertion order.
// The returned slice aliases no chunk storage the caller can safely
// retain past the next Reset.
func (b *Buffer) Records() []*flowrec.FlowRec {
	out := make([]*flowrec.FlowRec, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Sort orders every held record in place by key, using sort.Slice (the
// "qsort the buffer" step — Go's introsort gives the same O(n log n)
// worst case without the classic qsort's quadratic pathology).
func (b *Buffer) Sort(key *Key) []*flowrec.FlowRec {
	recs := b.Records()
	sort.Slice(recs, func(i, j int) bool { return key.Compare(recs[i], recs[j]) < 0 })
	return recs
}

// Reset empties the buffer without releasing its chunk capacity, so a
// multi-run sort reuses the same backing storage for each run.
func (b *Buffer) Reset() {
	for i := range b.chunks {
		b.chunks[i] = b.chunks[i][:0]
	}
	b.total = 0
}
