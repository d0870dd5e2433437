// Package hashtable implements the open-addressed, multi-block hash
// table described by the flow-record core: a fixed key/value width map
// that grows by chaining additional blocks when a single-block rehash
// would not fit the per-block byte budget, and that supports an
// iteration order switch (insertion order, or k-way-merged sorted order
// after Sort is called).
//
// Deletion is not supported. Once Sort has run, further inserts are
// rejected with silkerr.Frozen — this mirrors the reference
// implementation's own restriction and is deliberately preserved rather
// than worked around.
package hashtable

import (
	"bytes"
	"container/heap"
	"math/bits"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// perBlockByteBudget bounds the size of any single block, per spec §4.1.
const perBlockByteBudget = 1 << 29

const minBlockCapacity = 256

const maxBlocks = 8

// GrowthPolicy selects how resize() sizes a new secondary block when a
// single-block rehash would not fit the byte budget.
type GrowthPolicy int

const (
	// HalveEach sizes each new block at half the capacity of the last.
	HalveEach GrowthPolicy = iota
	// QuarterOfFirst sizes every new block at one quarter of block 0's
	// capacity.
	QuarterOfFirst
)

type block struct {
	slotLen  int // keyLen + valueLen
	keyLen   int
	capacity int // power of two, number of slots
	count    int
	data     []byte // capacity * slotLen bytes
	sorted   bool
}

func newBlock(capacity, keyLen, valueLen int) *block {
	return &block{
		slotLen:  keyLen + valueLen,
		keyLen:   keyLen,
		capacity: capacity,
		data:     make([]byte, capacity*(keyLen+valueLen)),
	}
}

func (b *block) slot(i int) []byte {
	return b.data[i*b.slotLen : (i+1)*b.slotLen]
}

func (b *block) key(i int) []byte   { return b.slot(i)[:b.keyLen] }
func (b *block) value(i int) []byte { return b.slot(i)[b.keyLen:] }

// Table is the open-addressed multi-block hash table.
type Table struct {
	keyLen     int
	valueLen   int
	empty      []byte // sentinel value bytes denoting an empty slot
	loadFactor float64
	policy     GrowthPolicy
	hash       func(key []byte) uint64

	blocks  []*block
	frozen  bool
	lastCmp CompareFunc
}

// Config groups Table construction parameters.
type Config struct {
	KeyLen        int
	ValueLen      int
	EmptyValue    []byte
	EstimatedSize int
	LoadFactor    float64 // e.g. 0.75
	Policy        GrowthPolicy
	Hash          func(key []byte) uint64 // defaults to FNV-1a if nil
}

// New creates a Table sized for an estimated element count.
//
// Block 0 is sized as the smallest power of two exceeding
// EstimatedSize/LoadFactor (LoadFactor being a fraction in (0, 1]),
// floored at 256 entries.
func New(cfg Config) (*Table, error) {
	if cfg.KeyLen <= 0 || cfg.ValueLen <= 0 {
		return nil, silkerr.New(silkerr.BadParam, "key/value length must be positive")
	}
	if len(cfg.EmptyValue) != cfg.ValueLen {
		return nil, silkerr.New(silkerr.BadParam, "empty value length mismatch")
	}
	if cfg.LoadFactor <= 0 || cfg.LoadFactor > 1 {
		cfg.LoadFactor = 0.75
	}
	if cfg.Hash == nil {
		cfg.Hash = fnv1a
	}

	want := int(float64(cfg.EstimatedSize)*255/(cfg.LoadFactor*255)) + 1
	cap0 := nextPow2(want)
	if cap0 < minBlockCapacity {
		cap0 = minBlockCapacity
	}
	if cap0*(cfg.KeyLen+cfg.ValueLen) > perBlockByteBudget {
		cap0 = perBlockByteBudget / (cfg.KeyLen + cfg.ValueLen)
		cap0 = prevPow2(cap0)
	}

	t := &Table{
		keyLen:     cfg.KeyLen,
		valueLen:   cfg.ValueLen,
		empty:      append([]byte(nil), cfg.EmptyValue...),
		loadFactor: cfg.LoadFactor,
		policy:     cfg.Policy,
		hash:       cfg.Hash,
	}
	b0 := newBlock(cap0, cfg.KeyLen, cfg.ValueLen)
	for i := 0; i < b0.capacity; i++ {
		copy(b0.value(i), t.empty)
	}
	t.blocks = append(t.blocks, b0)
	return t, nil
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func prevPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

func fnv1a(key []byte) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

// Insert finds key, installing it in the last block on a miss, and
// returns the value slot (mutable in place by the caller) plus whether
// the key was newly inserted. Insert fails with silkerr.Frozen once Sort
// has run.
func (t *Table) Insert(key []byte) (value []byte, isNew bool, err error) {
	if t.frozen {
		return nil, false, silkerr.ErrFrozen
	}
	if len(key) != t.keyLen {
		return nil, false, silkerr.New(silkerr.BadParam, "key length mismatch")
	}

	if slot, ok := t.probeAll(key); ok {
		return slot, false, nil
	}

	last := t.blocks[len(t.blocks)-1]
	if float64(last.count) >= float64(last.capacity)*t.loadFactor {
		if err := t.resize(); err != nil {
			return nil, false, err
		}
		last = t.blocks[len(t.blocks)-1]
	}

	idx, ok := t.insertInto(last, key)
	if !ok {
		// last block also full after resize attempt; add a fresh block.
		if err := t.addBlock(); err != nil {
			return nil, false, err
		}
		last = t.blocks[len(t.blocks)-1]
		idx, ok = t.insertInto(last, key)
		if !ok {
			return nil, false, silkerr.New(silkerr.Exhausted, "no room for new key after adding block")
		}
	}
	copy(last.key(idx), key)
	copy(last.value(idx), t.empty)
	last.count++
	return last.value(idx), true, nil
}

// Lookup probes each block in turn and returns the value slot for key, if
// present.
func (t *Table) Lookup(key []byte) (value []byte, ok bool) {
	return t.probeAll(key)
}

func (t *Table) probeAll(key []byte) ([]byte, bool) {
	for _, b := range t.blocks {
		if idx, found := probeBlock(b, key, t.hash, t.empty); found {
			return b.value(idx), true
		}
	}
	return nil, false
}

// insertInto probes b for key, returning its existing slot, or the first
// empty slot found along the same probe sequence. Returns (0, false) if
// b is full and key is not present.
func (t *Table) insertInto(b *block, key []byte) (int, bool) {
	h := t.hash(key)
	mask := uint64(b.capacity - 1)
	pos := h & mask
	inc := (h | 1) & mask
	for i := 0; i < b.capacity; i++ {
		if bytes.Equal(b.value(int(pos)), t.empty) {
			return int(pos), true
		}
		if bytes.Equal(b.key(int(pos)), key) {
			return int(pos), true
		}
		pos = (pos + inc) & mask
	}
	return 0, false
}

// probeBlock scans b for key using double hashing with probe increment
// hash|1, returning the slot index on a match. An empty slot terminates
// the probe (miss).
func probeBlock(b *block, key []byte, hash func([]byte) uint64, empty []byte) (int, bool) {
	h := hash(key)
	mask := uint64(b.capacity - 1)
	pos := h & mask
	inc := (h | 1) & mask
	for i := 0; i < b.capacity; i++ {
		v := b.value(int(pos))
		if bytes.Equal(v, empty) {
			return 0, false
		}
		if bytes.Equal(b.key(int(pos)), key) {
			return int(pos), true
		}
		pos = (pos + inc) & mask
	}
	return 0, false
}

// resize rehashes into a single new block when few blocks exist and the
// rehash would fit the byte budget; otherwise it adds a secondary block.
func (t *Table) resize() error {
	if len(t.blocks) <= 2 {
		if err := t.rehash(); err == nil {
			return nil
		}
	}
	return t.addBlock()
}

// rehash copies all live entries into one new block sized to the next
// power of two greater than the sum of block capacities, doubled once
// more if that still fits the byte budget. Fails if the combined entry
// count would exceed the per-block byte budget.
func (t *Table) rehash() error {
	total := 0
	sumCap := 0
	for _, b := range t.blocks {
		total += b.count
		sumCap += b.capacity
	}

	newCap := nextPow2(sumCap + 1)
	if newCap*(t.keyLen+t.valueLen)*2 <= perBlockByteBudget {
		newCap *= 2
	}
	if newCap*(t.keyLen+t.valueLen) > perBlockByteBudget {
		return silkerr.New(silkerr.Exhausted, "rehash would exceed per-block byte budget")
	}

	nb := newBlock(newCap, t.keyLen, t.valueLen)
	for i := 0; i < nb.capacity; i++ {
		copy(nb.value(i), t.empty)
	}

	for _, b := range t.blocks {
		for i := 0; i < b.capacity; i++ {
			if bytes.Equal(b.value(i), t.empty) {
				continue
			}
			idx, _ := t.insertInto(nb, b.key(i))
			copy(nb.key(idx), b.key(i))
			copy(nb.value(idx), b.value(i))
			nb.count++
		}
	}

	t.blocks = []*block{nb}
	return nil
}

// addBlock appends a new block sized per the configured GrowthPolicy.
func (t *Table) addBlock() error {
	if len(t.blocks) >= maxBlocks {
		return silkerr.New(silkerr.Exhausted, "maximum number of blocks reached")
	}
	first := t.blocks[0]
	last := t.blocks[len(t.blocks)-1]

	var newCap int
	switch t.policy {
	case QuarterOfFirst:
		newCap = first.capacity / 4
	default: // HalveEach
		newCap = last.capacity / 2
	}
	if newCap < minBlockCapacity {
		newCap = minBlockCapacity
	}
	if newCap*(t.keyLen+t.valueLen) > perBlockByteBudget {
		newCap = prevPow2(perBlockByteBudget / (t.keyLen + t.valueLen))
	}

	nb := newBlock(newCap, t.keyLen, t.valueLen)
	for i := 0; i < nb.capacity; i++ {
		copy(nb.value(i), t.empty)
	}
	t.blocks = append(t.blocks, nb)
	return nil
}

// Len returns the total number of live entries across all blocks.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.blocks {
		n += b.count
	}
	return n
}

// CompareFunc compares two (key, value) slots for Sort/iteration order.
type CompareFunc func(aKey, aValue, bKey, bValue []byte) int

// Sort freezes the table against further inserts and sorts the entries
// within each block contiguously according to cmp. Subsequent calls to
// Iterate will k-way merge across blocks using cmp.
func (t *Table) Sort(cmp CompareFunc) {
	t.frozen = true
	t.lastCmp = cmp
	for _, b := range t.blocks {
		sortBlock(b, t.empty, cmp)
		b.sorted = true
	}
}

func sortBlock(b *block, empty []byte, cmp CompareFunc) {
	// Compact live entries to the front, then sort. Blocks are bounded
	// by the per-block byte budget, so a simple insertion sort here
	// (this runs once, at Sort time) is not a hot path worth a qsort.
	type entry = struct {
		key, value []byte
	}
	live := make([]entry, 0, b.count)
	for i := 0; i < b.capacity; i++ {
		v := b.value(i)
		if bytes.Equal(v, empty) {
			continue
		}
		live = append(live, entry{key: append([]byte(nil), b.key(i)...), value: append([]byte(nil), v...)})
	}
	quicksortEntries(live, func(i, j int) bool {
		return cmp(live[i].key, live[i].value, live[j].key, live[j].value) < 0
	})
	for i, e := range live {
		copy(b.key(i), e.key)
		copy(b.value(i), e.value)
	}
	b.count = len(live)
	// Trim capacity view for iteration purposes: entries beyond count are
	// considered not-live; Iterate relies on b.count after sort.
}

func quicksortEntries(s []struct{ key, value []byte }, less func(i, j int) bool) {
	// simple insertion sort is sufficient: blocks are bounded by the
	// per-block byte budget and this is only invoked once, at sort time.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// mergeItem is one element of the k-way merge heap.
type mergeItem struct {
	blockIdx int
	pos      int
	key      []byte
	value    []byte
}

type mergeHeap struct {
	items []mergeItem
	cmp   CompareFunc
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].key, h.items[i].value, h.items[j].key, h.items[j].value) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// Iterate visits every live entry exactly once. Before Sort has run,
// entries are visited in insertion order (block by block). After Sort,
// entries are visited in comparator order via a k-way merge across
// blocks.
func (t *Table) Iterate(yield func(key, value []byte) bool) {
	if !t.frozen {
		for _, b := range t.blocks {
			for i := 0; i < b.capacity; i++ {
				v := b.value(i)
				if bytes.Equal(v, t.empty) {
					continue
				}
				if !yield(b.key(i), v) {
					return
				}
			}
		}
		return
	}

	t.iterateSorted(yield)
}

func (t *Table) iterateSorted(yield func(key, value []byte) bool) {
	h := &mergeHeap{}
	// Sort stores its comparator in t.lastCmp; the merge orders entries
	// across blocks with that same comparator.
	h.cmp = t.lastCmp
	for bi, b := range t.blocks {
		if b.count == 0 {
			continue
		}
		heap.Push(h, mergeItem{blockIdx: bi, pos: 0, key: b.key(0), value: b.value(0)})
	}
	heap.Init(h)
	for h.Len() > 0 {
		top := heap.Pop(h).(mergeItem)
		if !yield(top.key, top.value) {
			return
		}
		b := t.blocks[top.blockIdx]
		next := top.pos + 1
		if next < b.count {
			heap.Push(h, mergeItem{blockIdx: top.blockIdx, pos: next, key: b.key(next), value: b.value(next)})
		}
	}
}
