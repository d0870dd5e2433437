package hashtable

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func key(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func val(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New(Config{
		KeyLen:        4,
		ValueLen:      4,
		EmptyValue:    []byte{0xff, 0xff, 0xff, 0xff},
		EstimatedSize: 16,
		LoadFactor:    0.75,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestInsertLookupLastInsertedWins(t *testing.T) {
	tbl := newTestTable(t)

	for i := uint32(0); i < 100; i++ {
		slot, isNew, err := tbl.Insert(key(i % 20))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if i < 20 && !isNew {
			t.Fatalf("expected key %d to be new", i)
		}
		copy(slot, val(i))
	}

	for i := uint32(0); i < 20; i++ {
		v, ok := tbl.Lookup(key(i))
		if !ok {
			t.Fatalf("key %d not found", i)
		}
		want := i + 80 // last write for key i%20==i was at i+80
		if !bytes.Equal(v, val(want)) {
			t.Fatalf("key %d: got %v want %v", i, v, val(want))
		}
	}
}

func TestIterateVisitsEveryLiveEntryOnce(t *testing.T) {
	tbl := newTestTable(t)
	const n = 500
	for i := uint32(0); i < n; i++ {
		slot, _, err := tbl.Insert(key(i))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		copy(slot, val(i))
	}

	seen := map[uint32]bool{}
	tbl.Iterate(func(k, v []byte) bool {
		id := binary.BigEndian.Uint32(k)
		if seen[id] {
			t.Fatalf("key %d visited twice", id)
		}
		seen[id] = true
		return true
	})
	if len(seen) != n {
		t.Fatalf("got %d entries, want %d", len(seen), n)
	}
	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}
}

func TestSortThenIterateIsOrdered(t *testing.T) {
	tbl := newTestTable(t)
	const n = 300
	for i := uint32(0); i < n; i++ {
		// insert in reverse order so sort actually has work to do
		slot, _, err := tbl.Insert(key(n - i))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		copy(slot, val(n-i))
	}

	cmp := func(aKey, aValue, bKey, bValue []byte) int {
		return bytes.Compare(aKey, bKey)
	}
	tbl.Sort(cmp)

	var prev []byte
	count := 0
	tbl.Iterate(func(k, v []byte) bool {
		if prev != nil && bytes.Compare(prev, k) > 0 {
			t.Fatalf("out of order: %v after %v", k, prev)
		}
		prev = append([]byte(nil), k...)
		count++
		return true
	})
	if count != n {
		t.Fatalf("got %d entries after sort, want %d", count, n)
	}
}

func TestInsertAfterSortIsRejected(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Sort(func(aKey, aValue, bKey, bValue []byte) int { return bytes.Compare(aKey, bKey) })

	_, _, err := tbl.Insert(key(1))
	if err == nil {
		t.Fatalf("expected error inserting into a sorted table")
	}
}

func TestGrowsPastSingleBlock(t *testing.T) {
	tbl, err := New(Config{
		KeyLen:        4,
		ValueLen:      4,
		EmptyValue:    []byte{0xff, 0xff, 0xff, 0xff},
		EstimatedSize: 4,
		LoadFactor:    0.75,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 5000
	for i := uint32(0); i < n; i++ {
		slot, _, err := tbl.Insert(key(i))
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		copy(slot, val(i))
	}
	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}
	for i := uint32(0); i < n; i++ {
		v, ok := tbl.Lookup(key(i))
		if !ok || !bytes.Equal(v, val(i)) {
			t.Fatalf("lookup %d failed", i)
		}
	}
}
