package valuestore

import "sync"

// Handle is an opaque index into a Store. The zero Handle never denotes a
// live entry (NoHandle); a FlowRec carrying NoHandle has no sidecar.
type Handle uint32

// NoHandle is the "none" sidecar handle.
const NoHandle Handle = 0

// Store is the process-wide sidecar value arena. Handles remain valid
// until explicitly released via Release; one Store may back many
// FlowRecs. The spec assumes a single-threaded consumer per Store — if a
// Store is shared across goroutines, callers must serialize access
// externally (the mutex here is cheap insurance for the NetFlow source's
// reader goroutine handing sidecars to a consumer goroutine, not a
// promise of full concurrent-safety for the Table contents themselves).
type Store struct {
	mu     sync.Mutex
	tables []Table // index 0 is unused, matches NoHandle
	free   []Handle
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{tables: make([]Table, 1)} // reserve index 0 for NoHandle
}

// Alloc stores t and returns a handle for it.
func (s *Store) Alloc(t Table) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.tables[h] = t
		return h
	}
	s.tables = append(s.tables, t)
	return Handle(len(s.tables) - 1)
}

// Get returns the table for h, or (Table{}, false) if h is NoHandle or
// has been released.
func (s *Store) Get(h Handle) (Table, bool) {
	if h == NoHandle {
		return Table{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) >= len(s.tables) {
		return Table{}, false
	}
	for _, f := range s.free {
		if f == h {
			return Table{}, false
		}
	}
	return s.tables[h], true
}

// Set overwrites the table stored at h.
func (s *Store) Set(h Handle, t Table) {
	if h == NoHandle {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) < len(s.tables) {
		s.tables[h] = t
	}
}

// Clone allocates a new handle holding a shallow copy of h's table.
// Ownership of the new handle belongs to the caller.
func (s *Store) Clone(h Handle) Handle {
	t, ok := s.Get(h)
	if !ok {
		return NoHandle
	}
	cloned := NewTable()
	for _, k := range t.Keys() {
		v, _ := t.Get(k)
		cloned.Set(k, v)
	}
	return s.Alloc(cloned)
}

// Release returns h's slot to the free list. Releasing NoHandle is a
// no-op. Releasing an already-released handle is a programmer error but
// is tolerated (idempotent) rather than panicking, since FlowRec.Clear
// may be called more than once.
func (s *Store) Release(h Handle) {
	if h == NoHandle {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) >= len(s.tables) {
		return
	}
	for _, f := range s.free {
		if f == h {
			return
		}
	}
	s.tables[h] = Table{}
	s.free = append(s.free, h)
}
