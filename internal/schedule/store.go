package schedule

import (
	"sort"
	"sync"
)

// Store is the in-memory index of schedule entries, keyed by id.
//
// The store itself only guards map access; per-entry state transitions
// (version bumps, Pending/InFlight) are serialized by the engine, which is
// the store's sole writer. Reads may run concurrently.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStore() *Store {
	return &Store{entries: map[string]Entry{}}
}

// Put inserts or replaces the entry under its id.
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
}

// Get returns a copy of the entry or ErrNotFound.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Remove deletes the entry. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len reports the number of entries, active or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ListActive returns copies of all active entries ordered by NextFireAt
// ascending, ties broken by id for determinism.
func (s *Store) ListActive() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Active {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFireAt.Equal(out[j].NextFireAt) {
			return out[i].NextFireAt.Before(out[j].NextFireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListAll returns copies of every entry, ordered by id. Used by the HTTP
// layer and the status snapshot; inactive entries are included.
func (s *Store) ListAll() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
