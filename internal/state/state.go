// Package state holds one collection's live entities in memory behind a
// single read-write mutex. Every mutation replaces the whole snapshot map
// rather than editing it in place, so a Snapshot() taken mid-read never
// observes a half-applied write.
package state

import (
	"sync"

	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// Store is the in-memory backing for one collection.
type Store struct {
	mu   sync.RWMutex
	data map[string]pschema.Entity
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]pschema.Entity)}
}

// Snapshot returns the live map of id to entity. Callers must not mutate
// the returned map or any entity within it; treat it as read-only until
// the next call into Store.
func (s *Store) Snapshot() map[string]pschema.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Get returns a single entity by id.
func (s *Store) Get(id string) (pschema.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[id]
	return e, ok
}

// Len reports how many entities the store currently holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// TryInsert adds an entity under a new id, failing with ErrConflict if the
// id is already taken.
func (s *Store) TryInsert(id string, e pschema.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id]; exists {
		return perrors.New(perrors.KindDuplicateKey, "id already exists", map[string]any{"id": id})
	}
	next := cloneMap(s.data)
	next[id] = e
	s.data = next
	return nil
}

// Replace overwrites an existing entity, failing with ErrNotFound if the
// id is absent.
func (s *Store) Replace(id string, e pschema.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id]; !exists {
		return perrors.New(perrors.KindNotFound, "entity not found", map[string]any{"id": id})
	}
	next := cloneMap(s.data)
	next[id] = e
	s.data = next
	return nil
}

// Remove deletes an id, failing with ErrNotFound if it was never present.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id]; !exists {
		return perrors.New(perrors.KindNotFound, "entity not found", map[string]any{"id": id})
	}
	next := cloneMap(s.data)
	delete(next, id)
	s.data = next
	return nil
}

// Mutation describes one change to apply inside a Bulk call: Entity nil
// means delete, non-nil means insert-or-replace.
type Mutation struct {
	ID     string
	Entity pschema.Entity // nil to delete
}

// Bulk applies every mutation as a single atomic snapshot swap. It is the
// only entry point that changes more than one id at a time, which keeps
// every multi-row write (updateMany, deleteMany, relationship cascades)
// observable as one step to concurrent readers.
func (s *Store) Bulk(muts []Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneMap(s.data)
	for _, m := range muts {
		if m.Entity == nil {
			delete(next, m.ID)
			continue
		}
		next[m.ID] = m.Entity
	}
	s.data = next
}

// Load replaces the entire store contents at once, used when restoring
// from a persisted file or applying a migration result.
func (s *Store) Load(data map[string]pschema.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = cloneMap(data)
}

func cloneMap(m map[string]pschema.Entity) map[string]pschema.Entity {
	next := make(map[string]pschema.Entity, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}
