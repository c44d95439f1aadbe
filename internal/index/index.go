// Package index maintains the secondary lookup structures that sit beside
// a collection's primary state.Store: per-field postings for equality
// lookups, unique-constraint enforcement (single and compound), and a
// tokenized inverted index backing $search.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// FieldIndex maps one field's distinct values to the set of ids holding
// that value, used by the query pipeline to pre-filter before falling
// back to a full predicate scan.
type FieldIndex struct {
	mu   sync.RWMutex
	data map[any]map[string]struct{}
}

// NewFieldIndex returns an empty field index.
func NewFieldIndex() *FieldIndex {
	return &FieldIndex{data: make(map[any]map[string]struct{})}
}

// Set records that id now holds value, first clearing any prior value
// recorded for that id under oldValue (pass nil if the id is new).
func (fi *FieldIndex) Set(id string, oldValue, value any) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if oldValue != nil {
		if set, ok := fi.data[normalize(oldValue)]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(fi.data, normalize(oldValue))
			}
		}
	}
	if value == nil {
		return
	}
	key := normalize(value)
	set, ok := fi.data[key]
	if !ok {
		set = make(map[string]struct{})
		fi.data[key] = set
	}
	set[id] = struct{}{}
}

// Remove clears any record of id under value.
func (fi *FieldIndex) Remove(id string, value any) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	key := normalize(value)
	if set, ok := fi.data[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(fi.data, key)
		}
	}
}

// Lookup returns the set of ids recorded under value.
func (fi *FieldIndex) Lookup(value any) map[string]struct{} {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	set, ok := fi.data[normalize(value)]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

// normalize collapses the JSON-decoded numeric types (float64, int) onto a
// single comparable representation so 1 and 1.0 index under the same key.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return t
	}
}

// Unique enforces a single or compound unique constraint across a set of
// field names. A constraint whose value contains a nil field component is
// skipped: nulls never collide.
type Unique struct {
	Fields []string

	mu   sync.Mutex
	seen map[uint64]string // key hash -> owning id
}

// NewUnique builds a constraint over the given fields.
func NewUnique(fields []string) *Unique {
	return &Unique{Fields: fields, seen: make(map[uint64]string)}
}

func (u *Unique) key(e pschema.Entity) (uint64, bool, error) {
	parts := make([]any, len(u.Fields))
	for i, f := range u.Fields {
		v, ok := e[f]
		if !ok || v == nil {
			return 0, false, nil
		}
		parts[i] = v
	}
	h, err := hashstructure.Hash(parts, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, false, perrors.Wrap(perrors.KindOperationError, "hash unique key", err, nil)
	}
	return h, true, nil
}

// Check reports whether e would violate the constraint, excluding the
// entity currently stored under excludeID (used during update).
func (u *Unique) Check(e pschema.Entity, excludeID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	key, applicable, err := u.key(e)
	if err != nil {
		return err
	}
	if !applicable {
		return nil
	}
	if owner, exists := u.seen[key]; exists && owner != excludeID {
		return perrors.New(perrors.KindUniqueConstraint, "unique constraint violated", map[string]any{
			"fields": u.Fields,
		})
	}
	return nil
}

// Reserve records id as the owner of e's key, releasing any key
// previously held by id first.
func (u *Unique) Reserve(id string, oldEntity, e pschema.Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if oldEntity != nil {
		if oldKey, applicable, err := u.key(oldEntity); err == nil && applicable {
			if u.seen[oldKey] == id {
				delete(u.seen, oldKey)
			}
		}
	}
	key, applicable, err := u.key(e)
	if err != nil {
		return err
	}
	if applicable {
		u.seen[key] = id
	}
	return nil
}

// Release drops any key held by id.
func (u *Unique) Release(id string, e pschema.Entity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key, applicable, err := u.key(e)
	if err != nil || !applicable {
		return
	}
	if u.seen[key] == id {
		delete(u.seen, key)
	}
}

// stopWords are dropped from both indexed documents and $search queries.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// Search is a tokenized inverted index over one or more text fields,
// backing the $search query operator.
type Search struct {
	mu    sync.RWMutex
	terms map[string]map[string]struct{}
}

// NewSearch returns an empty search index.
func NewSearch() *Search {
	return &Search{terms: make(map[string]map[string]struct{})}
}

// Tokenize lowercases text, splits on non-alphanumeric runes, and drops
// stop words, returning the sorted distinct token set.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Index tokenizes text and records id under every resulting term.
func (s *Search) Index(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, term := range Tokenize(text) {
		set, ok := s.terms[term]
		if !ok {
			set = make(map[string]struct{})
			s.terms[term] = set
		}
		set[id] = struct{}{}
	}
}

// Remove clears id from every term it was indexed under.
func (s *Search) Remove(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, term := range Tokenize(text) {
		if set, ok := s.terms[term]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.terms, term)
			}
		}
	}
}

// Query tokenizes a search phrase and returns ids containing every term
// (logical AND across terms).
func (s *Search) Query(phrase string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terms := Tokenize(phrase)
	if len(terms) == 0 {
		return map[string]struct{}{}
	}
	result := make(map[string]struct{})
	for id := range s.terms[terms[0]] {
		result[id] = struct{}{}
	}
	for _, term := range terms[1:] {
		next := make(map[string]struct{})
		set := s.terms[term]
		for id := range result {
			if _, ok := set[id]; ok {
				next[id] = struct{}{}
			}
		}
		result = next
	}
	return result
}
