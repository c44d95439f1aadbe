// Package crud implements create/update/delete and their relationship-aware
// variants on top of state.Store, internal/index, and internal/predicate.
// The relationship-write planning phase (separate plain fields from
// relationship keys, build a plan, then execute parent-then-children in
// one pass) keeps planning pure (validate, no mutation) and confines every
// side effect to execution. Collection.planCreateWithRelationships /
// executeRelationshipPlan follow that two-phase shape; execution installs
// each row through its own Create or Update call, so no single transaction
// spans the parent and its related rows, and rows installed before a
// failing step stay in place.
package crud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/idgen"
	"github.com/simonwjackson/proseql/internal/index"
	"github.com/simonwjackson/proseql/internal/lifecycle"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/predicate"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
	"github.com/simonwjackson/proseql/internal/state"
)

// ComputedField is one named, derived read-only projection a query may
// request via pipeline.Query.Computed.
type ComputedField struct {
	Name string
	Fn   func(pschema.Entity) (any, error)
}

// Config declares everything a Collection needs at construction time.
type Config struct {
	Name              string
	Singular          string // used to default inverse foreign keys; defaults to Name
	Schema            *pschema.Schema
	Relationships     []relation.Config
	IndexedFields     []string
	UniqueConstraints [][]string
	SearchFields      []string
	IDFlavor          idgen.Flavor
	IDPrefix          string
	Hooks             lifecycle.Hooks
	Computed          []ComputedField
}

// Collection is one in-memory, schema-validated document collection: the
// state store plus its secondary indexes, relationship metadata, lifecycle
// hooks, and the change bus every mutation reports to.
type Collection struct {
	name     string
	singular string
	schema   *pschema.Schema
	rels     []relation.Config

	store *state.Store

	orderMu sync.Mutex
	order   []string

	fieldIndexes map[string]*index.FieldIndex
	uniques      []*index.Unique
	search       *index.Search
	searchFields []string

	idgen *idgen.Generator
	hooks lifecycle.Hooks

	computed map[string]func(pschema.Entity) (any, error)

	bus      *eventbus.Bus
	registry *Registry

	now func() time.Time
}

// New builds a Collection from cfg, wiring its indexes and generators.
func New(cfg Config, bus *eventbus.Bus) *Collection {
	singular := cfg.Singular
	if singular == "" {
		singular = cfg.Name
	}
	c := &Collection{
		name:         cfg.Name,
		singular:     singular,
		schema:       cfg.Schema,
		rels:         cfg.Relationships,
		store:        state.New(),
		fieldIndexes: make(map[string]*index.FieldIndex, len(cfg.IndexedFields)),
		search:       index.NewSearch(),
		searchFields: cfg.SearchFields,
		idgen:        idgen.New(cfg.IDFlavor, cfg.IDPrefix),
		hooks:        cfg.Hooks,
		computed:     make(map[string]func(pschema.Entity) (any, error), len(cfg.Computed)),
		bus:          bus,
		now:          time.Now,
	}
	for _, f := range cfg.IndexedFields {
		c.fieldIndexes[f] = index.NewFieldIndex()
	}
	for _, fields := range cfg.UniqueConstraints {
		c.uniques = append(c.uniques, index.NewUnique(fields))
	}
	for _, cf := range cfg.Computed {
		c.computed[cf.Name] = cf.Fn
	}
	return c
}

// --- pipeline.View ---

func (c *Collection) Name() string { return c.name }

func (c *Collection) Snapshot() map[string]pschema.Entity { return c.store.Snapshot() }

func (c *Collection) InsertionOrder() []string {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Collection) Relationships() []relation.Config { return c.rels }

func (c *Collection) FieldIndex(field string) *index.FieldIndex { return c.fieldIndexes[field] }

func (c *Collection) SearchIndex() *index.Search { return c.search }

func (c *Collection) Computed(name string) (func(pschema.Entity) (any, error), bool) {
	fn, ok := c.computed[name]
	return fn, ok
}

// Get returns a single entity by id.
func (c *Collection) Get(id string) (pschema.Entity, bool) {
	return c.store.Get(id)
}

// Query runs a read through the shared pipeline against this collection
// and the registry it was built with.
func (c *Collection) Query(q pipeline.Query) (*pipeline.Result, error) {
	return pipeline.Run(c, c.registry, q)
}

func (c *Collection) relationshipByName(name string) (relation.Config, bool) {
	for _, r := range c.rels {
		if r.Name == name {
			return r, true
		}
	}
	return relation.Config{}, false
}

func (c *Collection) searchText(e pschema.Entity) string {
	if len(c.searchFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.searchFields))
	for _, f := range c.searchFields {
		if s, ok := e[f].(string); ok {
			parts = append(parts, s)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// indexInsert records e (newly present under id) in every secondary index.
func (c *Collection) indexInsert(id string, e pschema.Entity) {
	for field, idx := range c.fieldIndexes {
		idx.Set(id, nil, e[field])
	}
	if text := c.searchText(e); text != "" {
		c.search.Index(id, text)
	}
}

// indexUpdate moves id's postings from old to new.
func (c *Collection) indexUpdate(id string, old, next pschema.Entity) {
	for field, idx := range c.fieldIndexes {
		idx.Set(id, old[field], next[field])
	}
	if oldText := c.searchText(old); oldText != "" {
		c.search.Remove(id, oldText)
	}
	if newText := c.searchText(next); newText != "" {
		c.search.Index(id, newText)
	}
}

// indexRemove clears every index entry for id's last known entity.
func (c *Collection) indexRemove(id string, e pschema.Entity) {
	for field, idx := range c.fieldIndexes {
		idx.Remove(id, e[field])
	}
	if text := c.searchText(e); text != "" {
		c.search.Remove(id, text)
	}
}

func (c *Collection) checkUniques(e pschema.Entity, excludeID string) error {
	for _, u := range c.uniques {
		if err := u.Check(e, excludeID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) reserveUniques(id string, old, next pschema.Entity) error {
	for _, u := range c.uniques {
		if err := u.Reserve(id, old, next); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) releaseUniques(id string, e pschema.Entity) {
	for _, u := range c.uniques {
		u.Release(id, e)
	}
}

// checkForeignKeys verifies every ref relationship's foreign key resolves
// to an existing row in its target collection.
func (c *Collection) checkForeignKeys(e pschema.Entity) error {
	for _, r := range c.rels {
		if r.Kind != relation.Ref {
			continue
		}
		fk, ok := e[r.ForeignKey]
		if !ok || fk == nil {
			continue
		}
		fkStr, ok := fk.(string)
		if !ok {
			continue
		}
		target, ok := c.registry.Collection(r.Target)
		if !ok {
			continue
		}
		if _, exists := target.Get(fkStr); !exists {
			return perrors.New(perrors.KindForeignKey, "referenced entity does not exist", map[string]any{
				"collection": c.name, "field": r.Name, "target": r.Target, "id": fkStr,
			})
		}
	}
	return nil
}

// reverseReferencers returns, for every other registered collection, the
// ref relationships that point at c.
func (c *Collection) reverseReferencers() []struct {
	Coll *Collection
	Rel  relation.Config
} {
	var out []struct {
		Coll *Collection
		Rel  relation.Config
	}
	for _, other := range c.registry.all() {
		for _, r := range other.rels {
			if r.Kind == relation.Ref && r.Target == c.name {
				out = append(out, struct {
					Coll *Collection
					Rel  relation.Config
				}{Coll: other, Rel: r})
			}
		}
	}
	return out
}

func stamp(e pschema.Entity, t time.Time) pschema.Entity {
	out := make(pschema.Entity, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	out["createdAt"] = t
	out["updatedAt"] = t
	return out
}

func withUpdatedAt(e pschema.Entity, t time.Time) pschema.Entity {
	out := make(pschema.Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	out["updatedAt"] = t
	return out
}

func cloneEntity(e pschema.Entity) pschema.Entity {
	out := make(pschema.Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func mergeEntity(current, patch pschema.Entity) pschema.Entity {
	out := cloneEntity(current)
	for k, v := range patch {
		if k == "id" || k == "createdAt" {
			continue
		}
		out[k] = v
	}
	return out
}

// Registry resolves collections by name for cross-collection operations:
// relationship CRUD, foreign-key checks, and the query pipeline's populate
// stage.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Register adds c under its name and wires c back to this registry so its
// operations can reach sibling collections.
func (r *Registry) Register(c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.registry = r
	r.collections[c.name] = c
}

// Collection returns the named collection.
func (r *Registry) Collection(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	return c, ok
}

// View implements pipeline.Registry.
func (r *Registry) View(name string) (pipeline.View, bool) {
	c, ok := r.Collection(name)
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *Registry) all() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for n := range r.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Collection, len(names))
	for i, n := range names {
		out[i] = r.collections[n]
	}
	return out
}

func (c *Collection) dispatch(ctx context.Context, kind eventbus.Kind, id string, before, after pschema.Entity) {
	event := eventbus.Event{Collection: c.name, Kind: kind, ID: id, Before: before, After: after}
	c.bus.Dispatch(ctx, event)
	c.hooks.RunChange(ctx, event)
}

// matchEvery reports whether e matches every field of where by plain
// equality, the predicate Leaf-free shape $connect's "match all fields of
// W" rule uses.
func matchEvery(e pschema.Entity, where map[string]any) bool {
	for k, v := range where {
		if fmt.Sprint(e[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// findOne scans the collection's current snapshot in insertion order for
// the first entity matching where, used by $connect's non-id lookup path
// and connectOrCreate.
func (c *Collection) findOne(where map[string]any) (pschema.Entity, bool) {
	if id, ok := where["id"].(string); ok && len(where) == 1 {
		return c.Get(id)
	}
	snapshot := c.Snapshot()
	for _, id := range c.InsertionOrder() {
		e, ok := snapshot[id]
		if !ok {
			continue
		}
		if matchEvery(e, where) {
			return e, true
		}
	}
	return nil, false
}

// findAll scans for every entity matching a nested where-clause using the
// full predicate evaluator, used by reverse foreign-key scans (Delete,
// DeleteMany, DeleteWithRelationships) and by UpdateMany/DeleteMany
// matching.
func (c *Collection) findAll(where map[string]any) ([]pschema.Entity, error) {
	node, err := predicate.Parse(where)
	if err != nil {
		return nil, err
	}
	resolver := collectionResolver{owner: c}
	snapshot := c.Snapshot()
	var out []pschema.Entity
	for _, id := range c.InsertionOrder() {
		e, ok := snapshot[id]
		if !ok {
			continue
		}
		ok, err := predicate.Match(node, e, resolver)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// collectionResolver bridges predicate.Resolver for a findAll scan owned
// by a single collection, the same ref/inverse logic pipeline's relResolver
// applies, duplicated here rather than exported since the two packages
// resolve against different seams (Registry here, pipeline.Registry there).
type collectionResolver struct {
	owner *Collection
}

func (r collectionResolver) ResolveRef(field string, e pschema.Entity) (pschema.Entity, bool) {
	rel, ok := r.owner.relationshipByName(field)
	if !ok || rel.Kind != relation.Ref {
		return nil, false
	}
	fk, ok := e[rel.ForeignKey].(string)
	if !ok {
		return nil, false
	}
	target, ok := r.owner.registry.Collection(rel.Target)
	if !ok {
		return nil, false
	}
	return target.Get(fk)
}

func (r collectionResolver) ResolveInverse(field string, e pschema.Entity) []pschema.Entity {
	rel, ok := r.owner.relationshipByName(field)
	if !ok || rel.Kind != relation.Inverse {
		return nil
	}
	target, ok := r.owner.registry.Collection(rel.Target)
	if !ok {
		return nil
	}
	id, _ := e["id"].(string)
	var out []pschema.Entity
	snapshot := target.Snapshot()
	for _, tid := range target.InsertionOrder() {
		entity, ok := snapshot[tid]
		if !ok {
			continue
		}
		if fk, _ := entity[rel.ForeignKey].(string); fk == id {
			out = append(out, entity)
		}
	}
	return out
}

// ResolveSearch satisfies predicate.SearchResolver, so findAll (used by
// UpdateMany/DeleteMany and reverse foreign-key scans) also consults the
// collection's maintained search index for a fields-less $search clause.
// findOne matches by plain field equality and does not evaluate $search.
func (r collectionResolver) ResolveSearch(query string) map[string]struct{} {
	return r.owner.search.Query(query)
}
