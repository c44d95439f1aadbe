// Package proseql is the public facade over the embedded document engine:
// Open a Database, DefineCollection against it, then read and write
// through the returned Collection. Internals (state, index, predicate,
// pipeline, crud, persistence, …) stay behind internal/ so the module's
// only exported surface is this file.
package proseql

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/simonwjackson/proseql/internal/codec"
	"github.com/simonwjackson/proseql/internal/crud"
	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/idgen"
	"github.com/simonwjackson/proseql/internal/lifecycle"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/persistence"
	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/predicate"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
	"github.com/simonwjackson/proseql/internal/watch"
)

// Re-exported types so callers never need to import an internal package.
type (
	Entity          = pschema.Entity
	Schema          = pschema.Schema
	Field           = pschema.Field
	FieldKind       = pschema.Kind
	RelationConfig  = relation.Config
	RelationKind    = relation.Kind
	DeletePolicy    = relation.DeletePolicy
	Query           = pipeline.Query
	QueryResult     = pipeline.Result
	SortKey         = pipeline.SortKey
	CursorSpec      = pipeline.CursorSpec
	Populate        = pipeline.Populate
	Select          = pipeline.Select
	Hooks           = lifecycle.Hooks
	BeforeHook      = lifecycle.BeforeHook
	AfterHook       = lifecycle.AfterHook
	ChangeEvent     = eventbus.Event
	Error           = perrors.Error
	ErrorKind       = perrors.Kind
	IDFlavor        = idgen.Flavor
	Migration       = persistence.Migration
	UpsertSpec      = crud.UpsertSpec
	Skipped         = crud.Skipped
	CreateOptions   = crud.CreateOptions
	UpdateManyOptions = crud.UpdateManyOptions
	PatchFn         = crud.PatchFn
)

const (
	KindRef     = relation.Ref
	KindInverse = relation.Inverse

	Cascade     = relation.Cascade
	CascadeSoft = relation.CascadeSoft
	SetNull     = relation.SetNull
	Restrict    = relation.Restrict
	Preserve    = relation.Preserve

	FlavorTimestamp = idgen.FlavorTimestamp
	FlavorNano      = idgen.FlavorNano
	FlavorUUID      = idgen.FlavorUUID
	FlavorULID      = idgen.FlavorULID
	FlavorPrefixed  = idgen.FlavorPrefixed

	FieldKindString  = pschema.KindString
	FieldKindNumber  = pschema.KindNumber
	FieldKindBool    = pschema.KindBool
	FieldKindArray   = pschema.KindArray
	FieldKindObject  = pschema.KindObject
	FieldKindUnion   = pschema.KindUnion
	FieldKindLiteral = pschema.KindLiteral
	FieldKindAny     = pschema.KindAny
)

// NewSchema builds a Schema from its field list, deriving soft-delete
// support from the presence of a top-level deletedAt field.
var NewSchema = pschema.New

// SearchSpec declares which string fields feed a collection's $search
// index, or that every string field should (the `fields:true` shorthand).
type SearchSpec struct {
	Fields []string
	All    bool
}

// ComputedField is one named, derived read-only projection.
type ComputedField = crud.ComputedField

// CollectionConfig declares one collection's full shape. Only Name and
// Schema are required; everything else defaults to "none".
type CollectionConfig struct {
	Name              string
	Singular          string
	Schema            *Schema
	Relationships     []RelationConfig
	Indexes           []string
	UniqueFields      [][]string
	Hooks             Hooks
	Search            *SearchSpec
	Computed          []ComputedField
	IDFlavor          IDFlavor
	IDPrefix          string
	File              string
	Migrations        []Migration
}

// Options configures a Database at open time.
type Options struct {
	// Debounce overrides the persistence writer's coalescing window
	// (default persistence.DefaultDebounce).
	Debounce time.Duration
	// Watch enables fsnotify-driven reload of file-backed collections so
	// external edits surface as change-bus events (default off).
	Watch bool
}

// Database is an ordered set of named collections sharing one change bus
// and one debounced persistence writer.
type Database struct {
	mu          sync.Mutex
	bus         *eventbus.Bus
	registry    *crud.Registry
	codecs      *codec.Registry
	writer      *persistence.Writer
	watchers    []*persistence.FileWatcher
	collections map[string]*Collection
	files       map[string]fileInfo
	order       []string
	opts        Options
}

// fileInfo records the path, schema version, and schema a file-backed
// collection persists through, looked up by Collection.touch after every
// mutation.
type fileInfo struct {
	path    string
	version int
	schema  *Schema
}

// Collection is the public handle returned by DefineCollection.
type Collection struct {
	name string
	db   *Database
	c    *crud.Collection
}

// Open returns an empty Database ready to accept DefineCollection calls.
func Open(opts Options) *Database {
	if opts.Debounce <= 0 {
		opts.Debounce = persistence.DefaultDebounce
	}
	codecs := codec.NewRegistry()
	return &Database{
		bus:         eventbus.New(),
		registry:    crud.NewRegistry(),
		codecs:      codecs,
		writer:      persistence.NewWriter(codecs, opts.Debounce),
		collections: make(map[string]*Collection),
		files:       make(map[string]fileInfo),
		opts:        opts,
	}
}

// OpenFromConfig builds a Database from a viper-readable config file
// (json/yaml/toml) declaring collections as a list of
// {name, file, idFlavor, idPrefix, indexes, uniqueFields} objects. Schemas,
// relationships, hooks, and computed fields have no stable textual
// encoding and must still be attached to the returned collections'
// configs by the caller via DefineCollection for anything beyond the
// persisted-file wiring; this entry point covers loading an embedded
// database's own configuration, not a CLI's.
func OpenFromConfig(path string, opts Options) (*Database, []CollectionConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, perrors.Wrap(perrors.KindStorage, "read database config", err, map[string]any{"path": path})
	}

	var raw struct {
		Collections []struct {
			Name         string   `mapstructure:"name"`
			Singular     string   `mapstructure:"singular"`
			File         string   `mapstructure:"file"`
			IDFlavor     string   `mapstructure:"idFlavor"`
			IDPrefix     string   `mapstructure:"idPrefix"`
			Indexes      []string `mapstructure:"indexes"`
			UniqueFields []string `mapstructure:"uniqueFields"`
		} `mapstructure:"collections"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, nil, perrors.Wrap(perrors.KindValidation, "decode database config", err, map[string]any{"path": path})
	}

	cfgs := make([]CollectionConfig, 0, len(raw.Collections))
	for _, rc := range raw.Collections {
		uniques := make([][]string, 0, len(rc.UniqueFields))
		for _, f := range rc.UniqueFields {
			uniques = append(uniques, []string{f})
		}
		cfgs = append(cfgs, CollectionConfig{
			Name:         rc.Name,
			Singular:     rc.Singular,
			File:         rc.File,
			IDFlavor:     IDFlavor(rc.IDFlavor),
			IDPrefix:     rc.IDPrefix,
			Indexes:      rc.Indexes,
			UniqueFields: uniques,
		})
	}
	return Open(opts), cfgs, nil
}

// Bus exposes the change bus so callers can register handlers or start
// watches directly without going through a Collection.
func (db *Database) Bus() *eventbus.Bus { return db.bus }

// DefineCollection registers a new collection, loading its persisted file
// (if cfg.File is set) and, when opts.Watch is enabled, starting an
// fsnotify watch that reconciles external edits.
func (db *Database) DefineCollection(cfg CollectionConfig) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if cfg.Schema == nil {
		return nil, perrors.New(perrors.KindValidation, "collection requires a schema", map[string]any{"name": cfg.Name})
	}
	if _, exists := db.collections[cfg.Name]; exists {
		return nil, perrors.New(perrors.KindValidation, "collection already defined", map[string]any{"name": cfg.Name})
	}

	singular := cfg.Singular
	if singular == "" {
		singular = cfg.Name
	}
	rels := make([]relation.Config, len(cfg.Relationships))
	copy(rels, cfg.Relationships)
	for i, r := range rels {
		if r.ForeignKey == "" {
			rels[i].ForeignKey = relation.DefaultForeignKey(r.Kind, r.Name, singular)
		}
	}

	searchFields := cfg.Search.resolve(cfg.Schema)

	cc := crud.Config{
		Name:              cfg.Name,
		Singular:          singular,
		Schema:            cfg.Schema,
		Relationships:     rels,
		IndexedFields:     cfg.Indexes,
		UniqueConstraints: cfg.UniqueFields,
		SearchFields:      searchFields,
		IDFlavor:          cfg.IDFlavor,
		IDPrefix:          cfg.IDPrefix,
		Hooks:             cfg.Hooks,
		Computed:          cfg.Computed,
	}
	coll := crud.New(cc, db.bus)
	db.registry.Register(coll)

	if cfg.File != "" {
		db.files[cfg.Name] = fileInfo{path: cfg.File, version: cfg.Schema.Version, schema: cfg.Schema}
		decode := func(raw map[string]any) (pschema.Entity, error) { return cfg.Schema.Decode(raw) }
		initial, err := persistence.Load(cfg.File, db.codecs, cfg.Schema.Version, cfg.Migrations, decode)
		if err != nil {
			return nil, err
		}
		coll.Hydrate(initial)

		if db.opts.Watch {
			reload := func(path string) (map[string]pschema.Entity, error) {
				entities, err := persistence.Load(path, db.codecs, cfg.Schema.Version, cfg.Migrations, decode)
				if err != nil {
					return nil, err
				}
				coll.Hydrate(entities)
				return entities, nil
			}
			fw, err := persistence.WatchFile(db.bus, cfg.Name, cfg.File, initial, reload)
			if err != nil {
				return nil, err
			}
			db.watchers = append(db.watchers, fw)
		}
	}

	public := &Collection{name: cfg.Name, db: db, c: coll}
	db.collections[cfg.Name] = public
	db.order = append(db.order, cfg.Name)
	return public, nil
}

// resolve expands a SearchSpec (possibly nil) into a concrete field list.
func (s *SearchSpec) resolve(schema *Schema) []string {
	if s == nil {
		return nil
	}
	if !s.All {
		return s.Fields
	}
	fields := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Kind == pschema.KindString {
			fields = append(fields, f.Name)
		}
	}
	return fields
}

// Collection returns the named collection, if defined.
func (db *Database) Collection(name string) (*Collection, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	return c, ok
}

// Collections returns every defined collection name in declaration order.
func (db *Database) Collections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.order))
	copy(out, db.order)
	return out
}

// persistAsync schedules coll's current state for a debounced write,
// called by Collection after every successful mutation against a
// file-backed collection. Every entity is routed through info.schema's
// Encode so a field with a Transform is written in its on-disk shape
// rather than its live in-memory shape.
func (db *Database) persistAsync(coll *crud.Collection, info fileInfo) {
	if info.path == "" {
		return
	}
	snapshot := coll.Snapshot()
	entities := make(map[string]any, len(snapshot))
	for id, e := range snapshot {
		encoded, err := info.schema.Encode(e)
		if err != nil {
			log.Printf("proseql: encode %s/%s for persist failed: %v", coll.Name(), id, err)
			continue
		}
		entities[id] = encoded
	}
	db.writer.Write(info.path, info.version, entities)
}

// Close flushes every pending write and stops file watchers. The database
// itself may still be queried after Close; only durability and reactive
// file-sync stop.
func (db *Database) Close() error {
	db.mu.Lock()
	watchers := db.watchers
	db.watchers = nil
	db.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	return db.writer.Close()
}

// --- Collection operations: thin pass-throughs onto internal/crud, each
// followed by a debounced persist when the collection is file-backed. ---

func (c *Collection) Name() string { return c.name }

func (c *Collection) Get(id string) (Entity, bool) { return c.c.Get(id) }

func (c *Collection) Query(q Query) (*QueryResult, error) { return c.c.Query(q) }

func (c *Collection) Create(ctx context.Context, input map[string]any) (Entity, error) {
	e, err := c.c.Create(ctx, input)
	if err == nil {
		c.touch()
	}
	return e, err
}

func (c *Collection) CreateMany(ctx context.Context, inputs []map[string]any, opts CreateOptions) ([]Entity, []Skipped, error) {
	created, skipped, err := c.c.CreateMany(ctx, inputs, opts)
	if err == nil {
		c.touch()
	}
	return created, skipped, err
}

func (c *Collection) CreateWithRelationships(ctx context.Context, input map[string]any) (Entity, error) {
	e, err := c.c.CreateWithRelationships(ctx, input)
	if err == nil {
		c.touch()
	}
	return e, err
}

func (c *Collection) Update(ctx context.Context, id string, patch map[string]any) (Entity, error) {
	e, err := c.c.Update(ctx, id, patch)
	if err == nil {
		c.touch()
	}
	return e, err
}

func (c *Collection) UpdateMany(ctx context.Context, where, patch map[string]any, patchFn PatchFn, opts UpdateManyOptions) ([]Entity, error) {
	updated, err := c.c.UpdateMany(ctx, where, patch, patchFn, opts)
	if err == nil {
		c.touch()
	}
	return updated, err
}

func (c *Collection) Upsert(ctx context.Context, spec UpsertSpec) (Entity, error) {
	e, err := c.c.Upsert(ctx, spec)
	if err == nil {
		c.touch()
	}
	return e, err
}

func (c *Collection) UpsertMany(ctx context.Context, specs []UpsertSpec) ([]Entity, error) {
	es, err := c.c.UpsertMany(ctx, specs)
	if err == nil {
		c.touch()
	}
	return es, err
}

func (c *Collection) Delete(ctx context.Context, id string) error {
	err := c.c.Delete(ctx, id)
	if err == nil {
		c.touch()
	}
	return err
}

func (c *Collection) DeleteMany(ctx context.Context, where map[string]any) ([]Entity, error) {
	deleted, err := c.c.DeleteMany(ctx, where)
	if err == nil {
		c.touch()
	}
	return deleted, err
}

func (c *Collection) DeleteWithRelationships(ctx context.Context, id string, include []string) error {
	err := c.c.DeleteWithRelationships(ctx, id, include)
	if err == nil {
		c.touch()
	}
	return err
}

// Watch starts a debounced, change-bus-driven re-evaluation of q. It
// re-evaluates on any change to the query's root collection plus every
// collection its Populate or Rel/RelMany predicate clauses reach, so a
// watch on books populated with author also fires when authors changes.
// Close the returned *watch.Watch when done.
func (c *Collection) Watch(ctx context.Context, q Query, debounce time.Duration) (*watch.Watch, error) {
	collections := relevantCollections(c.c, c.db.registry, q)
	return watch.Query(ctx, c.db.bus, collections, debounce, func() (*QueryResult, error) {
		return c.c.Query(q)
	})
}

// relevantCollections walks q's Populate tree and any Rel/RelMany nodes in
// its Where clause, following each relationship's Target through the
// registry, and returns root's name plus every collection reached.
func relevantCollections(root *crud.Collection, registry *crud.Registry, q Query) []string {
	seen := map[string]struct{}{root.Name(): {}}
	walkPopulate(root, registry, q.Populate, seen)
	if where, err := predicate.Parse(q.Where); err == nil {
		walkWhereRelations(root, registry, where, seen)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func walkPopulate(coll *crud.Collection, registry *crud.Registry, pop Populate, seen map[string]struct{}) {
	for field, nested := range pop {
		rel, ok := relationshipNamed(coll, field)
		if !ok {
			continue
		}
		if _, already := seen[rel.Target]; already {
			continue
		}
		seen[rel.Target] = struct{}{}
		target, ok := registry.Collection(rel.Target)
		if !ok || nested == nil {
			continue
		}
		walkPopulate(target, registry, *nested, seen)
	}
}

func walkWhereRelations(coll *crud.Collection, registry *crud.Registry, node predicate.Node, seen map[string]struct{}) {
	switch n := node.(type) {
	case predicate.And:
		for _, c := range n.Clauses {
			walkWhereRelations(coll, registry, c, seen)
		}
	case predicate.Or:
		for _, c := range n.Clauses {
			walkWhereRelations(coll, registry, c, seen)
		}
	case predicate.Not:
		walkWhereRelations(coll, registry, n.Clause, seen)
	case predicate.Rel:
		rel, ok := relationshipNamed(coll, n.Field)
		if !ok {
			return
		}
		markRelationTarget(rel, registry, n.Where, seen)
	case predicate.RelMany:
		rel, ok := relationshipNamed(coll, n.Field)
		if !ok {
			return
		}
		markRelationTarget(rel, registry, n.Where, seen)
	}
}

func markRelationTarget(rel relation.Config, registry *crud.Registry, nested predicate.Node, seen map[string]struct{}) {
	if _, already := seen[rel.Target]; already {
		return
	}
	seen[rel.Target] = struct{}{}
	if target, ok := registry.Collection(rel.Target); ok {
		walkWhereRelations(target, registry, nested, seen)
	}
}

func relationshipNamed(coll *crud.Collection, name string) (relation.Config, bool) {
	for _, rel := range coll.Relationships() {
		if rel.Name == name {
			return rel, true
		}
	}
	return relation.Config{}, false
}

// WatchEntity streams an entity's successive states as relevant events
// arrive on the bus, terminating when it is deleted.
func (c *Collection) WatchEntity(ctx context.Context, id string) *watch.ByID {
	return watch.Entity(ctx, c.db.bus, c.name, id, func() (Entity, bool) { return c.c.Get(id) })
}

// touch schedules a debounced persist for file-backed collections; a
// no-op for pure in-memory ones.
func (c *Collection) touch() {
	c.db.mu.Lock()
	info, ok := c.db.files[c.name]
	c.db.mu.Unlock()
	if !ok {
		return
	}
	c.db.persistAsync(c.c, info)
}
