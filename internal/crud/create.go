package crud

import (
	"context"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/state"
)

// Skipped records one rejected row from a skipDuplicates createMany call.
type Skipped struct {
	Data   map[string]any
	Reason error
}

// CreateOptions configures CreateMany's duplicate handling.
type CreateOptions struct {
	SkipDuplicates bool
}

// Create validates, installs, and announces one new entity through a
// ten-step create sequence: prepare, decode, stamp, validate, before-hook,
// duplicate/unique/foreign-key checks, install, index, after-hook.
func (c *Collection) Create(ctx context.Context, input map[string]any) (pschema.Entity, error) {
	decoded, err := c.planCreate(ctx, input, nil)
	if err != nil {
		return nil, err
	}
	c.installCreated(ctx, []pschema.Entity{decoded})
	return decoded, nil
}

// planCreate runs prepare/decode/stamp/validate/before-hook and every
// installation check (duplicate id, unique constraints, foreign keys) for
// one row, without touching the store, insertion order, or secondary
// indexes; see installCreated. Unique-constraint reservations are
// committed immediately on success so a later row in the same batch is
// checked against them. seenIDs tracks ids already planned earlier in the
// same batch and may be nil for a single-row create.
func (c *Collection) planCreate(ctx context.Context, input map[string]any, seenIDs map[string]struct{}) (pschema.Entity, error) {
	raw := make(map[string]any, len(input))
	for k, v := range input {
		raw[k] = v
	}
	if id, ok := raw["id"].(string); !ok || id == "" {
		raw["id"] = c.idgen.Next()
	}

	decoded, err := c.schema.Decode(raw)
	if err != nil {
		return nil, err
	}
	now := c.now()
	decoded = stamp(decoded, now)
	if err := c.schema.Validate(decoded); err != nil {
		return nil, err
	}

	transformed, err := c.hooks.RunBeforeCreate(ctx, decoded)
	if err != nil {
		return nil, err
	}
	decoded = transformed

	id := decoded["id"].(string)
	if _, exists := c.Get(id); exists {
		return nil, perrors.New(perrors.KindDuplicateKey, "id already exists", map[string]any{"id": id})
	}
	if _, exists := seenIDs[id]; exists {
		return nil, perrors.New(perrors.KindDuplicateKey, "id already exists", map[string]any{"id": id})
	}
	if err := c.checkUniques(decoded, ""); err != nil {
		return nil, err
	}
	if err := c.checkForeignKeys(decoded); err != nil {
		return nil, err
	}
	if err := c.reserveUniques(id, nil, decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// installCreated bulk-installs every planned entity in one atomic
// state.Store write, then brings insertion order and the secondary
// indexes up to date, and only then runs after-hooks and change-bus
// events — so a concurrent Snapshot/Query never observes part of the
// batch installed and part missing.
func (c *Collection) installCreated(ctx context.Context, planned []pschema.Entity) {
	if len(planned) == 0 {
		return
	}
	muts := make([]state.Mutation, len(planned))
	for i, e := range planned {
		muts[i] = state.Mutation{ID: e["id"].(string), Entity: e}
	}
	c.store.Bulk(muts)

	c.orderMu.Lock()
	for _, e := range planned {
		c.order = append(c.order, e["id"].(string))
	}
	c.orderMu.Unlock()

	for _, e := range planned {
		c.indexInsert(e["id"].(string), e)
	}
	for _, e := range planned {
		id := e["id"].(string)
		c.hooks.RunAfterCreate(ctx, e)
		c.dispatch(ctx, eventbus.Create, id, nil, e)
	}
}

// CreateMany plans every row in inputs and installs the survivors through
// one state.Store.Bulk call. Without SkipDuplicates the whole batch aborts
// before anything is written on the first failure (no partial install).
// With it set, failing rows are collected as Skipped instead of aborting,
// and every surviving row still installs together.
func (c *Collection) CreateMany(ctx context.Context, inputs []map[string]any, opts CreateOptions) ([]pschema.Entity, []Skipped, error) {
	var planned []pschema.Entity
	var skipped []Skipped
	seenIDs := make(map[string]struct{}, len(inputs))

	for _, input := range inputs {
		entity, err := c.planCreate(ctx, input, seenIDs)
		if err != nil {
			if opts.SkipDuplicates {
				skipped = append(skipped, Skipped{Data: input, Reason: err})
				continue
			}
			c.releasePlannedCreates(planned)
			return nil, nil, err
		}
		seenIDs[entity["id"].(string)] = struct{}{}
		planned = append(planned, entity)
	}

	c.installCreated(ctx, planned)
	return planned, skipped, nil
}

// releasePlannedCreates undoes the unique-constraint reservations taken
// while planning a batch that aborted before any row reached the store.
func (c *Collection) releasePlannedCreates(planned []pschema.Entity) {
	for _, e := range planned {
		c.releaseUniques(e["id"].(string), e)
	}
}
