package crud

import (
	"context"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/state"
)

// Update merges patch onto the current entity stored under id and
// installs the result through an eight-step update sequence: fetch,
// merge, stamp, before-hook, unique/foreign-key checks, validate,
// install, after-hook.
func (c *Collection) Update(ctx context.Context, id string, patch map[string]any) (pschema.Entity, error) {
	current, ok := c.Get(id)
	if !ok {
		return nil, perrors.New(perrors.KindNotFound, "entity not found", map[string]any{"id": id})
	}
	merged, err := c.planUpdate(ctx, id, current, patch)
	if err != nil {
		return nil, err
	}
	c.installUpdated(ctx, []updatedRow{{id: id, prev: current, next: merged}})
	return merged, nil
}

// updatedRow is one UpdateMany row staged for a later bulk install.
type updatedRow struct {
	id   string
	prev pschema.Entity
	next pschema.Entity
}

// planUpdate runs merge/stamp/validate/before-hook and every installation
// check (unique constraints, foreign keys) for one row against its
// pre-batch current value, without touching the store or secondary
// indexes; see installUpdated. Unique-constraint reservations are
// committed immediately on success so a later row in the same batch is
// checked against them.
func (c *Collection) planUpdate(ctx context.Context, id string, current pschema.Entity, patch map[string]any) (pschema.Entity, error) {
	merged := mergeEntity(current, patch)
	merged = withUpdatedAt(merged, c.now())

	transformed, err := c.hooks.RunBeforeUpdate(ctx, merged)
	if err != nil {
		return nil, err
	}
	merged = transformed

	if err := c.checkUniques(merged, id); err != nil {
		return nil, err
	}
	if err := c.checkForeignKeys(merged); err != nil {
		return nil, err
	}
	if err := c.schema.Validate(merged); err != nil {
		return nil, err
	}
	if err := c.reserveUniques(id, current, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// installUpdated bulk-installs every planned update in one atomic
// state.Store write, then brings the secondary indexes up to date, and
// only then runs after-hooks and change-bus events.
func (c *Collection) installUpdated(ctx context.Context, rows []updatedRow) {
	if len(rows) == 0 {
		return
	}
	muts := make([]state.Mutation, len(rows))
	for i, r := range rows {
		muts[i] = state.Mutation{ID: r.id, Entity: r.next}
	}
	c.store.Bulk(muts)

	for _, r := range rows {
		c.indexUpdate(r.id, r.prev, r.next)
	}
	for _, r := range rows {
		c.hooks.RunAfterUpdate(ctx, r.next)
		c.dispatch(ctx, eventbus.Update, r.id, r.prev, r.next)
	}
}

// UpdateManyOptions bounds how many rows UpdateMany may touch.
type UpdateManyOptions struct {
	Limit *int
}

// PatchFn computes a per-row patch from the current entity, used by
// UpdateMany's functional-patch form.
type PatchFn func(pschema.Entity) map[string]any

// UpdateMany applies patch (or patchFn, if non-nil) to every entity
// matching where, up to opts.Limit, in insertion order. Every row is
// planned against the same pre-batch snapshot (matches) and installed
// together through one state.Store.Bulk call, so a mid-batch failure
// aborts before anything is written and a concurrent reader never
// observes a partially-applied batch.
func (c *Collection) UpdateMany(ctx context.Context, where map[string]any, patch map[string]any, patchFn PatchFn, opts UpdateManyOptions) ([]pschema.Entity, error) {
	matches, err := c.findAll(where)
	if err != nil {
		return nil, err
	}
	if opts.Limit != nil && len(matches) > *opts.Limit {
		matches = matches[:*opts.Limit]
	}

	var planned []updatedRow
	for _, current := range matches {
		id, _ := current["id"].(string)
		rowPatch := patch
		if patchFn != nil {
			rowPatch = patchFn(current)
		}
		merged, err := c.planUpdate(ctx, id, current, rowPatch)
		if err != nil {
			c.releasePlannedUpdates(planned)
			return nil, err
		}
		planned = append(planned, updatedRow{id: id, prev: current, next: merged})
	}

	c.installUpdated(ctx, planned)

	updated := make([]pschema.Entity, len(planned))
	for i, r := range planned {
		updated[i] = r.next
	}
	return updated, nil
}

// releasePlannedUpdates restores the unique-constraint reservations held
// before planning began, undoing planUpdate's reserveUniques calls for a
// batch that aborted before any row reached the store.
func (c *Collection) releasePlannedUpdates(planned []updatedRow) {
	for _, r := range planned {
		c.reserveUniques(r.id, r.next, r.prev)
	}
}
