package crud

import (
	"context"
	"time"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
	"github.com/simonwjackson/proseql/internal/state"
)

// Delete removes id. A reverse foreign-key scan blocks the delete whenever
// any other collection's ref relationship still has a row pointing at id,
// whatever delete policy that relationship declares; plain Delete applies
// no policy (see DeleteWithRelationships).
func (c *Collection) Delete(ctx context.Context, id string) error {
	current, ok := c.Get(id)
	if !ok {
		return perrors.New(perrors.KindNotFound, "entity not found", map[string]any{"id": id})
	}
	if _, err := c.hooks.RunBeforeDelete(ctx, current); err != nil {
		return err
	}
	if err := c.checkReverseReferences(id); err != nil {
		return err
	}

	if c.schema.SoftDelete {
		next, err := c.softDeleteOne(ctx, id, current, c.now())
		if err != nil {
			return err
		}
		c.hooks.RunAfterDelete(ctx, next)
		c.dispatch(ctx, eventbus.Delete, id, current, next)
		return nil
	}

	if err := c.removeOne(id, current); err != nil {
		return err
	}
	c.hooks.RunAfterDelete(ctx, current)
	c.dispatch(ctx, eventbus.Delete, id, current, nil)
	return nil
}

// checkReverseReferences fails with KindForeignKey if any other
// collection's ref relationship still points at id with no delete policy
// of its own to resolve the conflict (plain delete never applies a
// cascade/set_null policy; that is deleteWithRelationships's job).
func (c *Collection) checkReverseReferences(id string) error {
	for _, ref := range c.reverseReferencers() {
		entities, err := ref.Coll.findAll(map[string]any{ref.Rel.ForeignKey: id})
		if err != nil {
			return err
		}
		if len(entities) > 0 {
			return perrors.New(perrors.KindForeignKey, "entity is still referenced", map[string]any{
				"collection": ref.Coll.name, "field": ref.Rel.Name, "id": id, "count": len(entities),
			})
		}
	}
	return nil
}

// removeOne updates indexes before state removal so the entity is still
// resolvable to any observer mid-call.
func (c *Collection) removeOne(id string, e pschema.Entity) error {
	c.indexRemove(id, e)
	c.releaseUniques(id, e)
	if err := c.store.Remove(id); err != nil {
		return err
	}
	c.orderMu.Lock()
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.orderMu.Unlock()
	return nil
}

// softDeleteOne sets deletedAt without touching indexes or order, leaving
// FK references intact.
func (c *Collection) softDeleteOne(ctx context.Context, id string, e pschema.Entity, t time.Time) (pschema.Entity, error) {
	next := cloneEntity(e)
	next["deletedAt"] = t
	next["updatedAt"] = t
	if err := c.store.Replace(id, next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteMany removes every entity matching where, failing the whole batch
// before anything is written if any matched row is still referenced (the
// same reverse-FK rule plain Delete applies, checked for every row up
// front) or rejected by a before-delete hook. Every surviving row is then
// removed together through one state.Store.Bulk call, so a concurrent
// Snapshot/Query never observes a partially-applied batch.
func (c *Collection) DeleteMany(ctx context.Context, where map[string]any) ([]pschema.Entity, error) {
	matches, err := c.findAll(where)
	if err != nil {
		return nil, err
	}
	for _, e := range matches {
		id, _ := e["id"].(string)
		if _, err := c.hooks.RunBeforeDelete(ctx, e); err != nil {
			return nil, err
		}
		if err := c.checkReverseReferences(id); err != nil {
			return nil, err
		}
	}

	if len(matches) == 0 {
		return matches, nil
	}

	muts := make([]state.Mutation, len(matches))
	removedIDs := make(map[string]struct{}, len(matches))
	for i, e := range matches {
		id, _ := e["id"].(string)
		muts[i] = state.Mutation{ID: id}
		removedIDs[id] = struct{}{}
	}
	c.store.Bulk(muts)

	c.orderMu.Lock()
	next := make([]string, 0, len(c.order)-len(removedIDs))
	for _, existing := range c.order {
		if _, removed := removedIDs[existing]; !removed {
			next = append(next, existing)
		}
	}
	c.order = next
	c.orderMu.Unlock()

	for _, e := range matches {
		id, _ := e["id"].(string)
		c.indexRemove(id, e)
		c.releaseUniques(id, e)
	}

	for _, e := range matches {
		id, _ := e["id"].(string)
		c.hooks.RunAfterDelete(ctx, e)
		c.dispatch(ctx, eventbus.Delete, id, e, nil)
	}
	return matches, nil
}

// relationshipAction is one resolved effect deleteWithRelationships will
// apply to a related collection once every restrict check has passed.
type relationshipAction struct {
	coll   *Collection
	policy relation.DeletePolicy
	rows   []pschema.Entity
	fk     string
}

// DeleteWithRelationships deletes id and, for every relationship named in
// include, applies its configured delete policy; an empty include applies
// the policy of every ref relationship pointing at this collection, and
// relationships left out of a non-empty include are skipped. Execution is staged: the
// full action set is computed first, every restrict check runs before
// anything is mutated, and only then does one bulk update per affected
// collection install the result, so a restrict failure leaves every
// collection's state untouched.
func (c *Collection) DeleteWithRelationships(ctx context.Context, id string, include []string) error {
	root, ok := c.Get(id)
	if !ok {
		return perrors.New(perrors.KindNotFound, "entity not found", map[string]any{"id": id})
	}
	if _, err := c.hooks.RunBeforeDelete(ctx, root); err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(include))
	for _, name := range include {
		wanted[name] = struct{}{}
	}

	var actions []relationshipAction
	for _, ref := range c.reverseReferencers() {
		if len(wanted) > 0 {
			if _, ok := wanted[ref.Rel.Name]; !ok {
				continue
			}
		}
		rows, err := ref.Coll.findAll(map[string]any{ref.Rel.ForeignKey: id})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		policy := ref.Rel.OnDelete
		if policy == "" {
			policy = relation.Preserve
		}
		if policy == relation.Restrict {
			return perrors.New(perrors.KindValidation, "delete blocked by restrict policy", map[string]any{
				"collection": ref.Coll.name, "field": ref.Rel.Name, "blockingIds": idsOf(rows),
			})
		}
		actions = append(actions, relationshipAction{coll: ref.Coll, policy: policy, rows: rows, fk: ref.Rel.ForeignKey})
	}

	now := c.now()
	for _, action := range actions {
		switch action.policy {
		case relation.Cascade:
			for _, row := range action.rows {
				rowID, _ := row["id"].(string)
				if err := action.coll.DeleteWithRelationships(ctx, rowID, nil); err != nil {
					return err
				}
			}
		case relation.CascadeSoft:
			muts := make([]state.Mutation, 0, len(action.rows))
			after := make([]pschema.Entity, 0, len(action.rows))
			for _, row := range action.rows {
				next := cloneEntity(row)
				next["deletedAt"] = now
				next["updatedAt"] = now
				muts = append(muts, state.Mutation{ID: row["id"].(string), Entity: next})
				after = append(after, next)
			}
			action.coll.store.Bulk(muts)
			for i, row := range action.rows {
				rowID, _ := row["id"].(string)
				action.coll.dispatch(ctx, eventbus.Update, rowID, row, after[i])
			}
		case relation.SetNull:
			muts := make([]state.Mutation, 0, len(action.rows))
			after := make([]pschema.Entity, 0, len(action.rows))
			for _, row := range action.rows {
				next := cloneEntity(row)
				next[action.fk] = nil
				next["updatedAt"] = now
				muts = append(muts, state.Mutation{ID: row["id"].(string), Entity: next})
				after = append(after, next)
			}
			action.coll.store.Bulk(muts)
			for i, row := range action.rows {
				rowID, _ := row["id"].(string)
				action.coll.indexUpdate(rowID, row, after[i])
				action.coll.dispatch(ctx, eventbus.Update, rowID, row, after[i])
			}
		case relation.Preserve:
			// leave FKs dangling
		}
	}

	if err := c.removeOne(id, root); err != nil {
		return err
	}
	c.hooks.RunAfterDelete(ctx, root)
	c.dispatch(ctx, eventbus.Delete, id, root, nil)
	return nil
}

func idsOf(rows []pschema.Entity) []string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if id, ok := r["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
