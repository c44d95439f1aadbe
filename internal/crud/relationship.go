package crud

import (
	"context"

	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
)

// directive is one relationship field's parsed nested-write request:
// $connect, $create, $createMany, or $connectOrCreate, against one
// declared relationship.
type directive struct {
	rel             relation.Config
	connect         []map[string]any
	create          []map[string]any
	connectOrCreate *connectOrCreate
}

type connectOrCreate struct {
	where  map[string]any
	create map[string]any
}

// CreateWithRelationships implements relationship-aware create: plain
// fields are split from relationship directives, the parent's id is
// generated up front so inverse children can adopt it, ref targets are
// resolved (or created) before the parent row is installed, and inverse
// children are created or re-pointed afterward. Planning (separating
// fields from relations) stays pure; execution installs the parent first
// and children after.
func (c *Collection) CreateWithRelationships(ctx context.Context, input map[string]any) (pschema.Entity, error) {
	plan, err := c.planCreateWithRelationships(input)
	if err != nil {
		return nil, err
	}
	return c.executeRelationshipPlan(ctx, plan)
}

type relationshipPlan struct {
	fields     map[string]any
	directives []directive
}

// planCreateWithRelationships separates declared relationship keys from
// plain fields and parses each into a directive, without touching any
// store.
func (c *Collection) planCreateWithRelationships(input map[string]any) (*relationshipPlan, error) {
	plan := &relationshipPlan{fields: make(map[string]any, len(input))}
	for key, val := range input {
		rel, ok := c.relationshipByName(key)
		if !ok {
			plan.fields[key] = val
			continue
		}
		d, err := parseDirective(rel, val)
		if err != nil {
			return nil, err
		}
		plan.directives = append(plan.directives, d)
	}
	return plan, nil
}

func parseDirective(rel relation.Config, val any) (directive, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return directive{}, perrors.New(perrors.KindValidation, "relationship value must be an object with $connect/$create/$createMany/$connectOrCreate", map[string]any{"field": rel.Name})
	}
	d := directive{rel: rel}
	if v, ok := m["$connect"]; ok {
		d.connect = asObjectList(v)
	}
	if v, ok := m["$create"]; ok {
		d.create = asObjectList(v)
	}
	if v, ok := m["$createMany"]; ok {
		d.create = append(d.create, asObjectList(v)...)
	}
	if v, ok := m["$connectOrCreate"].(map[string]any); ok {
		where, _ := v["where"].(map[string]any)
		create, _ := v["create"].(map[string]any)
		d.connectOrCreate = &connectOrCreate{where: where, create: create}
	}
	return d, nil
}

func asObjectList(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// executeRelationshipPlan installs the parent and its related rows.
// Parent id is generated before any ref resolution so inverse children
// created along the way can adopt it immediately.
func (c *Collection) executeRelationshipPlan(ctx context.Context, plan *relationshipPlan) (pschema.Entity, error) {
	id, _ := plan.fields["id"].(string)
	if id == "" {
		id = c.idgen.Next()
		plan.fields["id"] = id
	}

	var inverseDirectives []directive
	for _, d := range plan.directives {
		if d.rel.Kind == relation.Inverse {
			inverseDirectives = append(inverseDirectives, d)
			continue
		}
		fk, err := c.resolveRefDirective(ctx, d)
		if err != nil {
			return nil, err
		}
		plan.fields[d.rel.ForeignKey] = fk
	}

	parent, err := c.Create(ctx, plan.fields)
	if err != nil {
		return nil, err
	}

	for _, d := range inverseDirectives {
		if err := c.resolveInverseDirective(ctx, d, id); err != nil {
			return nil, err
		}
	}
	return parent, nil
}

// resolveRefDirective resolves (or creates) the single target row a ref
// relationship directive names and returns its id, to be stored as the
// parent's foreign key.
func (c *Collection) resolveRefDirective(ctx context.Context, d directive) (string, error) {
	target, ok := c.registry.Collection(d.rel.Target)
	if !ok {
		return "", perrors.New(perrors.KindOperationError, "unknown relationship target collection", map[string]any{"target": d.rel.Target})
	}

	if len(d.connect) > 0 {
		entity, ok := target.findOne(d.connect[0])
		if !ok {
			return "", perrors.New(perrors.KindNotFound, "connect target not found", map[string]any{"collection": d.rel.Target, "where": d.connect[0]})
		}
		id, _ := entity["id"].(string)
		return id, nil
	}
	if len(d.create) > 0 {
		entity, err := target.Create(ctx, d.create[0])
		if err != nil {
			return "", err
		}
		id, _ := entity["id"].(string)
		return id, nil
	}
	if d.connectOrCreate != nil {
		if entity, ok := target.findOne(d.connectOrCreate.where); ok {
			id, _ := entity["id"].(string)
			return id, nil
		}
		entity, err := target.Create(ctx, d.connectOrCreate.create)
		if err != nil {
			return "", err
		}
		id, _ := entity["id"].(string)
		return id, nil
	}
	return "", perrors.New(perrors.KindValidation, "relationship directive named no operation", map[string]any{"field": d.rel.Name})
}

// resolveInverseDirective creates or re-points every child row an inverse
// relationship directive names so its foreign key equals parentID.
func (c *Collection) resolveInverseDirective(ctx context.Context, d directive, parentID string) error {
	target, ok := c.registry.Collection(d.rel.Target)
	if !ok {
		return perrors.New(perrors.KindOperationError, "unknown relationship target collection", map[string]any{"target": d.rel.Target})
	}

	for _, where := range d.connect {
		entity, ok := target.findOne(where)
		if !ok {
			return perrors.New(perrors.KindNotFound, "connect target not found", map[string]any{"collection": d.rel.Target, "where": where})
		}
		id, _ := entity["id"].(string)
		if _, err := target.Update(ctx, id, map[string]any{d.rel.ForeignKey: parentID}); err != nil {
			return err
		}
	}
	for _, data := range d.create {
		data[d.rel.ForeignKey] = parentID
		if _, err := target.Create(ctx, data); err != nil {
			return err
		}
	}
	if d.connectOrCreate != nil {
		if entity, ok := target.findOne(d.connectOrCreate.where); ok {
			id, _ := entity["id"].(string)
			if _, err := target.Update(ctx, id, map[string]any{d.rel.ForeignKey: parentID}); err != nil {
				return err
			}
		} else {
			data := d.connectOrCreate.create
			data[d.rel.ForeignKey] = parentID
			if _, err := target.Create(ctx, data); err != nil {
				return err
			}
		}
	}
	return nil
}
