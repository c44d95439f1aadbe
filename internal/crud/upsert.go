package crud

import (
	"context"
	"sort"

	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// UpsertSpec is one upsert request: where identifies an existing row
// (either {id} or a fully-specified unique constraint), create supplies
// the data for a new row, update supplies the patch applied to a match.
type UpsertSpec struct {
	Where  map[string]any
	Create map[string]any
	Update map[string]any
}

// Upsert runs the create-path if no row matches spec.Where, else the
// update-path on the match. Where must name {id} or cover one declared
// unique constraint entirely.
func (c *Collection) Upsert(ctx context.Context, spec UpsertSpec) (pschema.Entity, error) {
	if err := c.validateUpsertWhere(spec.Where); err != nil {
		return nil, err
	}
	existing, ok := c.findOne(spec.Where)
	if !ok {
		return c.Create(ctx, spec.Create)
	}
	id, _ := existing["id"].(string)
	return c.Update(ctx, id, spec.Update)
}

// UpsertMany runs Upsert for every spec in order.
func (c *Collection) UpsertMany(ctx context.Context, specs []UpsertSpec) ([]pschema.Entity, error) {
	out := make([]pschema.Entity, 0, len(specs))
	for _, spec := range specs {
		e, err := c.Upsert(ctx, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// validateUpsertWhere requires where to be exactly {"id": ...} or to
// supply every field of at least one declared unique constraint.
func (c *Collection) validateUpsertWhere(where map[string]any) error {
	if _, ok := where["id"]; ok && len(where) == 1 {
		return nil
	}
	for _, u := range c.uniques {
		covered := true
		for _, f := range u.Fields {
			if _, ok := where[f]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return nil
		}
	}
	return perrors.New(perrors.KindValidation, "upsert where-clause must name id or fully cover a declared unique constraint", map[string]any{
		"validUniqueFields": c.uniqueFieldNames(),
	})
}

func (c *Collection) uniqueFieldNames() [][]string {
	out := make([][]string, len(c.uniques))
	for i, u := range c.uniques {
		fields := append([]string(nil), u.Fields...)
		sort.Strings(fields)
		out[i] = fields
	}
	return out
}
