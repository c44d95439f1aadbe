// Package aggregate implements count/sum/min/max/avg/groupBy over a
// filtered row set, sharing the same predicate evaluation the query
// pipeline uses.
package aggregate

import (
	"strconv"

	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/predicate"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// Request describes one aggregate call.
type Request struct {
	Where   map[string]any
	GroupBy string
	Count   bool
	Sum     []string
	Min     []string
	Max     []string
	Avg     []string
}

// Row is one output row: a populated group key plus whichever aggregate
// values were requested; Sum/Min/Max/Avg are keyed by field name and Count
// is the number of rows in the group.
type Row struct {
	Group map[string]any
	Count int
	Sum   map[string]float64
	Min   map[string]any
	Max   map[string]any
	Avg   map[string]*float64 // nil entry means "no numeric values", i.e. null
}

// Run filters view's rows by req.Where and aggregates them, optionally
// grouped by req.GroupBy in first-occurrence order.
func Run(view pipeline.View, registry pipeline.Registry, req Request) ([]Row, error) {
	node, err := predicate.Parse(req.Where)
	if err != nil {
		return nil, err
	}
	resolver := &registryResolver{view: view, registry: registry}

	snapshot := view.Snapshot()
	var groupOrder []string
	groups := map[string][]pschema.Entity{}

	for _, id := range view.InsertionOrder() {
		e, ok := snapshot[id]
		if !ok {
			continue
		}
		ok, err := predicate.Match(node, e, resolver)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		key := ""
		if req.GroupBy != "" {
			key = stringifyGroupKey(e[req.GroupBy])
		}
		if _, seen := groups[key]; !seen {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], e)
	}

	rows := make([]Row, 0, len(groupOrder))
	for _, key := range groupOrder {
		rows = append(rows, aggregateGroup(req, groups[key], key))
	}
	if len(rows) == 0 && req.GroupBy == "" {
		rows = append(rows, aggregateGroup(req, nil, ""))
	}
	return rows, nil
}

func aggregateGroup(req Request, rows []pschema.Entity, groupKey string) Row {
	out := Row{Count: len(rows)}
	if req.GroupBy != "" {
		var val any
		if len(rows) > 0 {
			val = rows[0][req.GroupBy]
		}
		out.Group = map[string]any{req.GroupBy: val}
	}
	if len(req.Sum) > 0 {
		out.Sum = map[string]float64{}
		for _, f := range req.Sum {
			out.Sum[f] = sumField(rows, f)
		}
	}
	if len(req.Min) > 0 {
		out.Min = map[string]any{}
		for _, f := range req.Min {
			out.Min[f] = minMaxField(rows, f, true)
		}
	}
	if len(req.Max) > 0 {
		out.Max = map[string]any{}
		for _, f := range req.Max {
			out.Max[f] = minMaxField(rows, f, false)
		}
	}
	if len(req.Avg) > 0 {
		out.Avg = map[string]*float64{}
		for _, f := range req.Avg {
			out.Avg[f] = avgField(rows, f)
		}
	}
	return out
}

func sumField(rows []pschema.Entity, field string) float64 {
	var total float64
	for _, e := range rows {
		if f, ok := toFloat(e[field]); ok {
			total += f
		}
	}
	return total
}

func avgField(rows []pschema.Entity, field string) *float64 {
	var total float64
	var count int
	for _, e := range rows {
		if f, ok := toFloat(e[field]); ok {
			total += f
			count++
		}
	}
	if count == 0 {
		return nil
	}
	avg := total / float64(count)
	return &avg
}

func minMaxField(rows []pschema.Entity, field string, wantMin bool) any {
	var best any
	var bestSet bool
	for _, e := range rows {
		v := e[field]
		if v == nil {
			continue
		}
		if !bestSet {
			best = v
			bestSet = true
			continue
		}
		if less(v, best) == wantMin {
			best = v
		}
	}
	return best
}

// less reports whether a orders before b, comparing numerically when both
// are numbers and lexicographically otherwise.
func less(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func stringifyGroupKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return ""
}

type registryResolver struct {
	view     pipeline.View
	registry pipeline.Registry
}

func (r *registryResolver) ResolveRef(field string, e pschema.Entity) (pschema.Entity, bool) {
	for _, rel := range r.view.Relationships() {
		if rel.Name != field {
			continue
		}
		fk, _ := e[rel.ForeignKey].(string)
		if fk == "" {
			return nil, false
		}
		target, ok := r.registry.View(rel.Target)
		if !ok {
			return nil, false
		}
		entity, ok := target.Snapshot()[fk]
		return entity, ok
	}
	return nil, false
}

func (r *registryResolver) ResolveInverse(field string, e pschema.Entity) []pschema.Entity {
	for _, rel := range r.view.Relationships() {
		if rel.Name != field {
			continue
		}
		target, ok := r.registry.View(rel.Target)
		if !ok {
			return nil
		}
		id, _ := e["id"].(string)
		var out []pschema.Entity
		for _, tid := range target.InsertionOrder() {
			entity, ok := target.Snapshot()[tid]
			if !ok {
				continue
			}
			if fk, _ := entity[rel.ForeignKey].(string); fk == id {
				out = append(out, entity)
			}
		}
		return out
	}
	return nil
}

// ResolveSearch satisfies predicate.SearchResolver the same way
// pipeline's relResolver does, so $search aggregates also consult the
// maintained index instead of re-tokenizing every row.
func (r *registryResolver) ResolveSearch(query string) map[string]struct{} {
	return r.view.SearchIndex().Query(query)
}
