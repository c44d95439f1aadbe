// Package pipeline runs the read path's streaming stages: index-assisted
// pre-filter, filter, sort, pagination, populate, select, and computed
// field resolution. It knows nothing about how a collection stores its
// entities; it only needs the small View/Registry seams below.
package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/simonwjackson/proseql/internal/index"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/predicate"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
)

// MaxPopulateDepth caps recursive populate to break reference cycles.
const MaxPopulateDepth = 5

// View is the slice of a collection the pipeline needs: its rows, its
// relationship configuration, and its secondary indexes.
type View interface {
	Name() string
	Snapshot() map[string]pschema.Entity
	InsertionOrder() []string
	Relationships() []relation.Config
	FieldIndex(field string) *index.FieldIndex
	SearchIndex() *index.Search
	Computed(name string) (func(pschema.Entity) (any, error), bool)
}

// Registry resolves a collection by name, used to populate ref/inverse
// relationships and to evaluate nested where-clauses against them.
type Registry interface {
	View(name string) (View, bool)
}

// SortKey is one element of a query's orderBy list.
type SortKey struct {
	Field string
	Desc  bool
}

// CursorSpec requests cursor-based pagination.
type CursorSpec struct {
	Key   string
	After string
	Limit int
}

// Populate requests a relationship be attached to each result. A nil
// nested value means attach without further population; a non-nil value
// recurses.
type Populate map[string]*Populate

// Select projects the result shape. A true value includes a scalar field
// as-is; a *Select value recurses into a populated relationship.
type Select map[string]any

// Query describes one read against a single collection.
type Query struct {
	Where    map[string]any
	OrderBy  []SortKey
	Offset   *int
	Limit    *int
	Cursor   *CursorSpec
	Populate Populate
	Select   Select
	Computed []string
}

// PageInfo accompanies cursor-paginated results.
type PageInfo struct {
	EndCursor   string
	HasNextPage bool
}

// Result is what a query produces.
type Result struct {
	Items    []pschema.Entity
	PageInfo *PageInfo
}

// Run executes q against view within the given registry.
func Run(view View, registry Registry, q Query) (*Result, error) {
	node, err := predicate.Parse(q.Where)
	if err != nil {
		return nil, err
	}

	resolver := &relResolver{view: view, registry: registry}

	candidates := preFilterIDs(view, q.Where)
	snapshot := view.Snapshot()

	var rows []pschema.Entity
	if candidates != nil {
		for id := range candidates {
			if e, ok := snapshot[id]; ok {
				rows = append(rows, e)
			}
		}
	} else {
		for _, id := range view.InsertionOrder() {
			if e, ok := snapshot[id]; ok {
				rows = append(rows, e)
			}
		}
	}

	filtered := make([]pschema.Entity, 0, len(rows))
	for _, e := range rows {
		ok, err := predicate.Match(node, e, resolver)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, e)
		}
	}

	sortEntities(filtered, q.OrderBy)

	items, pageInfo, err := paginate(filtered, q)
	if err != nil {
		return nil, err
	}

	for i, e := range items {
		populated, err := populate(e, q.Populate, resolver, 1)
		if err != nil {
			return nil, err
		}
		items[i] = populated
	}

	for i, e := range items {
		items[i] = project(e, q.Select)
	}

	for _, name := range q.Computed {
		fn, ok := view.Computed(name)
		if !ok {
			continue
		}
		for i, e := range items {
			v, err := fn(e)
			if err != nil {
				return nil, perrors.Wrap(perrors.KindOperationError, "computed field failed", err, map[string]any{"field": name})
			}
			items[i] = withComputed(e, name, v)
		}
	}

	return &Result{Items: items, PageInfo: pageInfo}, nil
}

// preFilterIDs implements the index-assisted pre-filter: a top-level
// equality or $in on an indexed field enumerates candidate ids instead of
// scanning the whole collection. Returns nil when no index applies.
func preFilterIDs(view View, where map[string]any) map[string]struct{} {
	for field, val := range where {
		if field == "$search" {
			if candidates := searchCandidates(view, val); candidates != nil {
				return candidates
			}
			continue
		}
		if strings.HasPrefix(field, "$") {
			continue
		}
		idx := view.FieldIndex(field)
		if idx == nil {
			continue
		}
		switch v := val.(type) {
		case map[string]any:
			if eq, ok := v["$eq"]; ok {
				return idx.Lookup(eq)
			}
			if in, ok := v["$in"].([]any); ok {
				out := make(map[string]struct{})
				for _, item := range in {
					for id := range idx.Lookup(item) {
						out[id] = struct{}{}
					}
				}
				return out
			}
		default:
			return idx.Lookup(v)
		}
	}
	return nil
}

// searchCandidates returns the id set view.SearchIndex() holds for a
// fields-less $search clause, or nil when the clause names an explicit
// field subset (not covered by the collection-wide index) or is
// malformed, leaving the caller to fall back to a full scan.
func searchCandidates(view View, val any) map[string]struct{} {
	m, ok := val.(map[string]any)
	if !ok {
		return nil
	}
	if _, hasFields := m["fields"]; hasFields {
		return nil
	}
	query, _ := m["query"].(string)
	if query == "" {
		return nil
	}
	return view.SearchIndex().Query(query)
}

func sortEntities(rows []pschema.Entity, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := rows[i][k.Field], rows[j][k.Field]
			if (a == nil) != (b == nil) {
				return b == nil
			}
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareValues orders nulls last regardless of sort direction, then
// compares numbers numerically and everything else lexicographically by
// its string form.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := toString(a), toString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
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

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func paginate(rows []pschema.Entity, q Query) ([]pschema.Entity, *PageInfo, error) {
	if q.Cursor != nil {
		return paginateCursor(rows, *q.Cursor)
	}
	start := 0
	if q.Offset != nil {
		start = *q.Offset
	}
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if q.Limit != nil && start+*q.Limit < end {
		end = start + *q.Limit
	}
	return append([]pschema.Entity(nil), rows[start:end]...), nil, nil
}

func paginateCursor(rows []pschema.Entity, c CursorSpec) ([]pschema.Entity, *PageInfo, error) {
	start := 0
	if c.After != "" {
		afterKey, afterID, err := decodeCursor(c.After)
		if err != nil {
			return nil, nil, err
		}
		if afterKey != c.Key {
			return nil, nil, perrors.New(perrors.KindValidation, "cursor key does not match current sort configuration", nil)
		}
		for i, e := range rows {
			if toString(e["id"]) == afterID {
				start = i + 1
				break
			}
		}
	}
	limit := c.Limit
	if limit <= 0 {
		limit = len(rows) - start
	}
	end := start + limit
	hasNext := false
	if end < len(rows) {
		hasNext = true
	}
	if end > len(rows) {
		end = len(rows)
	}
	page := append([]pschema.Entity(nil), rows[start:end]...)
	var pi PageInfo
	pi.HasNextPage = hasNext
	if len(page) > 0 {
		last := page[len(page)-1]
		pi.EndCursor = encodeCursor(c.Key, toString(last["id"]))
	}
	return page, &pi, nil
}

func encodeCursor(key, id string) string {
	raw := key + "\x00" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(tok string) (key, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", "", perrors.Wrap(perrors.KindValidation, "invalid cursor", err, nil)
	}
	parts := strings.SplitN(string(raw), "\x00", 2)
	if len(parts) != 2 {
		return "", "", perrors.New(perrors.KindValidation, "malformed cursor", nil)
	}
	return parts[0], parts[1], nil
}

func populate(e pschema.Entity, specs Populate, resolver *relResolver, depth int) (pschema.Entity, error) {
	if len(specs) == 0 || depth > MaxPopulateDepth {
		return e, nil
	}
	out := cloneEntity(e)
	for _, rel := range resolver.view.Relationships() {
		nested, requested := specs[rel.Name]
		if !requested {
			continue
		}
		switch rel.Kind {
		case relation.Ref:
			target, ok := resolver.ResolveRef(rel.Name, e)
			if !ok {
				fk := e[rel.ForeignKey]
				if fk == nil {
					out[rel.Name] = nil
					continue
				}
				return nil, perrors.New(perrors.KindDanglingReference, "ref target not found", map[string]any{
					"collection": resolver.view.Name(), "field": rel.Name, "targetId": fk,
				})
			}
			if nested != nil {
				sub, err := populate(target, *nested, resolver, depth+1)
				if err != nil {
					return nil, err
				}
				target = sub
			}
			out[rel.Name] = target
		case relation.Inverse:
			related := resolver.ResolveInverse(rel.Name, e)
			if nested != nil {
				for i, r := range related {
					sub, err := populate(r, *nested, resolver, depth+1)
					if err != nil {
						return nil, err
					}
					related[i] = sub
				}
			}
			out[rel.Name] = related
		}
	}
	return out, nil
}

func project(e pschema.Entity, sel Select) pschema.Entity {
	if len(sel) == 0 {
		return e
	}
	out := make(pschema.Entity, len(sel))
	for field, spec := range sel {
		v, ok := e[field]
		if !ok {
			continue
		}
		switch s := spec.(type) {
		case Select:
			if nested, ok := v.(pschema.Entity); ok {
				out[field] = project(nested, s)
			} else if list, ok := v.([]pschema.Entity); ok {
				projected := make([]pschema.Entity, len(list))
				for i, item := range list {
					projected[i] = project(item, s)
				}
				out[field] = projected
			} else {
				out[field] = v
			}
		default:
			out[field] = v
		}
	}
	return out
}

func withComputed(e pschema.Entity, name string, v any) pschema.Entity {
	out := cloneEntity(e)
	out[name] = v
	return out
}

func cloneEntity(e pschema.Entity) pschema.Entity {
	out := make(pschema.Entity, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	return out
}

// relResolver bridges predicate.Resolver and populate's relationship walk
// using the same View/Registry seam.
type relResolver struct {
	view     View
	registry Registry
}

func (r *relResolver) findRelationship(name string) (relation.Config, bool) {
	for _, rel := range r.view.Relationships() {
		if rel.Name == name {
			return rel, true
		}
	}
	return relation.Config{}, false
}

func (r *relResolver) ResolveRef(field string, e pschema.Entity) (pschema.Entity, bool) {
	rel, ok := r.findRelationship(field)
	if !ok || rel.Kind != relation.Ref {
		return nil, false
	}
	fkVal := e[rel.ForeignKey]
	if fkVal == nil {
		return nil, false
	}
	fk, ok := fkVal.(string)
	if !ok {
		return nil, false
	}
	target, ok := r.registry.View(rel.Target)
	if !ok {
		return nil, false
	}
	entity, ok := target.Snapshot()[fk]
	return entity, ok
}

func (r *relResolver) ResolveInverse(field string, e pschema.Entity) []pschema.Entity {
	rel, ok := r.findRelationship(field)
	if !ok || rel.Kind != relation.Inverse {
		return nil
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
	if out == nil {
		out = []pschema.Entity{}
	}
	return out
}

// ResolveSearch satisfies predicate.SearchResolver, letting a fields-less
// $search clause consult view's maintained tokenized index rather than
// re-tokenizing every candidate entity.
func (r *relResolver) ResolveSearch(query string) map[string]struct{} {
	return r.view.SearchIndex().Query(query)
}
