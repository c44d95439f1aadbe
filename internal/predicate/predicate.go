// Package predicate turns a where-clause (a plain map[string]any) into an
// AST (Leaf/And/Or/Not/Rel/RelMany/SearchClause nodes, built by Parse and
// walked by Match) and evaluates that AST against entities. Callers build where-clauses as Go
// data rather than typed query text.
package predicate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/simonwjackson/proseql/internal/index"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// Node is one clause in a parsed where-clause.
type Node interface{ isNode() }

// Leaf compares one field against a value using a single operator.
type Leaf struct {
	Field string
	Op    string
	Value any
}

// And requires every clause to hold.
type And struct{ Clauses []Node }

// Or requires at least one clause to hold.
type Or struct{ Clauses []Node }

// Not negates a single clause.
type Not struct{ Clause Node }

// Rel matches a nested where-clause against the entity a ref field points
// to.
type Rel struct {
	Field string
	Where Node
}

// RelMode selects how a RelMany clause quantifies over its related set.
type RelMode string

const (
	RelSome  RelMode = "some"
	RelEvery RelMode = "every"
	RelNone  RelMode = "none"
)

// RelMany matches a nested where-clause against the entities an inverse
// field resolves to, quantified by Mode.
type RelMany struct {
	Field string
	Mode  RelMode
	Where Node
}

// SearchClause implements $search at a where-clause root.
type SearchClause struct {
	Query  string
	Fields []string // empty means "every string field"
}

func (Leaf) isNode()         {}
func (And) isNode()          {}
func (Or) isNode()           {}
func (Not) isNode()          {}
func (Rel) isNode()          {}
func (RelMany) isNode()      {}
func (SearchClause) isNode() {}

var leafOps = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$gt": {}, "$gte": {}, "$lt": {}, "$lte": {},
	"$in": {}, "$nin": {}, "$startsWith": {}, "$endsWith": {}, "$contains": {},
	"$all": {}, "$size": {},
}

// Parse builds an AST from a where-clause, applying the implicit-AND and
// bare-value-means-$eq rules.
func Parse(where map[string]any) (Node, error) {
	if len(where) == 0 {
		return And{}, nil
	}

	var clauses []Node
	for key, val := range where {
		switch key {
		case "$and":
			items, err := toNodeList(val)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, And{Clauses: items})
		case "$or":
			items, err := toNodeList(val)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, Or{Clauses: items})
		case "$not":
			sub, ok := val.(map[string]any)
			if !ok {
				return nil, perrors.New(perrors.KindValidation, "$not requires a where-clause object", nil)
			}
			inner, err := Parse(sub)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, Not{Clause: inner})
		case "$search":
			sc, err := parseSearch(val)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, sc)
		default:
			node, err := parseFieldValue(key, val)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, node)
		}
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return And{Clauses: clauses}, nil
}

func toNodeList(val any) ([]Node, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, perrors.New(perrors.KindValidation, "$and/$or require an array of where-clauses", nil)
	}
	out := make([]Node, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, perrors.New(perrors.KindValidation, "$and/$or elements must be where-clause objects", nil)
		}
		node, err := Parse(m)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func parseSearch(val any) (SearchClause, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return SearchClause{}, perrors.New(perrors.KindValidation, "$search requires {query, fields?}", nil)
	}
	query, _ := m["query"].(string)
	if query == "" {
		return SearchClause{}, perrors.New(perrors.KindValidation, "$search.query is required", nil)
	}
	var fields []string
	if raw, ok := m["fields"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	return SearchClause{Query: query, Fields: fields}, nil
}

// parseFieldValue decides, purely from shape, whether a field's value is
// an operator object, a RelMany quantifier, a nested ref where-clause, or
// a bare $eq value. Operator keys are distinguished from nested
// where-clause keys by their leading "$".
func parseFieldValue(field string, val any) (Node, error) {
	m, isMap := val.(map[string]any)
	if !isMap {
		return Leaf{Field: field, Op: "$eq", Value: val}, nil
	}

	for _, mode := range []RelMode{RelSome, RelEvery, RelNone} {
		if sub, ok := m["$"+string(mode)]; ok {
			subMap, ok := sub.(map[string]any)
			if !ok {
				return nil, perrors.New(perrors.KindValidation, fmt.Sprintf("$%s requires a where-clause object", mode), nil)
			}
			where, err := Parse(subMap)
			if err != nil {
				return nil, err
			}
			return RelMany{Field: field, Mode: mode, Where: where}, nil
		}
	}

	hasOperator := false
	for k := range m {
		if strings.HasPrefix(k, "$") {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		where, err := Parse(m)
		if err != nil {
			return nil, err
		}
		return Rel{Field: field, Where: where}, nil
	}

	var leaves []Node
	for op, opVal := range m {
		if _, ok := leafOps[op]; !ok {
			return nil, perrors.New(perrors.KindValidation, fmt.Sprintf("unknown operator %q", op), nil)
		}
		leaves = append(leaves, Leaf{Field: field, Op: op, Value: opVal})
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].(Leaf).Op < leaves[j].(Leaf).Op })
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return And{Clauses: leaves}, nil
}

// Resolver lets Match follow ref/inverse fields without the predicate
// package needing to know how relations or snapshots are represented.
type Resolver interface {
	ResolveRef(field string, e pschema.Entity) (pschema.Entity, bool)
	ResolveInverse(field string, e pschema.Entity) []pschema.Entity
}

// SearchResolver is an optional capability a Resolver may also implement,
// letting a $search clause with no explicit field list consult the
// collection's maintained tokenized index instead of re-tokenizing every
// candidate entity's string fields at match time.
type SearchResolver interface {
	ResolveSearch(query string) map[string]struct{}
}

// Match evaluates node against e. resolver may be nil if the where-clause
// has no Rel/RelMany nodes.
func Match(node Node, e pschema.Entity, resolver Resolver) (bool, error) {
	switch n := node.(type) {
	case And:
		for _, c := range n.Clauses {
			ok, err := Match(c, e, resolver)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case Or:
		for _, c := range n.Clauses {
			ok, err := Match(c, e, resolver)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		ok, err := Match(n.Clause, e, resolver)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case Leaf:
		return matchLeaf(n, e)
	case Rel:
		if resolver == nil {
			return false, perrors.New(perrors.KindPopulation, "ref predicate requires a resolver", map[string]any{"field": n.Field})
		}
		target, ok := resolver.ResolveRef(n.Field, e)
		if !ok {
			return false, nil
		}
		return Match(n.Where, target, resolver)
	case RelMany:
		if resolver == nil {
			return false, perrors.New(perrors.KindPopulation, "inverse predicate requires a resolver", map[string]any{"field": n.Field})
		}
		related := resolver.ResolveInverse(n.Field, e)
		switch n.Mode {
		case RelSome:
			for _, r := range related {
				ok, err := Match(n.Where, r, resolver)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case RelEvery:
			for _, r := range related {
				ok, err := Match(n.Where, r, resolver)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		case RelNone:
			for _, r := range related {
				ok, err := Match(n.Where, r, resolver)
				if err != nil {
					return false, err
				}
				if ok {
					return false, nil
				}
			}
			return true, nil
		}
		return false, perrors.New(perrors.KindValidation, "unknown relation quantifier", map[string]any{"mode": n.Mode})
	case SearchClause:
		return matchSearch(n, e, resolver)
	default:
		return false, perrors.New(perrors.KindValidation, "unrecognized predicate node", nil)
	}
}

func matchSearch(n SearchClause, e pschema.Entity, resolver Resolver) (bool, error) {
	if len(n.Fields) == 0 {
		if sr, ok := resolver.(SearchResolver); ok {
			id, _ := e["id"].(string)
			_, matched := sr.ResolveSearch(n.Query)[id]
			return matched, nil
		}
	}

	fields := n.Fields
	if len(fields) == 0 {
		fields = make([]string, 0, len(e))
		for k, v := range e {
			if _, ok := v.(string); ok {
				fields = append(fields, k)
			}
		}
	}
	queryTokens := index.Tokenize(n.Query)
	if len(queryTokens) == 0 {
		return true, nil
	}

	haystack := make(map[string]struct{})
	for _, f := range fields {
		s, _ := e[f].(string)
		for _, tok := range index.Tokenize(s) {
			haystack[tok] = struct{}{}
		}
	}
	for _, tok := range queryTokens {
		if _, ok := haystack[tok]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchLeaf(l Leaf, e pschema.Entity) (bool, error) {
	actual, present := e[l.Field]
	switch l.Op {
	case "$eq":
		return present && looseEqual(actual, l.Value), nil
	case "$ne":
		return !present || !looseEqual(actual, l.Value), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		return compareOp(l.Op, actual, l.Value)
	case "$in":
		items, ok := l.Value.([]any)
		if !ok {
			return false, perrors.New(perrors.KindValidation, "$in requires an array", nil)
		}
		for _, item := range items {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		items, ok := l.Value.([]any)
		if !ok {
			return false, perrors.New(perrors.KindValidation, "$nin requires an array", nil)
		}
		for _, item := range items {
			if looseEqual(actual, item) {
				return false, nil
			}
		}
		return true, nil
	case "$startsWith":
		s, ok := actual.(string)
		want, _ := l.Value.(string)
		return ok && strings.HasPrefix(s, want), nil
	case "$endsWith":
		s, ok := actual.(string)
		want, _ := l.Value.(string)
		return ok && strings.HasSuffix(s, want), nil
	case "$contains":
		switch av := actual.(type) {
		case string:
			want, _ := l.Value.(string)
			return strings.Contains(av, want), nil
		case []any:
			for _, item := range av {
				if looseEqual(item, l.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	case "$all":
		arr, ok := actual.([]any)
		if !ok {
			return false, nil
		}
		want, ok := l.Value.([]any)
		if !ok {
			return false, perrors.New(perrors.KindValidation, "$all requires an array", nil)
		}
		for _, w := range want {
			found := false
			for _, item := range arr {
				if looseEqual(item, w) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case "$size":
		arr, ok := actual.([]any)
		if !ok {
			return false, nil
		}
		n, ok := asFloat(l.Value)
		if !ok {
			return false, perrors.New(perrors.KindValidation, "$size requires a number", nil)
		}
		return float64(len(arr)) == n, nil
	default:
		return false, perrors.New(perrors.KindValidation, fmt.Sprintf("unknown operator %q", l.Op), nil)
	}
}

func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareOp(op string, a, b any) (bool, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch op {
		case "$gt":
			return af > bf, nil
		case "$gte":
			return af >= bf, nil
		case "$lt":
			return af < bf, nil
		case "$lte":
			return af <= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "$gt":
			return as > bs, nil
		case "$gte":
			return as >= bs, nil
		case "$lt":
			return as < bs, nil
		case "$lte":
			return as <= bs, nil
		}
	}
	return false, perrors.New(perrors.KindValidation, "incomparable operand types", map[string]any{"op": op})
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
