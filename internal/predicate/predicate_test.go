package predicate

import (
	"testing"

	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dune() pschema.Entity {
	return pschema.Entity{
		"title": "Dune", "year": float64(1965), "genre": "sci-fi",
		"tags": []any{"classic", "epic"},
	}
}

func matchWhere(t *testing.T, where map[string]any, e pschema.Entity) bool {
	t.Helper()
	node, err := Parse(where)
	require.NoError(t, err)
	ok, err := Match(node, e, nil)
	require.NoError(t, err)
	return ok
}

func TestBareValueIsEq(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"title": "Dune"}, dune()))
	assert.False(t, matchWhere(t, map[string]any{"title": "Hyperion"}, dune()))
}

func TestImplicitAnd(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"title": "Dune", "genre": "sci-fi"}, dune()))
	assert.False(t, matchWhere(t, map[string]any{"title": "Dune", "genre": "fantasy"}, dune()))
}

func TestComparisonOperators(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"year": map[string]any{"$gt": float64(1960)}}, dune()))
	assert.False(t, matchWhere(t, map[string]any{"year": map[string]any{"$gt": float64(2000)}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"year": map[string]any{"$lte": float64(1965)}}, dune()))
}

func TestInNin(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"genre": map[string]any{"$in": []any{"sci-fi", "fantasy"}}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"genre": map[string]any{"$nin": []any{"fantasy"}}}, dune()))
}

func TestStringOps(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"title": map[string]any{"$startsWith": "Du"}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"title": map[string]any{"$endsWith": "ne"}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"title": map[string]any{"$contains": "un"}}, dune()))
}

func TestArrayOps(t *testing.T) {
	assert.True(t, matchWhere(t, map[string]any{"tags": map[string]any{"$contains": "epic"}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"tags": map[string]any{"$all": []any{"classic", "epic"}}}, dune()))
	assert.False(t, matchWhere(t, map[string]any{"tags": map[string]any{"$all": []any{"classic", "missing"}}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"tags": map[string]any{"$size": float64(2)}}, dune()))
}

func TestAndOrNot(t *testing.T) {
	where := map[string]any{"$or": []any{
		map[string]any{"title": "Hyperion"},
		map[string]any{"genre": "sci-fi"},
	}}
	assert.True(t, matchWhere(t, where, dune()))

	assert.False(t, matchWhere(t, map[string]any{"$or": []any{}}, dune()))
	assert.True(t, matchWhere(t, map[string]any{"$and": []any{}}, dune()))

	notWhere := map[string]any{"$not": map[string]any{"title": "Hyperion"}}
	assert.True(t, matchWhere(t, notWhere, dune()))
}

func TestSearchAcrossAllStringFields(t *testing.T) {
	where := map[string]any{"$search": map[string]any{"query": "sci-fi epic"}}
	node, err := Parse(where)
	require.NoError(t, err)
	ok, err := Match(node, dune(), nil)
	require.NoError(t, err)
	assert.False(t, ok, "epic is an array element, not a string field, so it should not match via $search")

	where2 := map[string]any{"$search": map[string]any{"query": "dune sci"}}
	node2, err := Parse(where2)
	require.NoError(t, err)
	ok2, err := Match(node2, dune(), nil)
	require.NoError(t, err)
	assert.True(t, ok2)
}

type fakeResolver struct {
	refs     map[string]pschema.Entity
	inverses map[string][]pschema.Entity
}

func (f fakeResolver) ResolveRef(field string, e pschema.Entity) (pschema.Entity, bool) {
	v, ok := f.refs[field]
	return v, ok
}

func (f fakeResolver) ResolveInverse(field string, e pschema.Entity) []pschema.Entity {
	return f.inverses[field]
}

func TestRelNestedWhere(t *testing.T) {
	resolver := fakeResolver{refs: map[string]pschema.Entity{
		"author": {"name": "Frank Herbert"},
	}}
	where := map[string]any{"author": map[string]any{"name": "Frank Herbert"}}
	node, err := Parse(where)
	require.NoError(t, err)
	ok, err := Match(node, dune(), resolver)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelManySomeEveryNone(t *testing.T) {
	resolver := fakeResolver{inverses: map[string][]pschema.Entity{
		"reviews": {
			{"rating": float64(5)},
			{"rating": float64(3)},
		},
	}}
	someWhere := map[string]any{"reviews": map[string]any{"$some": map[string]any{"rating": map[string]any{"$gte": float64(5)}}}}
	node, err := Parse(someWhere)
	require.NoError(t, err)
	ok, err := Match(node, dune(), resolver)
	require.NoError(t, err)
	assert.True(t, ok)

	everyWhere := map[string]any{"reviews": map[string]any{"$every": map[string]any{"rating": map[string]any{"$gte": float64(5)}}}}
	node2, err := Parse(everyWhere)
	require.NoError(t, err)
	ok2, err := Match(node2, dune(), resolver)
	require.NoError(t, err)
	assert.False(t, ok2)

	noneWhere := map[string]any{"reviews": map[string]any{"$none": map[string]any{"rating": map[string]any{"$lt": float64(1)}}}}
	node3, err := Parse(noneWhere)
	require.NoError(t, err)
	ok3, err := Match(node3, dune(), resolver)
	require.NoError(t, err)
	assert.True(t, ok3)
}
