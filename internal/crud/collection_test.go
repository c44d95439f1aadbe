package crud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/idgen"
	"github.com/simonwjackson/proseql/internal/lifecycle"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/simonwjackson/proseql/internal/relation"
)

func bookSchema() *pschema.Schema {
	return pschema.New(1, []pschema.Field{
		{Name: "id", Kind: pschema.KindString},
		{Name: "title", Kind: pschema.KindString},
		{Name: "authorId", Kind: pschema.KindString, Optional: true},
		{Name: "createdAt", Kind: pschema.KindAny},
		{Name: "updatedAt", Kind: pschema.KindAny},
	})
}

func authorSchema() *pschema.Schema {
	return pschema.New(1, []pschema.Field{
		{Name: "id", Kind: pschema.KindString},
		{Name: "name", Kind: pschema.KindString},
		{Name: "email", Kind: pschema.KindString, Optional: true},
		{Name: "createdAt", Kind: pschema.KindAny},
		{Name: "updatedAt", Kind: pschema.KindAny},
	})
}

func newLibrary(t *testing.T) (*Registry, *Collection, *Collection, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	reg := NewRegistry()

	authors := New(Config{
		Name:              "authors",
		Schema:            authorSchema(),
		UniqueConstraints: [][]string{{"email"}},
		IDFlavor:          idgen.FlavorPrefixed,
		IDPrefix:          "author",
	}, bus)

	books := New(Config{
		Name:   "books",
		Schema: bookSchema(),
		Relationships: []relation.Config{
			{Name: "author", Kind: relation.Ref, Target: "authors", ForeignKey: "authorId", OnDelete: relation.Restrict},
		},
		IndexedFields: []string{"authorId"},
		IDFlavor:      idgen.FlavorPrefixed,
		IDPrefix:      "book",
	}, bus)

	reg.Register(authors)
	reg.Register(books)
	return reg, books, authors, bus
}

func TestCreateSynthesizesIDAndTimestamps(t *testing.T) {
	_, books, _, _ := newLibrary(t)
	e, err := books.Create(context.Background(), map[string]any{"title": "Dune"})
	require.NoError(t, err)
	assert.NotEmpty(t, e["id"])
	assert.NotNil(t, e["createdAt"])
	assert.NotNil(t, e["updatedAt"])
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	_, books, _, _ := newLibrary(t)
	_, err := books.Create(context.Background(), map[string]any{"id": "b1", "title": "Dune"})
	require.NoError(t, err)
	_, err = books.Create(context.Background(), map[string]any{"id": "b1", "title": "Dune Messiah"})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindDuplicateKey))
}

func TestCreateEnforcesForeignKey(t *testing.T) {
	_, books, _, _ := newLibrary(t)
	_, err := books.Create(context.Background(), map[string]any{"title": "Dune", "authorId": "missing"})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindForeignKey))
}

func TestCreateEnforcesUniqueConstraint(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	ctx := context.Background()
	_, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)
	_, err = authors.Create(ctx, map[string]any{"name": "Imposter", "email": "fh@example.com"})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindUniqueConstraint))
}

func TestCreateManySkipDuplicatesCollectsFailures(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	ctx := context.Background()
	created, skipped, err := authors.CreateMany(ctx, []map[string]any{
		{"name": "Herbert", "email": "fh@example.com"},
		{"name": "Imposter", "email": "fh@example.com"},
		{"name": "Asimov", "email": "asimov@example.com"},
	}, CreateOptions{SkipDuplicates: true})
	require.NoError(t, err)
	assert.Len(t, created, 2)
	require.Len(t, skipped, 1)
	assert.True(t, perrors.IsKind(skipped[0].Reason, perrors.KindUniqueConstraint))
}

func TestCreateManyAbortsAtomicallyWithoutSkipDuplicates(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	ctx := context.Background()
	_, _, err := authors.CreateMany(ctx, []map[string]any{
		{"name": "Herbert", "email": "fh@example.com"},
		{"name": "Imposter", "email": "fh@example.com"},
	}, CreateOptions{})
	require.Error(t, err)

	res, err := authors.Query(pipeline.Query{})
	require.NoError(t, err)
	assert.Empty(t, res.Items, "a failed batch must leave no partial rows installed")
}

func TestUpdateMergesAndBumpsUpdatedAt(t *testing.T) {
	_, books, _, _ := newLibrary(t)
	ctx := context.Background()
	created, err := books.Create(ctx, map[string]any{"title": "Dune"})
	require.NoError(t, err)

	later := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	books.now = func() time.Time { return later }

	updated, err := books.Update(ctx, created["id"].(string), map[string]any{"title": "Dune Messiah"})
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated["title"])
	assert.Equal(t, created["id"], updated["id"])
	assert.Equal(t, created["createdAt"], updated["createdAt"])
	assert.Equal(t, later, updated["updatedAt"])
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	_, books, _, _ := newLibrary(t)
	_, err := books.Update(context.Background(), "nope", map[string]any{"title": "x"})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindNotFound))
}

func TestDeleteRestrictedByReferencingRow(t *testing.T) {
	reg, books, authors, _ := newLibrary(t)
	_ = reg
	ctx := context.Background()
	author, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)
	_, err = books.Create(ctx, map[string]any{"title": "Dune", "authorId": author["id"]})
	require.NoError(t, err)

	err = authors.Delete(ctx, author["id"].(string))
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindForeignKey))
}

func TestDeleteWithRelationshipsSetNull(t *testing.T) {
	reg, books, authors, _ := newLibrary(t)
	_ = reg
	books.rels[0].OnDelete = relation.SetNull
	ctx := context.Background()
	author, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)
	book, err := books.Create(ctx, map[string]any{"title": "Dune", "authorId": author["id"]})
	require.NoError(t, err)

	err = authors.DeleteWithRelationships(ctx, author["id"].(string), []string{"author"})
	require.NoError(t, err)

	got, ok := books.Get(book["id"].(string))
	require.True(t, ok)
	assert.Nil(t, got["authorId"])
}

func TestDeleteWithRelationshipsRestrictLeavesStateUnchanged(t *testing.T) {
	reg, books, authors, _ := newLibrary(t)
	_ = reg
	ctx := context.Background()
	author, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)
	_, err = books.Create(ctx, map[string]any{"title": "Dune", "authorId": author["id"]})
	require.NoError(t, err)

	err = authors.DeleteWithRelationships(ctx, author["id"].(string), []string{"author"})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindValidation))

	_, stillExists := authors.Get(author["id"].(string))
	assert.True(t, stillExists)
}

func TestUpsertCreatesWhenNoMatch(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	ctx := context.Background()
	e, err := authors.Upsert(ctx, UpsertSpec{
		Where:  map[string]any{"email": "fh@example.com"},
		Create: map[string]any{"name": "Herbert", "email": "fh@example.com"},
		Update: map[string]any{"name": "Herbert Jr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Herbert", e["name"])
}

func TestUpsertUpdatesWhenMatchFound(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	ctx := context.Background()
	_, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)

	e, err := authors.Upsert(ctx, UpsertSpec{
		Where:  map[string]any{"email": "fh@example.com"},
		Create: map[string]any{"name": "Herbert", "email": "fh@example.com"},
		Update: map[string]any{"name": "Herbert Sr"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Herbert Sr", e["name"])
}

func TestUpsertRejectsWhereNotCoveringUniqueOrID(t *testing.T) {
	_, _, authors, _ := newLibrary(t)
	_, err := authors.Upsert(context.Background(), UpsertSpec{
		Where:  map[string]any{"name": "Herbert"},
		Create: map[string]any{"name": "Herbert"},
		Update: map[string]any{"name": "Herbert Jr"},
	})
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindValidation))
}

func TestCreateWithRelationshipsConnect(t *testing.T) {
	_, books, authors, _ := newLibrary(t)
	ctx := context.Background()
	author, err := authors.Create(ctx, map[string]any{"name": "Herbert", "email": "fh@example.com"})
	require.NoError(t, err)

	book, err := books.CreateWithRelationships(ctx, map[string]any{
		"title": "Dune",
		"author": map[string]any{
			"$connect": map[string]any{"id": author["id"]},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, author["id"], book["authorId"])
}

func TestCreateWithRelationshipsNestedCreate(t *testing.T) {
	_, books, authors, _ := newLibrary(t)
	ctx := context.Background()

	book, err := books.CreateWithRelationships(ctx, map[string]any{
		"title": "Dune",
		"author": map[string]any{
			"$create": map[string]any{"name": "Herbert", "email": "fh2@example.com"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, book["authorId"])

	_, ok := authors.Get(book["authorId"].(string))
	assert.True(t, ok)
}

func TestEventBusReceivesCreateAndDeleteEvents(t *testing.T) {
	_, books, _, bus := newLibrary(t)
	events, unsubscribe := bus.Subscribe(16, nil)
	defer unsubscribe()

	ctx := context.Background()
	e, err := books.Create(ctx, map[string]any{"title": "Dune"})
	require.NoError(t, err)
	first := <-events
	assert.Equal(t, eventbus.Create, first.Kind)

	require.NoError(t, books.Delete(ctx, e["id"].(string)))
	second := <-events
	assert.Equal(t, eventbus.Delete, second.Kind)
}

func TestLifecycleBeforeCreateHookCanTransform(t *testing.T) {
	bus := eventbus.New()
	reg := NewRegistry()
	books := New(Config{
		Name:   "books",
		Schema: bookSchema(),
		Hooks: lifecycle.Hooks{
			BeforeCreate: []lifecycle.BeforeHook{
				func(ctx context.Context, e pschema.Entity) (pschema.Entity, error) {
					e["title"] = "[book] " + e["title"].(string)
					return e, nil
				},
			},
		},
	}, bus)
	reg.Register(books)

	e, err := books.Create(context.Background(), map[string]any{"title": "Dune"})
	require.NoError(t, err)
	assert.Equal(t, "[book] Dune", e["title"])
}
