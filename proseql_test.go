package proseql

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoAuthorSchema() *Schema {
	return NewSchema(1, []Field{
		{Name: "id", Kind: FieldKindString},
		{Name: "name", Kind: FieldKindString},
		{Name: "createdAt", Kind: FieldKindAny},
		{Name: "updatedAt", Kind: FieldKindAny},
	})
}

func demoBookSchema() *Schema {
	return NewSchema(1, []Field{
		{Name: "id", Kind: FieldKindString},
		{Name: "title", Kind: FieldKindString},
		{Name: "authorId", Kind: FieldKindString, Optional: true},
		{Name: "createdAt", Kind: FieldKindAny},
		{Name: "updatedAt", Kind: FieldKindAny},
	})
}

func TestDefineCollectionRejectsDuplicateName(t *testing.T) {
	db := Open(Options{})
	defer db.Close()

	_, err := db.DefineCollection(CollectionConfig{Name: "authors", Schema: demoAuthorSchema()})
	require.NoError(t, err)

	_, err = db.DefineCollection(CollectionConfig{Name: "authors", Schema: demoAuthorSchema()})
	require.Error(t, err)
}

func TestCollectionsReturnsDeclarationOrder(t *testing.T) {
	db := Open(Options{})
	defer db.Close()

	_, err := db.DefineCollection(CollectionConfig{Name: "authors", Schema: demoAuthorSchema()})
	require.NoError(t, err)
	_, err = db.DefineCollection(CollectionConfig{Name: "books", Schema: demoBookSchema()})
	require.NoError(t, err)

	assert.Equal(t, []string{"authors", "books"}, db.Collections())
}

func TestRelationshipForeignKeyDefaultsAndCascades(t *testing.T) {
	db := Open(Options{})
	defer db.Close()
	ctx := context.Background()

	authors, err := db.DefineCollection(CollectionConfig{Name: "authors", Schema: demoAuthorSchema()})
	require.NoError(t, err)
	books, err := db.DefineCollection(CollectionConfig{
		Name:   "books",
		Schema: demoBookSchema(),
		Relationships: []RelationConfig{
			{Name: "author", Kind: KindRef, Target: "authors", OnDelete: SetNull},
		},
		Indexes: []string{"authorId"},
	})
	require.NoError(t, err)

	author, err := authors.Create(ctx, map[string]any{"name": "Herbert"})
	require.NoError(t, err)
	book, err := books.Create(ctx, map[string]any{"title": "Dune", "authorId": author["id"]})
	require.NoError(t, err)

	require.NoError(t, authors.DeleteWithRelationships(ctx, author["id"].(string), []string{"author"}))

	got, ok := books.Get(book["id"].(string))
	require.True(t, ok)
	assert.Nil(t, got["authorId"])
}

func TestFileBackedCollectionRoundTripsThroughClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authors.json")

	db := Open(Options{Debounce: 5 * time.Millisecond})
	authors, err := db.DefineCollection(CollectionConfig{
		Name:   "authors",
		Schema: demoAuthorSchema(),
		File:   path,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = authors.Create(ctx, map[string]any{"name": "Herbert"})
	require.NoError(t, err)

	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "_version")

	db2 := Open(Options{})
	defer db2.Close()
	reopened, err := db2.DefineCollection(CollectionConfig{
		Name:   "authors",
		Schema: demoAuthorSchema(),
		File:   path,
	})
	require.NoError(t, err)

	res, err := reopened.Query(Query{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Herbert", res.Items[0]["name"])
}

func TestWatchEmitsOnCreate(t *testing.T) {
	db := Open(Options{})
	defer db.Close()
	authors, err := db.DefineCollection(CollectionConfig{Name: "authors", Schema: demoAuthorSchema()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := authors.Watch(ctx, Query{}, 5*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	first := <-w.Results()
	assert.Empty(t, first.Items)

	_, err = authors.Create(context.Background(), map[string]any{"name": "Herbert"})
	require.NoError(t, err)

	select {
	case result := <-w.Results():
		assert.Len(t, result.Items, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch update")
	}
}
