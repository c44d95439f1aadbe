package pschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookSchema() *Schema {
	return New(1, []Field{
		{Name: "title", Kind: KindString},
		{Name: "year", Kind: KindNumber},
		{Name: "genre", Kind: KindString},
		{Name: "tags", Kind: KindArray, Optional: true, Elem: &Field{Kind: KindString}},
		{Name: "rating", Kind: KindNumber, Optional: true, Transform: NumberAsString{}},
	})
}

func TestDecodeValid(t *testing.T) {
	s := bookSchema()
	e, err := s.Decode(map[string]any{"title": "Dune", "year": 1965, "genre": "sci-fi"})
	require.NoError(t, err)
	assert.Equal(t, "Dune", e["title"])
}

func TestDecodeMissingRequired(t *testing.T) {
	s := bookSchema()
	_, err := s.Decode(map[string]any{"title": "Dune"})
	require.Error(t, err)
}

func TestDecodeWrongType(t *testing.T) {
	s := bookSchema()
	_, err := s.Decode(map[string]any{"title": "Dune", "year": "not a number", "genre": "sci-fi"})
	require.Error(t, err)
}

func TestTransformRoundTrip(t *testing.T) {
	s := bookSchema()
	e, err := s.Decode(map[string]any{"title": "Dune", "year": 1965, "genre": "sci-fi", "rating": "9.5"})
	require.NoError(t, err)
	assert.Equal(t, 9.5, e["rating"])

	encoded, err := s.Encode(e)
	require.NoError(t, err)
	assert.Equal(t, "9.5", encoded["rating"])
}

func TestValidateAfterSynthesis(t *testing.T) {
	s := New(1, []Field{
		{Name: "title", Kind: KindString},
		{Name: "createdAt", Kind: KindString},
	})
	e := Entity{"title": "Dune", "createdAt": "2026-01-01T00:00:00Z"}
	require.NoError(t, s.Validate(e))
}

func TestSoftDeleteDetection(t *testing.T) {
	s := New(1, []Field{
		{Name: "title", Kind: KindString},
		{Name: "deletedAt", Kind: KindString, Optional: true},
	})
	assert.True(t, s.SoftDelete)
}

func TestArrayElementValidation(t *testing.T) {
	s := bookSchema()
	_, err := s.Decode(map[string]any{
		"title": "Dune", "year": 1965, "genre": "sci-fi",
		"tags": []any{"classic", 42},
	})
	require.Error(t, err)
}
