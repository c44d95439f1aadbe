package index

import (
	"errors"
	"testing"

	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldIndexSetAndLookup(t *testing.T) {
	fi := NewFieldIndex()
	fi.Set("1", nil, "sci-fi")
	fi.Set("2", nil, "sci-fi")
	ids := fi.Lookup("sci-fi")
	assert.Len(t, ids, 2)
}

func TestFieldIndexUpdateMovesID(t *testing.T) {
	fi := NewFieldIndex()
	fi.Set("1", nil, "sci-fi")
	fi.Set("1", "sci-fi", "fantasy")
	assert.Len(t, fi.Lookup("sci-fi"), 0)
	assert.Len(t, fi.Lookup("fantasy"), 1)
}

func TestFieldIndexNumericNormalization(t *testing.T) {
	fi := NewFieldIndex()
	fi.Set("1", nil, 1965)
	assert.Len(t, fi.Lookup(float64(1965)), 1)
}

func TestUniqueConstraintViolation(t *testing.T) {
	u := NewUnique([]string{"isbn"})
	e1 := pschema.Entity{"isbn": "123"}
	require.NoError(t, u.Check(e1, ""))
	require.NoError(t, u.Reserve("1", nil, e1))

	e2 := pschema.Entity{"isbn": "123"}
	err := u.Check(e2, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrUniqueConstraint))
}

func TestUniqueConstraintExcludeSelfDuringUpdate(t *testing.T) {
	u := NewUnique([]string{"isbn"})
	e1 := pschema.Entity{"isbn": "123"}
	require.NoError(t, u.Reserve("1", nil, e1))
	require.NoError(t, u.Check(e1, "1"))
}

func TestUniqueConstraintSkipsNulls(t *testing.T) {
	u := NewUnique([]string{"isbn"})
	require.NoError(t, u.Reserve("1", nil, pschema.Entity{"isbn": nil}))
	require.NoError(t, u.Reserve("2", nil, pschema.Entity{"isbn": nil}))
}

func TestUniqueConstraintReleaseFreesKey(t *testing.T) {
	u := NewUnique([]string{"isbn"})
	e1 := pschema.Entity{"isbn": "123"}
	require.NoError(t, u.Reserve("1", nil, e1))
	u.Release("1", e1)
	require.NoError(t, u.Check(pschema.Entity{"isbn": "123"}, ""))
}

func TestCompoundUnique(t *testing.T) {
	u := NewUnique([]string{"author", "title"})
	e1 := pschema.Entity{"author": "Herbert", "title": "Dune"}
	require.NoError(t, u.Reserve("1", nil, e1))
	err := u.Check(pschema.Entity{"author": "Herbert", "title": "Dune"}, "")
	require.Error(t, err)
	require.NoError(t, u.Check(pschema.Entity{"author": "Herbert", "title": "Dune Messiah"}, ""))
}

func TestTokenizeDropsStopWordsAndLowercases(t *testing.T) {
	tokens := Tokenize("The Spice Must Flow")
	assert.Equal(t, []string{"flow", "must", "spice"}, tokens)
}

func TestSearchIndexAndQuery(t *testing.T) {
	s := NewSearch()
	s.Index("1", "Dune is a science fiction epic")
	s.Index("2", "A Song of Ice and Fire")
	ids := s.Query("science fiction")
	assert.Len(t, ids, 1)
	_, ok := ids["1"]
	assert.True(t, ok)
}

func TestSearchRemove(t *testing.T) {
	s := NewSearch()
	text := "Dune is a science fiction epic"
	s.Index("1", text)
	s.Remove("1", text)
	assert.Len(t, s.Query("science"), 0)
}
