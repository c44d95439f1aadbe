package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonwjackson/proseql/internal/codec"
	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

func identityDecode(raw map[string]any) (pschema.Entity, error) {
	return pschema.Entity(raw), nil
}

func TestLoadMissingFileYieldsEmptyCollection(t *testing.T) {
	reg := codec.NewRegistry()
	entities, err := Load(filepath.Join(t.TempDir(), "books.json"), reg, 1, nil, identityDecode)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")

	err := Save(path, reg, 1, map[string]any{
		"a": map[string]any{"title": "Dune"},
	})
	require.NoError(t, err)

	entities, err := Load(path, reg, 1, nil, identityDecode)
	require.NoError(t, err)
	require.Contains(t, entities, "a")
	assert.Equal(t, "Dune", entities["a"]["title"])
}

func TestSaveKeepsVersionFirstAheadOfDigitLeadingIDs(t *testing.T) {
	reg := codec.NewRegistry()
	for _, ext := range []string{".json", ".yaml", ".toml"} {
		path := filepath.Join(t.TempDir(), "books"+ext)
		err := Save(path, reg, 3, map[string]any{
			"0000000000001-a": map[string]any{"title": "Dune"},
			"ABCDEFGHJKMNPQ":  map[string]any{"title": "ulid-shaped"},
		})
		require.NoError(t, err)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		content := string(raw)

		versionIdx := strings.Index(content, "_version")
		require.NotEqual(t, -1, versionIdx, "%s: _version missing", ext)
		for _, id := range []string{"0000000000001-a", "ABCDEFGHJKMNPQ"} {
			idIdx := strings.Index(content, id)
			require.NotEqual(t, -1, idIdx, "%s: id %s missing", ext, id)
			assert.Less(t, versionIdx, idIdx, "%s: _version must precede %s", ext, id)
		}
	}
}

func TestLoadRejectsDowngrade(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, Save(path, reg, 5, map[string]any{}))

	_, err := Load(path, reg, 2, nil, identityDecode)
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindMigration))
}

func TestLoadAppliesForwardMigrationAndWritesBack(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, Save(path, reg, 1, map[string]any{
		"a": map[string]any{"name": "Dune"},
	}))

	migrations := []Migration{
		{From: 1, To: 2, Transform: func(raw map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(raw))
			for id, v := range raw {
				e := v.(map[string]any)
				out[id] = map[string]any{"title": e["name"]}
			}
			return out, nil
		}},
	}

	entities, err := Load(path, reg, 2, migrations, identityDecode)
	require.NoError(t, err)
	assert.Equal(t, "Dune", entities["a"]["title"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"title"`)
	assert.Contains(t, string(raw), `"_version": 2`)
}

func TestLoadMissingMigrationStepErrors(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, Save(path, reg, 1, map[string]any{}))

	_, err := Load(path, reg, 3, nil, identityDecode)
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindMigration))
}

func TestLoadLeavesFileUnmodifiedWhenPostMigrationValidationFails(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, Save(path, reg, 1, map[string]any{
		"a": map[string]any{"name": "Dune"},
	}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	migrations := []Migration{
		{From: 1, To: 2, Transform: func(raw map[string]any) (map[string]any, error) { return raw, nil }},
	}
	failingDecode := func(raw map[string]any) (pschema.Entity, error) {
		return nil, perrors.New(perrors.KindValidation, "missing field", nil)
	}

	_, err = Load(path, reg, 2, migrations, failingDecode)
	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindMigration))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestWriterDebouncesAndCoalescesWrites(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	w := NewWriter(reg, 20*time.Millisecond)
	defer w.Close()

	w.Write(path, 1, map[string]any{"a": map[string]any{"title": "v1"}})
	w.Write(path, 1, map[string]any{"a": map[string]any{"title": "v2"}})

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "write should not have happened yet")

	time.Sleep(60 * time.Millisecond)

	entities, err := Load(path, reg, 1, nil, identityDecode)
	require.NoError(t, err)
	assert.Equal(t, "v2", entities["a"]["title"])
}

func TestWriterFlushForcesImmediateWrite(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	w := NewWriter(reg, time.Hour)
	defer w.Close()

	w.Write(path, 1, map[string]any{"a": map[string]any{"title": "v1"}})
	require.NoError(t, w.Flush(path))

	entities, err := Load(path, reg, 1, nil, identityDecode)
	require.NoError(t, err)
	assert.Equal(t, "v1", entities["a"]["title"])
}

func TestAtomicWriteLeavesNoTempFileBehind(t *testing.T) {
	reg := codec.NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "books.json")
	require.NoError(t, Save(path, reg, 1, map[string]any{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "books.json", entries[0].Name())
}

func TestFileWatcherSynthesizesEventsOnExternalEdit(t *testing.T) {
	reg := codec.NewRegistry()
	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, Save(path, reg, 1, map[string]any{
		"a": map[string]any{"title": "Dune"},
	}))

	initial, err := Load(path, reg, 1, nil, identityDecode)
	require.NoError(t, err)

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(16, nil)
	defer unsubscribe()

	reload := func(p string) (map[string]pschema.Entity, error) {
		return Load(p, reg, 1, nil, identityDecode)
	}
	fw, err := WatchFile(bus, "books", path, initial, reload)
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, Save(path, reg, 1, map[string]any{
		"a": map[string]any{"title": "Dune Messiah"},
		"b": map[string]any{"title": "Children of Dune"},
	}))

	seen := map[string]eventbus.Event{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-events:
			seen[e.ID] = e
		case <-timeout:
			t.Fatal("expected two synthesized events")
		}
	}
	assert.Equal(t, eventbus.Update, seen["a"].Kind)
	assert.Equal(t, eventbus.Create, seen["b"].Kind)
}
