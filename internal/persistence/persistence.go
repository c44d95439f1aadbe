// Package persistence implements version-stamped collection files, forward
// migrations, a debounced coalescing writer, atomic rename-based writes,
// and a file watcher that turns external edits into change-bus events.
// Load/Save read and write files directly with a small struct contract,
// bypassing any singleton config object; the debounced writer uses
// golang.org/x/sync/singleflight to coalesce concurrent flush requests
// for the same path into a single write.
package persistence

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/simonwjackson/proseql/internal/codec"
	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// Migration transforms a collection's raw, undecoded object from one
// schema version to the next.
type Migration struct {
	From      int
	To        int
	Transform func(raw map[string]any) (map[string]any, error)
}

// versionKey is the reserved first key of every persisted collection
// object.
const versionKey = "_version"

// Load reads path, migrates its contents forward to declaredVersion if
// needed, and decodes every entity with decodeEntity. If migration ran,
// the migrated contents are written back atomically on successful
// decode; on decode failure the file on disk is left untouched and the
// error is tagged KindMigration. A missing file is not an error: it
// yields an empty collection.
func Load(path string, codecs *codec.Registry, declaredVersion int, migrations []Migration, decodeEntity func(raw map[string]any) (pschema.Entity, error)) (map[string]pschema.Entity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]pschema.Entity{}, nil
	}
	if err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "read collection file", err, map[string]any{"path": path})
	}

	c, err := codecs.For(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := c.Decode(data, &raw); err != nil {
		return nil, perrors.Wrap(perrors.KindSerialization, "decode collection file", err, map[string]any{"path": path})
	}

	version := 0
	if v, ok := raw[versionKey]; ok {
		version = toInt(v)
		delete(raw, versionKey)
	}

	if version > declaredVersion {
		return nil, perrors.New(perrors.KindMigration, "file version is newer than the declared schema; downgrades are not supported", map[string]any{
			"path": path, "fileVersion": version, "declaredVersion": declaredVersion,
		})
	}

	migrated := false
	if version < declaredVersion {
		next, err := applyMigrations(raw, version, declaredVersion, migrations)
		if err != nil {
			return nil, err
		}
		raw = next
		migrated = true
	}

	entities := make(map[string]pschema.Entity, len(raw))
	for id, rawEntity := range raw {
		entityMap, ok := rawEntity.(map[string]any)
		if !ok {
			return nil, perrors.New(perrors.KindSerialization, "entity is not an object", map[string]any{"path": path, "id": id})
		}
		e, err := decodeEntity(entityMap)
		if err != nil {
			if migrated {
				return nil, perrors.Wrap(perrors.KindMigration, "post-migration validation failed; file left unmodified", err, map[string]any{"path": path, "id": id})
			}
			return nil, perrors.Wrap(perrors.KindSerialization, "entity failed schema validation", err, map[string]any{"path": path, "id": id})
		}
		entities[id] = e
	}

	if migrated {
		if err := Save(path, codecs, declaredVersion, encodeAll(entities)); err != nil {
			return nil, err
		}
	}

	return entities, nil
}

func encodeAll(entities map[string]pschema.Entity) map[string]any {
	out := make(map[string]any, len(entities))
	for id, e := range entities {
		out[id] = map[string]any(e)
	}
	return out
}

// applyMigrations walks the migration chain from version up to
// declaredVersion, applying each matching step in sequence.
func applyMigrations(raw map[string]any, version, declaredVersion int, migrations []Migration) (map[string]any, error) {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	current := raw
	currentVersion := version
	for currentVersion < declaredVersion {
		var step *Migration
		for i := range sorted {
			if sorted[i].From == currentVersion {
				step = &sorted[i]
				break
			}
		}
		if step == nil {
			return nil, perrors.New(perrors.KindMigration, "no migration covers this version gap", map[string]any{
				"from": currentVersion, "to": declaredVersion,
			})
		}
		next, err := step.Transform(current)
		if err != nil {
			return nil, perrors.Wrap(perrors.KindMigration, "migration failed", err, map[string]any{"from": step.From, "to": step.To})
		}
		current = next
		currentVersion = step.To
	}
	return current, nil
}

// Save stamps version as the object's first key and writes it to path
// atomically. Entity ids can start with a digit (the default timestamp id
// flavor) or an uppercase letter (ulid), either of which sorts ahead of
// "_version" under plain byte-order map-key sorting, so the file is built
// as a codec.VersionedFile with an explicit key order instead of relying
// on that sort.
func Save(path string, codecs *codec.Registry, version int, entities map[string]any) error {
	c, err := codecs.For(path)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := c.Encode(codec.VersionedFile{
		VersionKey: versionKey,
		Version:    version,
		IDs:        ids,
		Entities:   entities,
	})
	if err != nil {
		return perrors.Wrap(perrors.KindSerialization, "encode collection file", err, map[string]any{"path": path})
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.Wrap(perrors.KindStorage, "create collection directory", err, map[string]any{"path": dir})
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return perrors.Wrap(perrors.KindStorage, "create temp file", err, map[string]any{"path": path})
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return perrors.Wrap(perrors.KindStorage, "write temp file", err, map[string]any{"path": path})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return perrors.Wrap(perrors.KindStorage, "close temp file", err, map[string]any{"path": path})
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return perrors.Wrap(perrors.KindStorage, "rename temp file into place", err, map[string]any{"path": path})
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// DefaultDebounce is the default write-coalescing window.
const DefaultDebounce = 50 * time.Millisecond

// pendingWrite holds the latest state queued for one file path.
type pendingWrite struct {
	mu      sync.Mutex
	timer   *time.Timer
	version int
	state   map[string]any
	pending bool
}

// Writer coalesces writes per file path behind a short debounce timer,
// using singleflight so a manual Flush racing the timer never double-writes.
type Writer struct {
	codecs   *codec.Registry
	debounce time.Duration

	mu      sync.Mutex
	files   map[string]*pendingWrite
	group   singleflight.Group
}

// NewWriter returns a Writer with the given debounce window (0 uses
// DefaultDebounce).
func NewWriter(codecs *codec.Registry, debounce time.Duration) *Writer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Writer{codecs: codecs, debounce: debounce, files: make(map[string]*pendingWrite)}
}

func (w *Writer) fileState(path string) *pendingWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	pw, ok := w.files[path]
	if !ok {
		pw = &pendingWrite{}
		w.files[path] = pw
	}
	return pw
}

// Write queues version/entities for path, refreshing the debounce timer.
// Concurrent calls for the same path coalesce to the last state queued.
func (w *Writer) Write(path string, version int, entities map[string]any) {
	pw := w.fileState(path)
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.version = version
	pw.state = entities
	pw.pending = true
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Flush(path)
	})
}

// Flush immediately writes path's queued state, if any, coalescing with
// any concurrent Flush/timer fire for the same path via singleflight.
func (w *Writer) Flush(path string) error {
	_, err, _ := w.group.Do(path, func() (any, error) {
		pw := w.fileState(path)
		pw.mu.Lock()
		if !pw.pending {
			pw.mu.Unlock()
			return nil, nil
		}
		version, state := pw.version, pw.state
		pw.pending = false
		if pw.timer != nil {
			pw.timer.Stop()
		}
		pw.mu.Unlock()

		return nil, Save(path, w.codecs, version, state)
	})
	return err
}

// Close flushes every file with pending writes.
func (w *Writer) Close() error {
	w.mu.Lock()
	paths := make([]string, 0, len(w.files))
	for p := range w.files {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := w.Flush(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileWatcher reloads a collection file when it changes on disk outside of
// the process, diffing the new snapshot against the previous one to
// synthesize create/update/delete events onto the change bus. Debounced
// on fsnotify.Write the same way a live-refreshing file-backed display
// would coalesce rapid successive writes.
type FileWatcher struct {
	watcher    *fsnotify.Watcher
	bus        *eventbus.Bus
	collection string
	path       string
	reload     func(path string) (map[string]pschema.Entity, error)
	debounce   time.Duration

	mu   sync.Mutex
	last map[string]pschema.Entity

	done chan struct{}
}

// WatchFile starts watching path's containing directory and reloads via
// reload whenever path itself is written to, dispatching synthesized
// create/update/delete events for collection on bus. initial is the
// snapshot already loaded at startup, used as the diff baseline.
func WatchFile(bus *eventbus.Bus, collection, path string, initial map[string]pschema.Entity, reload func(path string) (map[string]pschema.Entity, error)) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "create file watcher", err, map[string]any{"path": path})
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, perrors.Wrap(perrors.KindStorage, "watch collection directory", err, map[string]any{"path": dir})
	}

	fw := &FileWatcher{
		watcher:    w,
		bus:        bus,
		collection: collection,
		path:       path,
		reload:     reload,
		debounce:   DefaultDebounce,
		last:       cloneEntities(initial),
		done:       make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

// Close stops the watcher.
func (fw *FileWatcher) Close() error {
	close(fw.done)
	return fw.watcher.Close()
}

func (fw *FileWatcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-fw.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				timer.Reset(fw.debounce)
			}
			timerC = timer.C
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("proseql: file watcher error for %s: %v", fw.path, err)
		case <-timerC:
			timerC = nil
			fw.refresh()
		}
	}
}

func (fw *FileWatcher) refresh() {
	next, err := fw.reload(fw.path)
	if err != nil {
		log.Printf("proseql: reload failed for %s: %v", fw.path, err)
		return
	}

	fw.mu.Lock()
	prev := fw.last
	fw.last = cloneEntities(next)
	fw.mu.Unlock()

	ctx := context.Background()
	for id, after := range next {
		before, existed := prev[id]
		if !existed {
			fw.bus.Dispatch(ctx, eventbus.Event{Collection: fw.collection, Kind: eventbus.Create, ID: id, After: after})
			continue
		}
		if !entityEqual(before, after) {
			fw.bus.Dispatch(ctx, eventbus.Event{Collection: fw.collection, Kind: eventbus.Update, ID: id, Before: before, After: after})
		}
	}
	for id, before := range prev {
		if _, stillPresent := next[id]; !stillPresent {
			fw.bus.Dispatch(ctx, eventbus.Event{Collection: fw.collection, Kind: eventbus.Delete, ID: id, Before: before})
		}
	}
}

func cloneEntities(src map[string]pschema.Entity) map[string]pschema.Entity {
	out := make(map[string]pschema.Entity, len(src))
	for id, e := range src {
		out[id] = e
	}
	return out
}

func entityEqual(a, b pschema.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || !valueEqual(v, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		return entityEqual(pschema.Entity(am), pschema.Entity(bm))
	}
	as, aok2 := a.([]any)
	bs, bok2 := b.([]any)
	if aok2 && bok2 {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valueEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
