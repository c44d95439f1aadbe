// Package storagefs is a thin filesystem capability set: read, write,
// exists, remove, ensure_dir, and watch. Raw os calls, no abstraction
// beyond what each call site needs, generalized into one small interface
// that a fake can implement. The persistence package does not go through
// it; persistence.Load/Save/Writer call os and fsnotify directly.
package storagefs

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/simonwjackson/proseql/internal/perrors"
)

// Adapter is the filesystem capability set persistence depends on.
type Adapter interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte, perm os.FileMode) error
	Exists(path string) bool
	Remove(path string) error
	EnsureDir(path string) error
	Watch(path string) (*Watcher, error)
}

// OS is the production Adapter: direct, check-then-act os.* calls rather
// than any virtualized filesystem.
type OS struct{}

var _ Adapter = OS{}

// Read returns path's contents. A missing file is reported as os.ErrNotExist
// through the unwrapped error, matching os.ReadFile so callers can keep
// using os.IsNotExist.
func (OS) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Write writes data to path, creating or truncating it. Callers that need
// crash-safe replacement should go through persistence.Save's
// temp-file-then-rename path instead of calling Write directly.
func (OS) Write(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// Exists reports whether path exists, swallowing any stat error other than
// "not exist" by returning false.
func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes path. Removing a path that does not exist is not an error.
func (OS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// EnsureDir creates path and any missing parents.
func (OS) EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// Watch starts an fsnotify watch on path's containing directory.
func (OS) Watch(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "create watcher", err, map[string]any{"path": path})
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, perrors.Wrap(perrors.KindStorage, "watch directory", err, map[string]any{"path": dir})
	}
	return &Watcher{fsw: w, path: path}, nil
}

// Watcher reports write/create events for one specific file, filtering out
// the directory noise fsnotify also reports for sibling files.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string
}

// Events returns a channel that fires (with no payload) whenever the
// watched file is written or created.
func (w *Watcher) Events() <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}

// Close stops the watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
