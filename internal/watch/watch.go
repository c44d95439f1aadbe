// Package watch layers debounced reactive re-evaluation over the change
// bus: watch(query) re-runs a pipeline.Query whenever a relevant mutation
// lands, coalescing bursts behind a short quiet-time timer via a
// fan-out-with-private-channel broadcaster that drives re-computation
// instead of forwarding raw events.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// DefaultDebounce is the default quiet-time window before a watch
// re-evaluates its query after a relevant mutation.
const DefaultDebounce = 10 * time.Millisecond

// Evaluator re-runs a query and returns its current result set.
type Evaluator func() (*pipeline.Result, error)

// Watch streams successive query results. Close releases the bus
// subscription; it is safe to call more than once.
type Watch struct {
	results chan *pipeline.Result
	errs    chan error
	cancel  func()
}

// Results returns the channel of successive, structurally-distinct
// results. It is closed after Close.
func (w *Watch) Results() <-chan *pipeline.Result { return w.results }

// Errors returns the channel of evaluation errors.
func (w *Watch) Errors() <-chan error { return w.errs }

// Close unsubscribes from the bus and stops the watch.
func (w *Watch) Close() { w.cancel() }

// Query starts a watch: it emits the current result immediately, then
// re-evaluates after debounce of quiet time following any bus event
// relevant to relevantCollections, emitting only when the new result
// differs structurally from the last one emitted.
func Query(ctx context.Context, bus *eventbus.Bus, relevantCollections []string, debounce time.Duration, eval Evaluator) (*Watch, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	relevant := make(map[string]struct{}, len(relevantCollections))
	for _, c := range relevantCollections {
		relevant[c] = struct{}{}
	}

	events, unsubscribe := bus.Subscribe(64, func(e eventbus.Event) bool {
		_, ok := relevant[e.Collection]
		return ok
	})

	w := &Watch{
		results: make(chan *pipeline.Result, 1),
		errs:    make(chan error, 1),
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = func() {
		cancel()
		unsubscribe()
	}

	first, err := eval()
	if err != nil {
		cancel()
		unsubscribe()
		return nil, err
	}

	go w.loop(runCtx, events, debounce, eval, first)
	return w, nil
}

func (w *Watch) loop(ctx context.Context, events <-chan eventbus.Event, debounce time.Duration, eval Evaluator, first *pipeline.Result) {
	defer close(w.results)
	defer close(w.errs)

	select {
	case w.results <- first:
	case <-ctx.Done():
		return
	}
	last := first

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			result, err := eval()
			if err != nil {
				select {
				case w.errs <- err:
				case <-ctx.Done():
					return
				}
				continue
			}
			if resultsEqual(last, result) {
				continue
			}
			last = result
			select {
			case w.results <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func resultsEqual(a, b *pipeline.Result) bool {
	return cmp.Equal(a, b, cmp.Comparer(func(x, y pschema.Entity) bool {
		return cmp.Equal(map[string]any(x), map[string]any(y))
	}))
}

// ByID watches a single entity by id, emitting its current state (nil if
// absent) and future states, terminating when the id is deleted.
type ByID struct {
	mu      sync.Mutex
	results chan pschema.Entity
	cancel  func()
}

// Results returns the channel of successive entity states.
func (w *ByID) Results() <-chan pschema.Entity { return w.results }

// Close unsubscribes.
func (w *ByID) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
}

// Entity starts watching a single id within collection, calling get to
// fetch the current state after every relevant event.
func Entity(ctx context.Context, bus *eventbus.Bus, collection, id string, get func() (pschema.Entity, bool)) *ByID {
	events, unsubscribe := bus.Subscribe(16, func(e eventbus.Event) bool {
		return e.Collection == collection && e.ID == id
	})

	w := &ByID{
		results: make(chan pschema.Entity, 1),
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = func() {
		cancel()
		unsubscribe()
	}

	go func() {
		defer close(w.results)
		current, _ := get()
		select {
		case w.results <- current:
		case <-runCtx.Done():
			return
		}
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				next, exists := get()
				select {
				case w.results <- next:
				case <-runCtx.Done():
					return
				}
				if e.Kind == eventbus.Delete || !exists {
					return
				}
			}
		}
	}()

	return w
}
