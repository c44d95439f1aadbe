// Package lifecycle runs a collection's ordered before/after/onChange
// hooks in order with a bounded per-call timeout, as in-process Go
// closures rather than external executables, since these hooks are part
// of the embedding program.
package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/perrors"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// BeforeHook may transform the record and may abort the operation by
// returning an error.
type BeforeHook func(ctx context.Context, e pschema.Entity) (pschema.Entity, error)

// AfterHook observes a committed change. A panic inside it is recovered,
// logged, and dropped.
type AfterHook func(ctx context.Context, e pschema.Entity)

// ChangeHook observes a committed change as a tagged event. A panic inside
// it is recovered, logged, and dropped.
type ChangeHook func(ctx context.Context, event eventbus.Event)

// Hooks holds one collection's ordered hook lists.
type Hooks struct {
	BeforeCreate []BeforeHook
	BeforeUpdate []BeforeHook
	BeforeDelete []BeforeHook
	AfterCreate  []AfterHook
	AfterUpdate  []AfterHook
	AfterDelete  []AfterHook
	OnChange     []ChangeHook

	// Timeout bounds every hook invocation; defaults to 5s when zero.
	Timeout time.Duration
}

// timeoutOrDefault returns h.Timeout, defaulting to 5s when unset.
func (h *Hooks) timeoutOrDefault() time.Duration {
	if h.Timeout <= 0 {
		return 5 * time.Second
	}
	return h.Timeout
}

// RunBefore runs hooks in order, threading the (possibly transformed)
// entity through each one. The first error aborts and is returned
// wrapped as KindHook. If ctx is already done before a hook would run,
// ctx.Err() is returned and no further hook is invoked.
func RunBefore(ctx context.Context, hooks []BeforeHook, e pschema.Entity, timeout time.Duration) (pschema.Entity, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	current := e
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := current, error(nil)
		func() {
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			next, err = h(hctx, current)
		}()
		if err != nil {
			return nil, perrors.Wrap(perrors.KindHook, "before-hook rejected the operation", err, nil)
		}
		current = next
	}
	return current, nil
}

// RunAfter runs every after-hook, recovering and logging any panic so a
// misbehaving observer never fails the mutation it observed.
func RunAfter(ctx context.Context, hooks []AfterHook, e pschema.Entity, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("lifecycle: after-hook panicked: %v", r)
				}
			}()
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			h(hctx, e)
		}()
	}
}

// RunOnChange runs every onChange hook with the same fire-and-forget
// discipline as RunAfter.
func RunOnChange(ctx context.Context, hooks []ChangeHook, event eventbus.Event, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("lifecycle: onChange hook panicked: %v", r)
				}
			}()
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			h(hctx, event)
		}()
	}
}

// RunBeforeCreate, RunBeforeUpdate, and RunBeforeDelete run the matching
// ordered hook list, threading h's shared timeout through RunBefore.
func (h *Hooks) RunBeforeCreate(ctx context.Context, e pschema.Entity) (pschema.Entity, error) {
	return RunBefore(ctx, h.BeforeCreate, e, h.timeoutOrDefault())
}

func (h *Hooks) RunBeforeUpdate(ctx context.Context, e pschema.Entity) (pschema.Entity, error) {
	return RunBefore(ctx, h.BeforeUpdate, e, h.timeoutOrDefault())
}

func (h *Hooks) RunBeforeDelete(ctx context.Context, e pschema.Entity) (pschema.Entity, error) {
	return RunBefore(ctx, h.BeforeDelete, e, h.timeoutOrDefault())
}

// RunAfterCreate, RunAfterUpdate, RunAfterDelete, and RunChange fan out to
// the matching fire-and-forget hook list.
func (h *Hooks) RunAfterCreate(ctx context.Context, e pschema.Entity) {
	RunAfter(ctx, h.AfterCreate, e, h.timeoutOrDefault())
}

func (h *Hooks) RunAfterUpdate(ctx context.Context, e pschema.Entity) {
	RunAfter(ctx, h.AfterUpdate, e, h.timeoutOrDefault())
}

func (h *Hooks) RunAfterDelete(ctx context.Context, e pschema.Entity) {
	RunAfter(ctx, h.AfterDelete, e, h.timeoutOrDefault())
}

func (h *Hooks) RunChange(ctx context.Context, event eventbus.Event) {
	RunOnChange(ctx, h.OnChange, event, h.timeoutOrDefault())
}
