// Package hall holds the per-hall single-writer primitives: a guard whose
// mutations either commit whole or leave the last snapshot in place, and an
// ordered event loop that timers and socket readers feed.
package hall

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/puyokura/hallmesh/model"
)

// Guard owns a value of T. Mutations run on a clone and are committed only
// when they return without error or panic.
type Guard[T any] struct {
	mu       sync.Mutex
	state    T
	clone    func(T) T
	logger   *slog.Logger
	poisoned atomic.Int64
}

// NewGuard creates a guard. clone must produce a copy that shares no mutable
// memory with its input; nil means T is copied by value.
func NewGuard[T any](initial T, clone func(T) T, logger *slog.Logger) *Guard[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Guard[T]{state: initial, clone: clone, logger: logger}
}

// Do runs fn against a working copy. A returned error discards the copy and
// is passed through. A panic discards the copy, is logged, and comes back as
// model.ErrStatePoisoned; the guard stays usable.
func (g *Guard[T]) Do(fn func(*T) error) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	work := g.clone(g.state)
	defer func() {
		if r := recover(); r != nil {
			g.poisoned.Add(1)
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			g.logger.Warn("recovered poisoned state, keeping last snapshot",
				"panic", fmt.Sprint(r),
				"stack", string(buf[:n]),
			)
			err = fmt.Errorf("%w: %v", model.ErrStatePoisoned, r)
		}
	}()
	if err := fn(&work); err != nil {
		return err
	}
	g.state = work
	return nil
}

// Snapshot returns a copy of the committed state.
func (g *Guard[T]) Snapshot() T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clone(g.state)
}

// Poisoned counts recovered panics.
func (g *Guard[T]) Poisoned() int64 {
	return g.poisoned.Load()
}
