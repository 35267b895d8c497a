// Package presence derives the soft signals shown next to a hall: who is
// typing and how good the link to the host is. Nothing here does I/O; the
// session feeds in activity, frames and timer ticks.
package presence

import (
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTypingThrottle = 600 * time.Millisecond
	DefaultTypingIdle     = 1500 * time.Millisecond
	DefaultTypingStale    = 2 * time.Second
	DefaultPruneInterval  = 250 * time.Millisecond
	DefaultTypingCapacity = 64
)

// TypingEmitter decides when the local member's typing state goes on the
// wire: typing=true at most once per throttle window and a single trailing
// typing=false after the idle period.
type TypingEmitter struct {
	throttle time.Duration
	idle     time.Duration
	lastSent time.Time
	lastSeen time.Time
	active   bool
}

func NewTypingEmitter(throttle, idle time.Duration) *TypingEmitter {
	if throttle <= 0 {
		throttle = DefaultTypingThrottle
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingEmitter{throttle: throttle, idle: idle}
}

// Activity records a keystroke and reports whether typing=true should be sent.
func (e *TypingEmitter) Activity(now time.Time) bool {
	e.lastSeen = now
	e.active = true
	if !e.lastSent.IsZero() && now.Sub(e.lastSent) < e.throttle {
		return false
	}
	e.lastSent = now
	return true
}

// Tick reports, once per burst of activity, that typing=false is due.
func (e *TypingEmitter) Tick(now time.Time) bool {
	if !e.active || now.Sub(e.lastSeen) < e.idle {
		return false
	}
	e.active = false
	e.lastSent = time.Time{}
	return true
}

// Reset ends the burst without a trailing false, e.g. after the
// message itself was sent.
func (e *TypingEmitter) Reset() {
	e.active = false
	e.lastSent = time.Time{}
	e.lastSeen = time.Time{}
}

// TypingTracker remembers when each remote member last reported typing.
type TypingTracker struct {
	stale    time.Duration
	capacity int
	logger   *slog.Logger
	seen     map[uuid.UUID]time.Time
}

func NewTypingTracker(stale time.Duration, capacity int, logger *slog.Logger) *TypingTracker {
	if stale <= 0 {
		stale = DefaultTypingStale
	}
	if capacity <= 0 {
		capacity = DefaultTypingCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &TypingTracker{
		stale:    stale,
		capacity: capacity,
		logger:   logger,
		seen:     make(map[uuid.UUID]time.Time),
	}
}

// Set applies a typing frame and reports whether the visible set changed.
func (t *TypingTracker) Set(user uuid.UUID, typing bool, now time.Time) bool {
	_, had := t.seen[user]
	if !typing {
		delete(t.seen, user)
		return had
	}
	if !had && len(t.seen) >= t.capacity {
		// Over capacity the whole map is dropped rather than evicting the
		// oldest entry.
		t.logger.Warn("typing map over capacity, clearing", "entries", len(t.seen), "capacity", t.capacity)
		clear(t.seen)
	}
	t.seen[user] = now
	return !had
}

// Prune drops entries older than the stale window and reports whether any
// were removed.
func (t *TypingTracker) Prune(now time.Time) bool {
	changed := false
	for user, at := range t.seen {
		if now.Sub(at) > t.stale {
			delete(t.seen, user)
			changed = true
		}
	}
	return changed
}

// Active lists typing members, excluding local, in a stable order.
func (t *TypingTracker) Active(local uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.seen))
	for user := range t.seen {
		if user != local {
			out = append(out, user)
		}
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return out
}

// Clear forgets everything and reports whether anything was shown.
func (t *TypingTracker) Clear() bool {
	had := len(t.seen) > 0
	clear(t.seen)
	return had
}

func (t *TypingTracker) Len() int { return len(t.seen) }
