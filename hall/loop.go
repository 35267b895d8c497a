package hall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// DefaultQueueSize is the event buffer of a loop.
const DefaultQueueSize = 256

// Handler consumes one event. It runs on the loop goroutine only.
type Handler func(ctx context.Context, ev any)

// Loop is the ordered queue of one hall. Every mutation of hall state goes
// through its single consumer goroutine.
type Loop struct {
	queue   chan any
	logger  *slog.Logger
	done    chan struct{}
	stopped sync.Once
	timers  sync.WaitGroup
}

func NewLoop(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Loop{
		queue:  make(chan any, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run consumes events until ctx is done. A panicking handler is logged and
// the loop moves on to the next event.
func (l *Loop) Run(ctx context.Context, h Handler) {
	defer l.stopped.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.queue:
			l.dispatch(ctx, h, ev)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, h Handler, ev any) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			l.logger.Warn("recovered panic in hall event handler",
				"event", fmt.Sprintf("%T", ev),
				"panic", fmt.Sprint(r),
				"stack", string(buf[:n]),
			)
		}
	}()
	h(ctx, ev)
}

// Post enqueues ev, blocking while the queue is full. It returns false once
// the loop has stopped. Never call Post from the handler itself.
func (l *Loop) Post(ev any) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- ev:
		return true
	case <-l.done:
		return false
	}
}

// TryPost enqueues ev without blocking. Used for ticks, which are safe to drop.
func (l *Loop) TryPost(ev any) bool {
	select {
	case l.queue <- ev:
		return true
	default:
		return false
	}
}

// Close marks a loop that will never run as stopped, releasing posters.
func (l *Loop) Close() {
	l.stopped.Do(func() { close(l.done) })
}

// Done is closed when Run returns or after Close.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Every posts mk() every interval until ctx is done. Ticks are dropped when
// the queue is full.
func (l *Loop) Every(ctx context.Context, interval time.Duration, mk func(time.Time) any) {
	l.timers.Add(1)
	go func() {
		defer l.timers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case now := <-ticker.C:
				l.TryPost(mk(now))
			}
		}
	}()
}

// After posts ev once after d. Stopping the returned timer cancels it.
func (l *Loop) After(d time.Duration, ev any) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(ev) })
}

// Wait blocks until timer goroutines started with Every have exited.
func (l *Loop) Wait() {
	l.timers.Wait()
}
