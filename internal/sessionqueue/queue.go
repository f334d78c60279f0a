// Package sessionqueue runs work items in FIFO order per key, with keys
// processed independently of each other.
//
// Each key gets a lane: a bounded channel drained by a single goroutine. The
// goroutine exits once the lane is empty and a later Enqueue starts a new one,
// so idle keys hold no goroutines or memory.
package sessionqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrFull is returned when a key already has Depth items pending.
	ErrFull = errors.New("sessionqueue: queue full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("sessionqueue: closed")
)

// DefaultDepth is the per-key pending item limit used when none is given.
const DefaultDepth = 64

// HandlerFunc processes one item. Items for the same key are never handled
// concurrently.
type HandlerFunc[T any] func(key string, item T)

type Queue[T any] struct {
	depth  int
	handle HandlerFunc[T]
	log    *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane[T]
	closed bool
	wg     sync.WaitGroup
}

type lane[T any] struct {
	items chan T
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	depth int
	log   *slog.Logger
}

// WithDepth bounds the number of pending items per key.
func WithDepth(n int) Option {
	return func(o *options) { o.depth = n }
}

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func New[T any](handle HandlerFunc[T], opts ...Option) *Queue[T] {
	o := options{depth: DefaultDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.depth <= 0 {
		o.depth = DefaultDepth
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return &Queue[T]{
		depth:  o.depth,
		handle: handle,
		log:    o.log,
		lanes:  make(map[string]*lane[T]),
	}
}

// Enqueue appends item to key's lane. busy reports whether the lane already
// had work in flight or pending, in which case item waits its turn.
func (q *Queue[T]) Enqueue(key string, item T) (busy bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	l, busy := q.lanes[key]
	if !busy {
		l = &lane[T]{items: make(chan T, q.depth)}
	}
	select {
	case l.items <- item:
	default:
		return busy, ErrFull
	}
	if !busy {
		q.lanes[key] = l
		q.wg.Add(1)
		go q.drain(key, l)
	}
	return busy, nil
}

func (q *Queue[T]) drain(key string, l *lane[T]) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var item T
		select {
		case item = <-l.items:
		default:
			// Emptiness is checked under the lock so an Enqueue racing with
			// exit either lands before this point or starts a fresh lane.
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.run(key, item)
	}
}

func (q *Queue[T]) run(key string, item T) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("sessionqueue.handler.panic", slog.String("key", key), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	q.handle(key, item)
}

// Busy reports whether key has work in flight or pending.
func (q *Queue[T]) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.lanes[key]
	return ok
}

// Pending returns the number of items waiting behind the one in flight.
func (q *Queue[T]) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.items)
	}
	return 0
}

// Active returns the number of keys with a running lane.
func (q *Queue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting new items. Items already queued still run.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Wait blocks until every lane has drained or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
