// Package broadcast pushes domain events to open sessions.
//
// Events are wrapped in a JSON-RPC notification:
//
//	{"jsonrpc":"2.0","method":"notifications/event",
//	 "params":{"resource":"availability","event":"slot.released","data":{...}}}
//
// A session whose stream fails during fan-out is closed and removed; the
// remaining sessions still receive the event.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/booking-gateway/internal/jsonrpc"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/internal/metrics"
	"github.com/ggoodman/booking-gateway/sessions"
	"github.com/sourcegraph/conc/pool"
)

// NotificationMethod is the JSON-RPC method used for pushed events.
const NotificationMethod = "notifications/event"

// DefaultConcurrency bounds parallel sends per broadcast.
const DefaultConcurrency = 16

// Event is an opaque domain event. Resource is optional for BroadcastAll and
// is filled in by BroadcastToSubscribers.
type Event struct {
	Resource string
	Name     string
	Data     any
}

// Report summarizes one broadcast.
type Report struct {
	// Targeted is the number of sessions selected for delivery.
	Targeted  int
	Delivered int
	Failed    int
}

// Publisher is implemented by Engine and consumed by event sources.
type Publisher interface {
	BroadcastAll(ctx context.Context, ev Event) (Report, error)
	BroadcastToSubscribers(ctx context.Context, resource string, ev Event) (Report, error)
}

type Engine struct {
	reg         *sessions.Registry
	log         *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

var _ Publisher = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConcurrency bounds how many sessions are written to in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

func New(reg *sessions.Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	return e
}

type eventParams struct {
	Resource string `json:"resource,omitempty"`
	Event    string `json:"event"`
	Data     any    `json:"data,omitempty"`
}

// BroadcastAll delivers ev to every open session.
func (e *Engine) BroadcastAll(ctx context.Context, ev Event) (Report, error) {
	return e.broadcast(ctx, ev, func(*sessions.Session) bool { return true })
}

// BroadcastToSubscribers delivers ev to sessions subscribed to resource.
func (e *Engine) BroadcastToSubscribers(ctx context.Context, resource string, ev Event) (Report, error) {
	if resource == "" {
		return Report{}, errors.New("resource is required")
	}
	ev.Resource = resource
	return e.broadcast(ctx, ev, func(s *sessions.Session) bool { return s.IsSubscribed(resource) })
}

func (e *Engine) broadcast(ctx context.Context, ev Event, match func(*sessions.Session) bool) (Report, error) {
	if ev.Name == "" {
		return Report{}, errors.New("event name is required")
	}
	note, err := jsonrpc.NewNotification(NotificationMethod, eventParams{Resource: ev.Resource, Event: ev.Name, Data: ev.Data})
	if err != nil {
		return Report{}, err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return Report{}, fmt.Errorf("encode event: %w", err)
	}

	ctx = logctx.WithEventData(ctx, &logctx.EventData{Resource: ev.Resource, Name: ev.Name})

	var targets []*sessions.Session
	for _, s := range e.reg.Snapshot() {
		if match(s) {
			targets = append(targets, s)
		}
	}

	results := make([]bool, len(targets))
	p := pool.New().WithMaxGoroutines(e.concurrency)
	for i, s := range targets {
		p.Go(func() {
			results[i] = e.deliver(ctx, s, payload)
		})
	}
	p.Wait()

	rep := Report{Targeted: len(targets)}
	for _, ok := range results {
		if ok {
			rep.Delivered++
		} else {
			rep.Failed++
		}
	}
	e.metrics.Broadcast(rep.Delivered, rep.Failed)
	e.log.DebugContext(ctx, "broadcast.done",
		slog.Int("targeted", rep.Targeted),
		slog.Int("delivered", rep.Delivered),
		slog.Int("failed", rep.Failed),
	)
	return rep, nil
}

// deliver sends payload to one session, evicting it on failure.
func (e *Engine) deliver(ctx context.Context, s *sessions.Session, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "broadcast.send.panic", slog.String("session", s.ID()), slog.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	err := s.Send(ctx, payload)
	if err == nil {
		return true
	}
	if errors.Is(err, sessions.ErrSessionClosed) {
		// Closed between snapshot and send; its owner already cleaned up.
		return false
	}
	e.log.WarnContext(ctx, "broadcast.send.fail", slog.String("session", s.ID()), slog.String("err", err.Error()))
	e.reg.Evict(s, sessions.CloseWriteFailed)
	return false
}
