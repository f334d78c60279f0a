// Package redis relays booking domain events from a Redis stream to the
// broadcast engine. The booking application appends envelopes with XADD;
// the gateway tails the stream and fans each event out to sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/booking-gateway/broadcast"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "booking:events"
	dataField     = "data"
)

// Envelope is the stream entry payload, stored as JSON under the "data"
// field. All sends the event to every session; otherwise Resource selects
// the subscribers.
type Envelope struct {
	Resource string          `json:"resource,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	All      bool            `json:"all,omitempty"`
}

func (e Envelope) validate() error {
	if e.Event == "" {
		return errors.New("event is required")
	}
	if !e.All && e.Resource == "" {
		return errors.New("resource is required unless all is set")
	}
	return nil
}

// Config contains configuration options for a Source.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// Stream is the stream key. Defaults to DefaultStream.
	Stream string
	// Publisher receives decoded events. Required for Run.
	Publisher broadcast.Publisher
	Logger    *slog.Logger
	// StartID is where Run begins reading. Empty means only entries added
	// after Run starts.
	StartID string
	// Block bounds each XREAD so cancellation is noticed. Defaults to 1s.
	Block time.Duration
	// RetryBackoff is the first wait after a failed read. It doubles on each
	// consecutive failure up to maxRetryBackoff. Defaults to 100ms.
	RetryBackoff time.Duration
}

const maxRetryBackoff = 5 * time.Second

// Source tails a Redis stream of Envelopes.
type Source struct {
	client  redis.UniversalClient
	stream  string
	pub     broadcast.Publisher
	log     *slog.Logger
	startID string
	block   time.Duration
	backoff time.Duration
}

func New(cfg Config) *Source {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	s := &Source{
		client:  client,
		stream:  cfg.Stream,
		pub:     cfg.Publisher,
		log:     cfg.Logger,
		startID: cfg.StartID,
		block:   cfg.Block,
		backoff: cfg.RetryBackoff,
	}
	if s.stream == "" {
		s.stream = DefaultStream
	}
	if s.startID == "" {
		s.startID = "$"
	}
	if s.block <= 0 {
		s.block = time.Second
	}
	if s.backoff <= 0 {
		s.backoff = 100 * time.Millisecond
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Source) Close() error {
	return s.client.Close()
}

// Publish appends env to the stream and returns the entry ID.
func (s *Source) Publish(ctx context.Context, env Envelope) (string, error) {
	if err := env.validate(); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{dataField: b},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", s.stream, err)
	}
	return id, nil
}

// Run reads the stream until ctx is done, handing each entry to the
// publisher. Malformed entries and broadcast failures are logged and
// skipped. Read failures are logged and retried from the last relayed entry
// with exponential backoff. It returns ctx.Err() on cancellation.
func (s *Source) Run(ctx context.Context) error {
	if s.pub == nil {
		return errors.New("publisher is required")
	}
	lastID := s.startID
	s.log.InfoContext(ctx, "events.redis.start", slog.String("stream", s.stream), slog.String("from", lastID))

	var failures int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   64,
			Block:   s.block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			failures++
			wait := s.retryDelay(failures)
			s.log.WarnContext(ctx, "events.redis.read.fail",
				slog.String("stream", s.stream),
				slog.String("err", err.Error()),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", wait),
			)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if failures > 0 {
			s.log.InfoContext(ctx, "events.redis.read.recovered", slog.String("stream", s.stream), slog.Int("attempts", failures))
			failures = 0
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				s.handle(ctx, msg)
			}
		}
	}
}

func (s *Source) retryDelay(failures int) time.Duration {
	d := s.backoff
	for i := 1; i < failures && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Source) handle(ctx context.Context, msg redis.XMessage) {
	log := s.log.With(slog.String("entry_id", msg.ID))

	data, ok := msg.Values[dataField].(string)
	if !ok {
		log.WarnContext(ctx, "events.redis.entry.malformed", slog.String("err", "missing data field"))
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		log.WarnContext(ctx, "events.redis.entry.malformed", slog.String("err", err.Error()))
		return
	}
	if err := env.validate(); err != nil {
		log.WarnContext(ctx, "events.redis.entry.malformed", slog.String("err", err.Error()))
		return
	}

	ev := broadcast.Event{Resource: env.Resource, Name: env.Event}
	if len(env.Data) > 0 {
		ev.Data = env.Data
	}

	var (
		rep broadcast.Report
		err error
	)
	if env.All {
		rep, err = s.pub.BroadcastAll(ctx, ev)
	} else {
		rep, err = s.pub.BroadcastToSubscribers(ctx, env.Resource, ev)
	}
	if err != nil {
		log.ErrorContext(ctx, "events.redis.broadcast.fail", slog.String("err", err.Error()))
		return
	}
	log.DebugContext(ctx, "events.redis.broadcast.ok",
		slog.String("event", env.Event),
		slog.Int("targeted", rep.Targeted),
		slog.Int("delivered", rep.Delivered),
	)
}
