package sessions

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
)

// Session is one client's live connection to the gateway.
type Session struct {
	id        string
	createdAt time.Time
	ident     *auth.Identity
	clock     func() time.Time

	lastActive atomic.Int64

	mu     sync.Mutex
	sink   Sink
	subs   map[string]struct{}
	reason CloseReason
}

func newSession(id string, ident *auth.Identity, sink Sink, now func() time.Time) *Session {
	t := now()
	s := &Session{
		id:        id,
		createdAt: t,
		ident:     ident,
		clock:     now,
		sink:      sink,
		subs:      make(map[string]struct{}),
	}
	s.lastActive.Store(t.UnixNano())
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) Identity() *auth.Identity { return s.ident }
func (s *Session) LastActive() time.Time    { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) touch() {
	s.lastActive.Store(s.clock().UnixNano())
}

// Closed reports whether the session's sink has been detached, and why.
func (s *Session) Closed() (CloseReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.sink == nil
}

// Send pushes msg over the session's stream and counts as activity.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return ErrSessionClosed
	}
	if err := sink.Send(ctx, msg); err != nil {
		return err
	}
	s.touch()
	return nil
}

// detach drops the sink reference and returns it. Later calls return nil.
func (s *Session) detach(reason CloseReason) Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := s.sink
	if sink != nil {
		s.sink = nil
		s.reason = reason
		clear(s.subs)
	}
	return sink
}

// Subscribe adds resource to the subscription set. It reports false if the
// session was already subscribed or is closed.
func (s *Session) Subscribe(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return false
	}
	if _, ok := s.subs[resource]; ok {
		return false
	}
	s.subs[resource] = struct{}{}
	return true
}

// Unsubscribe removes resource. It reports whether it was present.
func (s *Session) Unsubscribe(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[resource]; !ok {
		return false
	}
	delete(s.subs, resource)
	return true
}

func (s *Session) IsSubscribed(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[resource]
	return ok
}

// Subscriptions returns the subscribed resources in sorted order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for r := range s.subs {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
