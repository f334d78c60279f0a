package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/jonboulle/clockwork"
)

type fakeSink struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed []CloseReason
	err    error
}

func (f *fakeSink) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) Close(reason CloseReason) {
	f.mu.Lock()
	f.closed = append(f.closed, reason)
	f.mu.Unlock()
}

func (f *fakeSink) closeReasons() []CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CloseReason(nil), f.closed...)
}

var testIdent = auth.NewIdentity("u1", "u1@example.com", "customer", auth.ScopeRead)

func mustRegister(t *testing.T, r *Registry, id string, sink Sink) *Session {
	t.Helper()
	sess, err := r.Register(id, testIdent, sink)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return sess
}

func TestRegister_ReplacesAndClosesPriorSink(t *testing.T) {
	r := NewRegistry()
	first := &fakeSink{}
	second := &fakeSink{}

	old := mustRegister(t, r, "s1", first)
	cur := mustRegister(t, r, "s1", second)

	if got := first.closeReasons(); len(got) != 1 || got[0] != CloseReplaced {
		t.Fatalf("prior sink close reasons: %v", got)
	}
	if len(second.closeReasons()) != 0 {
		t.Fatalf("new sink must stay open")
	}
	if got, _ := r.Get("s1"); got != cur {
		t.Fatalf("registry should return the new session")
	}
	if err := old.Send(context.Background(), []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send on replaced session: want ErrSessionClosed, got %v", err)
	}
	if reason, closed := old.Closed(); !closed || reason != CloseReplaced {
		t.Fatalf("replaced session state: %v %v", reason, closed)
	}

	// Teardown of the replaced stream must not evict the new session.
	if r.Unregister(old, CloseClientGone) {
		t.Fatalf("unregister of stale session reported current")
	}
	if _, ok := r.Get("s1"); !ok {
		t.Fatalf("new session was evicted")
	}
}

func TestRegister_ConcurrentSingleLiveSink(t *testing.T) {
	r := NewRegistry()
	const n = 32
	sinks := make([]*fakeSink, n)
	var wg sync.WaitGroup
	for i := range sinks {
		sinks[i] = &fakeSink{}
		wg.Add(1)
		go func(s *fakeSink) {
			defer wg.Done()
			_, _ = r.Register("shared", testIdent, s)
		}(sinks[i])
	}
	wg.Wait()

	open := 0
	for _, s := range sinks {
		if len(s.closeReasons()) == 0 {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one live sink, got %d", open)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one session, got %d", r.Len())
	}
}

func TestRegisterOwned_RejectsOtherUser(t *testing.T) {
	r := NewRegistry()
	first := &fakeSink{}
	orig, err := r.RegisterOwned("s1", testIdent, first)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	intruder := auth.NewIdentity("u2", "u2@example.com", "customer", auth.ScopeRead)
	if _, err := r.RegisterOwned("s1", intruder, &fakeSink{}); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("want ErrSessionOwned, got %v", err)
	}
	if _, err := r.RegisterOwned("s1", nil, &fakeSink{}); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("anonymous takeover: want ErrSessionOwned, got %v", err)
	}
	if got, _ := r.Get("s1"); got != orig || len(first.closeReasons()) != 0 {
		t.Fatalf("rejected registration disturbed the live session")
	}

	// The owner may reconnect with a fresh identity value.
	again := auth.NewIdentity("u1", "u1@example.com", "customer")
	if _, err := r.RegisterOwned("s1", again, &fakeSink{}); err != nil {
		t.Fatalf("owner reconnect: %v", err)
	}
	if got := first.closeReasons(); len(got) != 1 || got[0] != CloseReplaced {
		t.Fatalf("prior sink close reasons: %v", got)
	}
}

func TestRegisterOwned_ConcurrentUsersSingleOwner(t *testing.T) {
	r := NewRegistry()
	users := []*auth.Identity{
		auth.NewIdentity("alice", "", "customer"),
		auth.NewIdentity("bob", "", "customer"),
	}
	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(ident *auth.Identity) {
			defer wg.Done()
			_, err := r.RegisterOwned("shared", ident, &fakeSink{})
			switch {
			case err == nil:
				mu.Lock()
				wins[ident.UserID()]++
				mu.Unlock()
			case !errors.Is(err, ErrSessionOwned):
				t.Errorf("unexpected error: %v", err)
			}
		}(users[i%2])
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("both users registered the same id: %v", wins)
	}
	sess, ok := r.Get("shared")
	if !ok || wins[sess.Identity().UserID()] == 0 {
		t.Fatalf("live session does not belong to the winning user")
	}
}

func TestRegister_RejectsInvalidIDs(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"", "has space", "semi;colon", string(make([]byte, MaxIDLength+1))} {
		if _, err := r.Register(id, testIdent, &fakeSink{}); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("id %q: want ErrInvalidSessionID, got %v", id, err)
		}
	}
	if err := ValidateID("0c8e2a5e-3f0b-4f4e-9d0e-1a2b3c4d5e6f"); err != nil {
		t.Fatalf("uuid should be valid: %v", err)
	}
}

func TestRemove_IdempotentAndCascadesSubscriptions(t *testing.T) {
	r := NewRegistry()
	sink := &fakeSink{}
	sess := mustRegister(t, r, "s1", sink)
	if !sess.Subscribe("availability") {
		t.Fatalf("subscribe failed")
	}

	if got := r.Remove("s1", CloseDeleted); got != sess {
		t.Fatalf("remove returned %v", got)
	}
	if r.Remove("s1", CloseDeleted) != nil {
		t.Fatalf("second remove should be a no-op")
	}
	if got := sink.closeReasons(); len(got) != 1 || got[0] != CloseDeleted {
		t.Fatalf("close reasons: %v", got)
	}
	if len(sess.Subscriptions()) != 0 {
		t.Fatalf("subscriptions should be dropped with the session")
	}
	if sess.Subscribe("availability") {
		t.Fatalf("closed session must not accept subscriptions")
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatalf("session still registered")
	}
}

func TestIdle_UsesLastActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRegistry(WithClock(clock))
	mustRegister(t, r, "quiet", &fakeSink{})
	busy := mustRegister(t, r, "busy", &fakeSink{})

	clock.Advance(10 * time.Minute)
	r.Touch("busy")
	clock.Advance(6 * time.Minute)

	idle := r.Idle(15 * time.Minute)
	if len(idle) != 1 || idle[0].ID() != "quiet" {
		ids := make([]string, 0, len(idle))
		for _, s := range idle {
			ids = append(ids, s.ID())
		}
		t.Fatalf("idle sessions: %v", ids)
	}

	// Outbound pushes count as activity too.
	clock.Advance(10 * time.Minute)
	if err := busy.Send(context.Background(), []byte("evt")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !busy.LastActive().Equal(clock.Now()) {
		t.Fatalf("send did not record activity")
	}
}

func TestSubscriptions(t *testing.T) {
	r := NewRegistry()
	sess := mustRegister(t, r, "s1", &fakeSink{})

	if !sess.Subscribe("b") || !sess.Subscribe("a") {
		t.Fatalf("subscribe failed")
	}
	if sess.Subscribe("a") {
		t.Fatalf("duplicate subscribe should report false")
	}
	if fmt.Sprint(sess.Subscriptions()) != "[a b]" {
		t.Fatalf("subscriptions: %v", sess.Subscriptions())
	}
	if !sess.Unsubscribe("a") || sess.Unsubscribe("a") {
		t.Fatalf("unsubscribe semantics")
	}
	if sess.IsSubscribed("a") || !sess.IsSubscribed("b") {
		t.Fatalf("membership mismatch")
	}
}

func TestEvict_OnlyCurrentSession(t *testing.T) {
	r := NewRegistry()
	oldSink := &fakeSink{}
	old := mustRegister(t, r, "s1", oldSink)
	newSink := &fakeSink{}
	mustRegister(t, r, "s1", newSink)

	if r.Evict(old, CloseIdle) {
		t.Fatalf("evicting a replaced session must be a no-op")
	}
	if len(newSink.closeReasons()) != 0 {
		t.Fatalf("successor sink was closed")
	}
	cur, _ := r.Get("s1")
	if !r.Evict(cur, CloseWriteFailed) {
		t.Fatalf("expected eviction of current session")
	}
	if got := newSink.closeReasons(); len(got) != 1 || got[0] != CloseWriteFailed {
		t.Fatalf("close reasons: %v", got)
	}
}
