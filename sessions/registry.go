package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/jonboulle/clockwork"
)

// MaxIDLength bounds client-supplied session IDs.
const MaxIDLength = 128

// Registry owns the map of session ID to Session.
type Registry struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used for activity tracking.
func WithClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the registry's time source.
func (r *Registry) Clock() clockwork.Clock { return r.clock }

// ValidateID reports whether id is acceptable as a session ID: 1 to
// MaxIDLength characters from [A-Za-z0-9._:-].
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: length must be between 1 and %d", ErrInvalidSessionID, MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSessionID, c)
		}
	}
	return nil
}

// Register installs a new Session for id. If a session with the same ID is
// live, its sink is closed with CloseReplaced before the new one becomes
// visible.
func (r *Registry) Register(id string, ident *auth.Identity, sink Sink) (*Session, error) {
	return r.register(id, ident, sink, false)
}

// RegisterOwned is Register for client-chosen IDs: a live session under id
// is only replaced when it belongs to the same user as ident. Otherwise it
// returns ErrSessionOwned and leaves the live session untouched. The check
// and the swap happen under one lock.
func (r *Registry) RegisterOwned(id string, ident *auth.Identity, sink Sink) (*Session, error) {
	return r.register(id, ident, sink, true)
}

func (r *Registry) register(id string, ident *auth.Identity, sink Sink, owned bool) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("register %s: sink is required", id)
	}

	sess := newSession(id, ident, sink, r.clock.Now)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[id]; ok {
		if owned && !prev.Identity().SameUser(ident) {
			return nil, fmt.Errorf("register %s: %w", id, ErrSessionOwned)
		}
		if old := prev.detach(CloseReplaced); old != nil {
			old.Close(CloseReplaced)
		}
	}
	r.sessions[id] = sess
	return sess, nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Touch records activity on id. It reports false if the session is unknown.
func (r *Registry) Touch(id string) bool {
	sess, ok := r.Get(id)
	if ok {
		sess.touch()
	}
	return ok
}

// Remove deletes id and closes its sink. It returns the removed session, or
// nil if none was registered. Calling it twice is harmless.
func (r *Registry) Remove(id string, reason CloseReason) *Session {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if sink := sess.detach(reason); sink != nil {
		sink.Close(reason)
	}
	return sess
}

// Evict removes sess if it is still the registered session for its ID and
// closes its sink. Unlike Remove it never touches a session that replaced
// sess in the meantime.
func (r *Registry) Evict(sess *Session, reason CloseReason) bool {
	r.mu.Lock()
	cur, ok := r.sessions[sess.id]
	current := ok && cur == sess
	if current {
		delete(r.sessions, sess.id)
	}
	r.mu.Unlock()
	if !current {
		return false
	}
	if sink := sess.detach(reason); sink != nil {
		sink.Close(reason)
	}
	return true
}

// Unregister removes sess only if it is still the registered session for its
// ID. It is used by the sink owner on teardown, so it does not close the sink.
func (r *Registry) Unregister(sess *Session, reason CloseReason) bool {
	r.mu.Lock()
	cur, ok := r.sessions[sess.id]
	current := ok && cur == sess
	if current {
		delete(r.sessions, sess.id)
	}
	r.mu.Unlock()
	sess.detach(reason)
	return current
}

// Snapshot returns the live sessions at a single point in time.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Idle returns the sessions with no activity for longer than threshold.
func (r *Registry) Idle(threshold time.Duration) []*Session {
	cutoff := r.clock.Now().Add(-threshold).UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.lastActive.Load() < cutoff {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
