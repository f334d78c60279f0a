// Package streaming owns the server-sent event connections that back
// sessions. Each connection is registered as the session's sink, kept alive
// with periodic comment frames, and torn down when the client leaves, the
// session is replaced or evicted, or the gateway shuts down. An idle reaper
// evicts sessions that have seen no traffic for too long.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/sessions"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultReapInterval      = 5 * time.Minute
	DefaultIdleTimeout       = 15 * time.Minute
	DefaultWriteTimeout      = 10 * time.Second
)

var (
	// ErrShuttingDown is returned by Serve once Shutdown has begun.
	ErrShuttingDown = errors.New("streaming: shutting down")
	// ErrStreamingUnsupported is returned when the ResponseWriter cannot
	// flush.
	ErrStreamingUnsupported = errors.New("streaming: response writer does not support flushing")
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithObserver registers lifecycle observers, called in order.
func WithObserver(obs ...sessions.Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, obs...) }
}

// WithClock overrides the clock driving keep-alives and the reaper.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(m *Manager) { m.keepAlive = d }
}

func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// WithIdleTimeout sets how long a session may go without inbound or
// outbound message traffic before the reaper evicts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithWriteTimeout bounds a single frame write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// Manager serves SSE streams for a sessions.Registry.
type Manager struct {
	reg       *sessions.Registry
	log       *slog.Logger
	clock     clockwork.Clock
	observers []sessions.Observer

	keepAlive    time.Duration
	reapInterval time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration

	mu         sync.Mutex
	started    bool
	stopping   bool
	stopReaper context.CancelFunc
	reaperDone chan struct{}
	streams    sync.WaitGroup
}

// New builds a Manager. Unless WithClock is given, the registry's clock is
// used so that activity timestamps and the reaper agree.
func New(reg *sessions.Registry, opts ...Option) *Manager {
	m := &Manager{
		reg:          reg,
		clock:        reg.Clock(),
		keepAlive:    DefaultKeepAliveInterval,
		reapInterval: DefaultReapInterval,
		idleTimeout:  DefaultIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	return m
}

// Start launches the idle reaper. It is safe to call more than once; only
// the first call has an effect. The reaper stops when ctx is done or on
// Shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopping {
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.stopReaper = cancel
	m.reaperDone = make(chan struct{})
	go m.reapLoop(ctx, m.reaperDone)
}

func (m *Manager) reapLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := m.clock.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Reap(ctx)
		}
	}
}

// Reap evicts every session idle for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) Reap(ctx context.Context) int {
	n := 0
	for _, sess := range m.reg.Idle(m.idleTimeout) {
		if !m.reg.Evict(sess, sessions.CloseIdle) {
			continue
		}
		n++
		m.log.InfoContext(ctx, "session.reap",
			slog.String("session_id", sess.ID()),
			slog.Time("last_active", sess.LastActive()),
		)
	}
	if n > 0 {
		m.log.InfoContext(ctx, "session.reap.done", slog.Int("evicted", n), slog.Int("remaining", m.reg.Len()))
	}
	return n
}

// Serve registers a session for sessionID backed by an SSE stream on w and
// blocks until the stream ends. endpoint is the URL clients POST calls to;
// it is announced in the first frame with the session ID appended.
//
// A live session under sessionID is replaced only when it belongs to the
// same user as ident; otherwise Serve fails with sessions.ErrSessionOwned.
//
// Serve returns nil on any normal close. It returns an error without
// writing a response only when the stream could not be started.
func (m *Manager) Serve(ctx context.Context, w http.ResponseWriter, sessionID string, ident *auth.Identity, endpoint string) error {
	f, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	st := newStream(w, f, m.writeTimeout)

	// Hold the write lock until the endpoint frame is out so that pushes
	// racing with registration queue up behind it. Registering under m.mu
	// guarantees Shutdown either sees this session or refuses it.
	st.mu.Lock()
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		st.mu.Unlock()
		return ErrShuttingDown
	}
	sess, err := m.reg.RegisterOwned(sessionID, ident, st)
	if err != nil {
		m.mu.Unlock()
		st.state.Store(int32(StateClosed))
		st.mu.Unlock()
		return err
	}
	m.streams.Add(1)
	m.mu.Unlock()
	defer m.streams.Done()

	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := st.writeLocked(frame(eventEndpoint, []byte(endpointURL(endpoint, sessionID)))); err != nil {
		st.mu.Unlock()
		st.Close(sessions.CloseWriteFailed)
		st.finish()
		m.reg.Unregister(sess, sessions.CloseWriteFailed)
		m.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return nil
	}
	st.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))
	st.mu.Unlock()

	start := m.clock.Now()
	m.log.InfoContext(ctx, "sse.stream.start")
	for _, o := range m.observers {
		o.SessionOpened(sess)
	}

	reason := m.loop(ctx, st)

	st.finish()
	m.reg.Unregister(sess, reason)
	for _, o := range m.observers {
		o.SessionClosed(sess, reason)
	}
	m.log.InfoContext(ctx, "sse.stream.end",
		slog.String("reason", string(reason)),
		slog.Duration("dur", m.clock.Since(start)),
	)
	return nil
}

func (m *Manager) loop(ctx context.Context, st *stream) sessions.CloseReason {
	var tick <-chan time.Time
	if m.keepAlive > 0 {
		ticker := m.clock.NewTicker(m.keepAlive)
		defer ticker.Stop()
		tick = ticker.Chan()
	}
	for {
		select {
		case <-ctx.Done():
			st.Close(sessions.CloseClientGone)
			return st.closeReason()
		case <-st.done:
			return st.closeReason()
		case <-tick:
			if err := st.ping(); err != nil && !errors.Is(err, sessions.ErrSessionClosed) {
				m.log.WarnContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				st.Close(sessions.CloseWriteFailed)
			}
		}
	}
}

// Shutdown stops the reaper, closes every live session with CloseShutdown
// and waits for their streams to finish or ctx to end. New streams are
// refused from the moment it is called. Calling it again only waits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	first := !m.stopping
	m.stopping = true
	stop, reaperDone := m.stopReaper, m.reaperDone
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if first {
		for _, sess := range m.reg.Snapshot() {
			m.reg.Evict(sess, sessions.CloseShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		m.streams.Wait()
		if reaperDone != nil {
			<-reaperDone
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func endpointURL(endpoint, sessionID string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint + "?sessionId=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func sessionData(sess *sessions.Session) *logctx.SessionData {
	sd := &logctx.SessionData{SessionID: sess.ID()}
	if id := sess.Identity(); id != nil {
		sd.UserID = id.UserID()
		sd.Role = id.Role()
	}
	return sd
}
