// Package gateway is the HTTP surface of the booking gateway. It composes
// the session registry, the SSE connection manager, the JSON-RPC dispatcher
// and the broadcast engine behind a single http.Handler:
//
//	GET    <base>/sse[?sessionId=]       open a session stream
//	POST   <base>/messages[?sessionId=]  send a JSON-RPC message
//	DELETE <base>/messages?sessionId=    close a session
//	GET    <base>/tools                  list callable tools
//
// The base path defaults to /mcp. WithResourceMetadata additionally serves an
// RFC 9728 metadata document and points bearer challenges at it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/broadcast"
	"github.com/ggoodman/booking-gateway/executor"
	"github.com/ggoodman/booking-gateway/internal/dispatch"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/internal/metrics"
	"github.com/ggoodman/booking-gateway/internal/wellknown"
	"github.com/ggoodman/booking-gateway/sessions"
	"github.com/ggoodman/booking-gateway/streaming"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultBasePath = "/mcp"
	// DefaultMaxBodyBytes caps a POSTed JSON-RPC message.
	DefaultMaxBodyBytes = 4 << 20
)

var ErrShutdown = errors.New("gateway: shut down")

var _ http.Handler = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	basePath     string
	realm        string
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	observers    []sessions.Observer
	maxBodyBytes int64

	resource     string
	authServers  []string
	scopes       []string

	keepAlive    time.Duration
	reapInterval time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration

	queueDepth  int
	syncTimeout time.Duration
	fanout      int
}

// WithLogger sets the logger. Records are enriched with request and session
// attributes from context.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBasePath mounts the routes under p instead of DefaultBasePath.
func WithBasePath(p string) Option {
	return func(c *config) { c.basePath = p }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithResourceMetadata publishes OAuth protected resource metadata for the
// public resource URL (for example https://booking.example.com/mcp) and adds
// resource_metadata to every bearer challenge.
func WithResourceMetadata(resource string, authServers []string, scopes ...string) Option {
	return func(c *config) {
		c.resource = resource
		c.authServers = append([]string(nil), authServers...)
		c.scopes = append([]string(nil), scopes...)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock injects the clock used for session activity, keep-alives and
// the idle reaper.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithObserver adds session lifecycle observers.
func WithObserver(obs ...sessions.Observer) Option {
	return func(c *config) { c.observers = append(c.observers, obs...) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

func WithReapInterval(d time.Duration) Option {
	return func(c *config) { c.reapInterval = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) { c.writeTimeout = d }
}

// WithQueueDepth bounds the tool calls buffered per session.
func WithQueueDepth(n int) Option {
	return func(c *config) { c.queueDepth = n }
}

// WithSyncTimeout bounds how long a POST waits for its own result before
// the response is pushed over the stream.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *config) { c.syncTimeout = d }
}

// WithBroadcastConcurrency bounds parallel sends per broadcast.
func WithBroadcastConcurrency(n int) Option {
	return func(c *config) { c.fanout = n }
}

// Gateway serves the session protocol. Call Initialize before serving and
// Shutdown when done.
type Gateway struct {
	mux      *http.ServeMux
	handler  http.Handler
	log      *slog.Logger
	basePath string
	realm    string
	maxBody  int64

	prm    *wellknown.ProtectedResourceMetadata
	prmURL string

	authn   auth.Authenticator
	store   *auth.Store
	reg     *sessions.Registry
	disp    *dispatch.Dispatcher
	streams *streaming.Manager
	bcast   *broadcast.Engine
	metrics *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New builds a Gateway that authenticates with authn and runs tools on exec.
func New(authn auth.Authenticator, exec executor.Executor, opts ...Option) (*Gateway, error) {
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}

	cfg := &config{
		logger:       slog.Default(),
		basePath:     DefaultBasePath,
		clock:        clockwork.NewRealClock(),
		maxBodyBytes: DefaultMaxBodyBytes,
		keepAlive:    streaming.DefaultKeepAliveInterval,
		reapInterval: streaming.DefaultReapInterval,
		idleTimeout:  streaming.DefaultIdleTimeout,
		writeTimeout: streaming.DefaultWriteTimeout,
		syncTimeout:  dispatch.DefaultSyncTimeout,
		fanout:       broadcast.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base := "/" + strings.Trim(cfg.basePath, "/")
	if base == "/" {
		base = ""
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	g := &Gateway{
		log:      log,
		basePath: base,
		realm:    cfg.realm,
		maxBody:  cfg.maxBodyBytes,
		authn:    authn,
		store:    auth.NewStore(),
		reg:      sessions.NewRegistry(sessions.WithClock(cfg.clock)),
		metrics:  cfg.metrics,
	}

	dispOpts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithMetrics(cfg.metrics),
		dispatch.WithSyncTimeout(cfg.syncTimeout),
	}
	if cfg.queueDepth > 0 {
		dispOpts = append(dispOpts, dispatch.WithQueueDepth(cfg.queueDepth))
	}
	disp, err := dispatch.New(exec, dispOpts...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	g.disp = disp

	observers := []sessions.Observer{bindingObserver{store: g.store}}
	if cfg.metrics != nil {
		observers = append(observers, cfg.metrics)
	}
	observers = append(observers, cfg.observers...)

	g.streams = streaming.New(g.reg,
		streaming.WithLogger(log),
		streaming.WithObserver(observers...),
		streaming.WithKeepAliveInterval(cfg.keepAlive),
		streaming.WithReapInterval(cfg.reapInterval),
		streaming.WithIdleTimeout(cfg.idleTimeout),
		streaming.WithWriteTimeout(cfg.writeTimeout),
	)
	g.bcast = broadcast.New(g.reg,
		broadcast.WithLogger(log),
		broadcast.WithMetrics(cfg.metrics),
		broadcast.WithConcurrency(cfg.fanout),
	)

	mux := http.NewServeMux()
	if cfg.resource != "" {
		u, err := url.Parse(cfg.resource)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("resource %q must be an absolute URL", cfg.resource)
		}
		g.prm = &wellknown.ProtectedResourceMetadata{
			Resource:               cfg.resource,
			AuthorizationServers:   cfg.authServers,
			ScopesSupported:        cfg.scopes,
			BearerMethodsSupported: []string{wellknown.BearerMethodHeader, wellknown.BearerMethodQuery},
		}
		prmURL := wellknown.ProtectedResourceURL(u)
		g.prmURL = prmURL.String()
		mux.HandleFunc("GET "+prmURL.Path, g.handleResourceMetadata)
		mux.HandleFunc("OPTIONS "+prmURL.Path, g.handleResourceMetadataOptions)
	}
	mux.HandleFunc("GET "+base+"/sse", g.handleStream)
	mux.HandleFunc("POST "+base+"/messages", g.handlePostMessage)
	mux.HandleFunc("DELETE "+base+"/messages", g.handleDeleteSession)
	mux.HandleFunc("GET "+base+"/tools", g.handleListTools)
	g.mux = mux
	g.handler = cfg.metrics.Middleware(mux)
	return g, nil
}

// Initialize starts background work (the idle reaper). It is idempotent.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return ErrShutdown
	}
	if g.initialized {
		return nil
	}
	g.initialized = true
	g.streams.Start(ctx)
	g.log.InfoContext(ctx, "gateway.init", slog.String("base_path", g.basePath))
	return nil
}

// Shutdown closes every session and waits for streams and queued tool calls
// to finish, bounded by ctx. It is idempotent.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	g.mu.Unlock()

	var errs []error
	if err := g.streams.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("streams: %w", err))
	}
	if err := g.disp.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		g.log.WarnContext(ctx, "gateway.shutdown.incomplete", slog.String("err", err.Error()))
		return err
	}
	g.log.InfoContext(ctx, "gateway.shutdown")
	return nil
}

// Broadcaster returns the publisher used to push domain events to sessions.
func (g *Gateway) Broadcaster() broadcast.Publisher { return g.bcast }

// Registry exposes the live session registry.
func (g *Gateway) Registry() *sessions.Registry { return g.reg }

// Identity returns the identity bound to a live session.
func (g *Gateway) Identity(sessionID string) (*auth.Identity, bool) {
	return g.store.Lookup(sessionID)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// bindingObserver keeps the auth store in step with session lifecycles.
type bindingObserver struct {
	store *auth.Store
}

func (b bindingObserver) SessionOpened(sess *sessions.Session) {
	b.store.Bind(sess.ID(), sess.Identity())
}

func (b bindingObserver) SessionClosed(sess *sessions.Session, _ sessions.CloseReason) {
	b.store.Release(sess.ID(), sess.Identity())
}
