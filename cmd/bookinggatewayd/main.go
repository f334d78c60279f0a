// Command bookinggatewayd runs the booking dispatch gateway.
//
// All settings come from BOOKING_GATEWAY_* environment variables; see
// internal/config for the full list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	eventsredis "github.com/ggoodman/booking-gateway/eventsource/redis"
	"github.com/ggoodman/booking-gateway/executor/httpexec"
	"github.com/ggoodman/booking-gateway/gateway"
	"github.com/ggoodman/booking-gateway/internal/config"
	"github.com/ggoodman/booking-gateway/internal/logctx"
	"github.com/ggoodman/booking-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bookinggatewayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New().WithContext(ctx).WithCancelOnError()

	authn, err := newAuthenticator(ctx, cfg, log, p)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	exec, err := httpexec.New(ctx, cfg.ExecutorURL)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithBasePath(cfg.BasePath),
		gateway.WithRealm(cfg.Realm),
		gateway.WithMetrics(m),
		gateway.WithMaxBodyBytes(cfg.MaxBodyBytes),
		gateway.WithKeepAliveInterval(cfg.KeepAliveInterval),
		gateway.WithReapInterval(cfg.ReapInterval),
		gateway.WithIdleTimeout(cfg.IdleTimeout),
		gateway.WithWriteTimeout(cfg.WriteTimeout),
		gateway.WithQueueDepth(cfg.QueueDepth),
		gateway.WithSyncTimeout(cfg.SyncTimeout),
		gateway.WithBroadcastConcurrency(cfg.BroadcastConcurrency),
	}
	if cfg.PublicURL != "" && cfg.Issuer != "" {
		opts = append(opts, gateway.WithResourceMetadata(cfg.PublicURL, []string{cfg.Issuer}, cfg.Scopes()...))
	}
	g, err := gateway.New(authn, exec, opts...)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := g.Initialize(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if cfg.RedisAddr != "" {
		src := eventsredis.New(eventsredis.Config{
			Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			Stream:    cfg.RedisStream,
			Publisher: g.Broadcaster(),
			Logger:    log,
		})
		defer func() { _ = src.Close() }()
		p.Go(func(ctx context.Context) error {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event source: %w", err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.Go(func(ctx context.Context) error {
		return serve(ctx, log, srv, cfg.ShutdownTimeout, func(sctx context.Context) error {
			// Streams are long-lived; end them before the server waits on handlers.
			return g.Shutdown(sctx)
		})
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		p.Go(func(ctx context.Context) error {
			return serve(ctx, log, msrv, cfg.ShutdownTimeout, nil)
		})
	}

	err = p.Wait()
	log.Info("gateway.exit", slog.Any("err", err))
	return err
}

// serve runs srv until ctx is done, then calls before (if any) and shuts the
// server down within timeout.
func serve(ctx context.Context, log *slog.Logger, srv *http.Server, timeout time.Duration, before func(context.Context) error) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if before != nil {
		errs = append(errs, before(sctx))
	}
	errs = append(errs, srv.Shutdown(sctx))
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config, log *slog.Logger, p *pool.ContextPool) (auth.Authenticator, error) {
	jwtOpts := []auth.JWTOption{
		auth.WithLeeway(2 * time.Minute),
		auth.WithRoleClaim(cfg.RoleClaim),
	}
	if scopes := cfg.Scopes(); len(scopes) > 0 {
		jwtOpts = append(jwtOpts, auth.WithRequiredScopes(scopes...))
	}

	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return auth.NewJWT(ctx, cfg.Issuer, cfg.Audience, cfg.JWKSURL, jwtOpts...)
	case config.AuthModeOIDC:
		return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience, jwtOpts...)
	case config.AuthModeKeyFile:
		kf, err := auth.LoadKeyFile(cfg.KeyFile, log)
		if err != nil {
			return nil, err
		}
		p.Go(func(ctx context.Context) error {
			if err := kf.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("key file watch: %w", err)
			}
			return nil
		})
		return kf, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}
