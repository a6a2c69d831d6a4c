// Package main is the entry point for beacon-relay, an HTTP front for a
// beacon client.
//
// The bootstrap sequence is:
//  1. Load configuration from BEACON_* environment variables.
//  2. Start the beacon client (definition polling and the capture queue).
//  3. Wire relay token auth and per-client rate limiting for /v1/.
//  4. Serve HTTP until SIGINT/SIGTERM.
//  5. Drain HTTP, then close the client so queued events are delivered.
//
// "beacon-relay hash-token <token>" prints a bcrypt hash suitable for
// BEACON_RELAY_TOKEN_HASHES.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/beacon"
	"github.com/matt-riley/beacon/internal/config"
	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/middleware"
	"github.com/matt-riley/beacon/internal/server"
	"github.com/matt-riley/beacon/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return serve()
	}
	switch args[0] {
	case "hash-token":
		return hashToken(args[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func hashToken(args []string, stdout io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: beacon-relay hash-token <token>")
	}
	hash, err := middleware.HashToken(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	clientCfg, err := beacon.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}

	log := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	client, err := beacon.New(clientCfg, beacon.WithLogger(log), beacon.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	if client.Disabled() {
		log.Warn("BEACON_PROJECT_API_KEY is not set, capture and flag requests will be rejected")
	}

	auth, err := newRelayAuth(ctx, cfg, m)
	if err != nil {
		return err
	}
	if auth.validator == nil {
		log.Warn("BEACON_RELAY_TOKEN_HASHES is not set, /v1/ is unauthenticated")
	}

	apiHandler := server.NewHTTPHandler(client, m, server.WithMaxJSONBodySize(cfg.MaxJSONBodySize))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           tracing.Handler(middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, auth)), "beacon-relay"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("relay shutting down")

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelHTTP()
		httpErr := httpServer.Shutdown(httpCtx)

		clientCtx, cancelClient := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelClient()
		if err := client.Close(clientCtx); err != nil {
			log.Error("client close error", "error", err)
		}

		if httpErr != nil {
			return fmt.Errorf("shutdown HTTP: %w", httpErr)
		}
		return nil
	})

	log.Info("relay started",
		"http_addr", cfg.HTTPAddr,
		"local_evaluation", client.LocalEvaluation(),
		"relay_tokens", auth.tokens,
	)
	return g.Wait()
}

// relayAuth holds the protections applied to /v1/. A nil validator leaves
// the API open; a nil limiter disables rate limiting.
type relayAuth struct {
	validator middleware.TokenValidator
	tokens    int
	limiter   *middleware.Limiter
	onLimited func()
	authOpts  []middleware.AuthOption
}

// newRelayAuth builds auth and rate limiting from cfg. The limiters stop
// cleaning up once ctx ends.
func newRelayAuth(ctx context.Context, cfg config.Config, m *metrics.Metrics) (relayAuth, error) {
	tokens, err := middleware.ParseHashedTokens(cfg.RelayTokenHashes)
	if err != nil {
		return relayAuth{}, fmt.Errorf("parse BEACON_RELAY_TOKEN_HASHES: %w", err)
	}

	auth := relayAuth{
		tokens:    tokens.Len(),
		limiter:   middleware.NewLimiter(ctx, cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		onLimited: m.IncRateLimited,
	}
	if tokens.Len() > 0 {
		auth.validator = tokens
		auth.authOpts = []middleware.AuthOption{
			middleware.WithOnAuthFailure(m.IncAuthFailure),
			middleware.WithFailureLimiter(middleware.NewPerMinuteLimiter(ctx, cfg.AuthFailuresPerMinute)),
		}
	}
	return auth, nil
}

func newHTTPHandler(apiHandler http.Handler, auth relayAuth) http.Handler {
	protectedAPIHandler := apiHandler
	if auth.limiter != nil {
		protectedAPIHandler = middleware.RateLimit(auth.limiter, auth.onLimited)(protectedAPIHandler)
	}
	if auth.validator != nil {
		protectedAPIHandler = middleware.HTTPBearerAuthMiddleware(auth.validator, auth.authOpts...)(protectedAPIHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
