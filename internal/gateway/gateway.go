// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC servers
// ABOUTME: Owns the store, change feed, relay, session service and lifecycle manager

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/backend"
	"github.com/2389/consult-gateway/internal/changefeed"
	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/consult"
	"github.com/2389/consult-gateway/internal/lifecycle"
	"github.com/2389/consult-gateway/internal/relay"
	"github.com/2389/consult-gateway/internal/store"
	"github.com/2389/consult-gateway/internal/tokenexchange"
)

const (
	// coordinatorIdleTimeout keeps a session's dialog state between requests
	coordinatorIdleTimeout = 30 * time.Minute
	shutdownTimeout        = 5 * time.Second
)

// Components are the collaborators a Gateway is assembled from.
type Components struct {
	Store     store.Store
	Feed      changefeed.Feed
	Backend   backend.Backend
	Exchanger tokenexchange.Exchanger
	// Identity verifies caller bearer tokens
	Identity *auth.JWTVerifier
	// Scoped verifies session-scoped backend credentials
	Scoped *auth.JWTVerifier
}

// Gateway serves the consult relay and session API.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store     store.Store
	feed      changefeed.Feed
	relay     *relay.Service
	sessions  *consult.Service
	lifecycle *lifecycle.Manager
	identity  *auth.JWTVerifier
	scoped    *auth.JWTVerifier

	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	addrMu   sync.Mutex
	httpAddr string
	grpcAddr string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway from configuration, opening the store and change
// feed and selecting the token exchanger and backend.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	feed, err := initFeed(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	identity := auth.NewJWTVerifier([]byte(cfg.Auth.IdentitySecret))
	scoped := auth.NewJWTVerifier([]byte(cfg.Auth.ScopedSecret))

	be, err := initBackend(ctx, cfg, s, logger)
	if err != nil {
		_ = feed.Close()
		_ = s.Close()
		return nil, err
	}

	return NewWithComponents(cfg, Components{
		Store:     s,
		Feed:      feed,
		Backend:   be,
		Exchanger: initExchanger(cfg, identity, scoped),
		Identity:  identity,
		Scoped:    scoped,
	}, logger), nil
}

// NewWithComponents assembles a Gateway from already-built components.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer, hs := newGRPCServer()

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    c.Store,
		feed:     c.Feed,
		relay:    relay.New(c.Store, c.Identity, c.Exchanger, c.Backend, logger),
		sessions: consult.New(c.Store, c.Feed, logger),
		identity: c.Identity,
		scoped:   c.Scoped,
		lifecycle: lifecycle.NewManager(c.Store, c.Feed, lifecycle.ManagerOptions{
			IdleTimeout: coordinatorIdleTimeout,
			Logger:      logger,
		}),
		grpcServer: grpcServer,
		health:     hs,
	}

	g.handler = withLogging(g.logger, withCORS(g.routes()))
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the HTTP handler with all routes and middleware.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// HTTPAddr returns the bound HTTP address once Run is listening.
func (g *Gateway) HTTPAddr() string {
	g.addrMu.Lock()
	defer g.addrMu.Unlock()
	return g.httpAddr
}

// GRPCAddr returns the bound gRPC address once Run is listening.
func (g *Gateway) GRPCAddr() string {
	g.addrMu.Lock()
	defer g.addrMu.Unlock()
	return g.grpcAddr
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and blocks until ctx is cancelled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.addrMu.Lock()
	g.httpAddr = httpLn.Addr().String()
	if grpcLn != nil {
		g.grpcAddr = grpcLn.Addr().String()
	}
	g.addrMu.Unlock()

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		grp.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	grp.Go(func() error {
		g.watchHealth(gctx)
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops the servers and releases every component. Safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.health.Shutdown()

		var errs []error
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		g.shutdownGRPCServer(ctx)

		g.lifecycle.Close()
		if err := g.feed.Close(); err != nil && !errors.Is(err, changefeed.ErrClosed) {
			errs = append(errs, fmt.Errorf("change feed close: %w", err))
		}
		if g.tsnetServer != nil {
			if err := g.tsnetServer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
			}
		}
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
