// ABOUTME: Builds the gateway's components from configuration
// ABOUTME: Store driver, change feed transport, token exchanger and completion backend are chosen here

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/backend"
	"github.com/2389/consult-gateway/internal/changefeed"
	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/store"
	"github.com/2389/consult-gateway/internal/tokenexchange"
)

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initFeed creates the change feed transport.
func initFeed(cfg *config.Config, logger *slog.Logger) (changefeed.Feed, error) {
	opts := changefeed.WatermillOptions{
		DedupeTTL: cfg.ChangeFeed.DedupeTTL,
		Logger:    logger,
	}

	switch cfg.ChangeFeed.Driver {
	case config.FeedGoChannel:
		return changefeed.NewGoChannelFeed(opts), nil
	case config.FeedRedis:
		f, err := changefeed.NewRedisFeed(changefeed.RedisOptions{
			Addr:          cfg.ChangeFeed.RedisAddr,
			ConsumerGroup: cfg.ChangeFeed.ConsumerGroup,
			Consumer:      cfg.ChangeFeed.Consumer,
		}, opts)
		if err != nil {
			return nil, fmt.Errorf("initializing change feed: %w", err)
		}
		return f, nil
	default:
		return changefeed.NewBroadcaster(logger), nil
	}
}

// initExchanger selects the token exchange implementation.
func initExchanger(cfg *config.Config, identity, scoped *auth.JWTVerifier) tokenexchange.Exchanger {
	if cfg.TokenExchange.Mode == config.ExchangeRemote {
		return tokenexchange.NewHTTPClient(cfg.TokenExchange.Endpoint,
			tokenexchange.WithTimeout(cfg.TokenExchange.Timeout))
	}
	return tokenexchange.NewLocalIssuer(identity, scoped, cfg.Auth.ScopedTTL)
}

// initBackend selects the completion backend. An http backend without an
// endpoint becomes the degraded echo backend.
func initBackend(ctx context.Context, cfg *config.Config, history backend.HistorySource, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Backend.Degraded() {
		logger.Warn("no backend endpoint configured, relay runs in degraded echo mode")
		return backend.NewNullBackend(), nil
	}

	switch cfg.Backend.Kind {
	case config.BackendGemini:
		g, err := backend.NewGeminiBackend(ctx, backend.GeminiConfig{
			APIKey:       cfg.Gemini.APIKey,
			Model:        cfg.Gemini.Model,
			SystemPrompt: cfg.Gemini.SystemPrompt,
		}, history)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini backend: %w", err)
		}
		return g, nil
	default:
		policy := backend.WithholdContent
		if cfg.Backend.ForwardContent {
			policy = backend.ForwardContent
		}
		logger.Info("http backend configured", "endpoint", cfg.Backend.Endpoint, "content_policy", policy)
		return backend.NewHTTPBackend(cfg.Backend.Endpoint,
			backend.WithPolicy(policy),
			backend.WithTimeout(cfg.Backend.Timeout),
			backend.WithLogger(logger),
		), nil
	}
}
