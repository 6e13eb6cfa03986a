package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/sqlchat/internal/api"
	"github.com/ashureev/sqlchat/internal/cache"
	"github.com/ashureev/sqlchat/internal/chat"
	"github.com/ashureev/sqlchat/internal/config"
	"github.com/ashureev/sqlchat/internal/generation"
	"github.com/ashureev/sqlchat/internal/prompt"
	"github.com/ashureev/sqlchat/internal/store"
)

// app holds the dependencies shared by every command. Build it with newApp
// and release it with close.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *store.SQLiteStore
	backend generation.Backend
	redis   *redis.Client
	schemas *cache.SchemaCache
	convLog chat.ConversationLogger
	chat    *chat.Service
}

func newLogger(level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadApp reads configuration and builds the app, installing its logger
// as the default.
func loadApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel, logOut)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err = a.repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	var schemas store.SchemaStore = a.repo
	if cfg.Cache.Enabled() {
		client, cerr := cache.Connect(ctx, cfg.Cache.RedisAddr)
		if cerr != nil {
			logger.Warn("Redis unavailable, schema cache disabled", "addr", cfg.Cache.RedisAddr, "error", cerr)
		} else {
			a.redis = client
			a.schemas = cache.NewSchemaCache(client, a.repo, cfg.Cache.TTL, logger)
			schemas = a.schemas
			logger.Info("Schema cache enabled", "addr", cfg.Cache.RedisAddr, "ttl", cfg.Cache.TTL)
		}
	}

	a.backend, err = generation.New(ctx, cfg.Generation, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize generation backend: %w", err)
	}

	a.convLog, err = chat.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}

	a.chat, err = chat.NewService(chat.Dependencies{
		History:  a.repo,
		Schemas:  schemas,
		Sessions: a.repo,
		Backend:  a.backend,
	}, chat.Options{
		Params:             generation.ParamsFromConfig(cfg.Generation),
		Timeout:            cfg.Generation.Timeout,
		Logger:             logger,
		ConversationLogger: a.convLog,
		TokenCounter:       prompt.NewTokenCounter(""),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize chat service: %w", err)
	}
	return a, nil
}

// schemaInvalidator returns nil when the cache is disabled.
func (a *app) schemaInvalidator() api.SchemaInvalidator {
	if a.schemas == nil {
		return nil
	}
	return a.schemas
}

func (a *app) close() {
	if a.convLog != nil {
		if err := a.convLog.Close(); err != nil {
			a.logger.Error("Failed to close conversation logger", "error", err)
		}
	}
	if closer, ok := a.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("Failed to close generation backend", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Error("Failed to close repository", "error", err)
		}
	}
}
