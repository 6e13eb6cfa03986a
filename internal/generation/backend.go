// Package generation provides the text-generation backends that turn an
// assembled prompt into raw model output.
package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/sqlchat/internal/config"
)

// Params holds per-call sampling parameters.
type Params struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
}

// ParamsFromConfig extracts sampling parameters from the generation config.
func ParamsFromConfig(cfg config.GenerationConfig) Params {
	return Params{
		MaxNewTokens: cfg.MaxNewTokens,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
	}
}

// Backend is an opaque text-in/text-out model. Generate is called at most
// once per turn and may block for a long time; it must honor ctx.
type Backend interface {
	Generate(ctx context.Context, prompt string, params Params) (string, error)
}

// Pinger is implemented by backends that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Func adapts a plain function to Backend.
type Func func(ctx context.Context, prompt string, params Params) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	return f(ctx, prompt, params)
}

// New builds the backend selected by cfg.Provider. The caller owns the
// returned backend and should Close it if it implements io.Closer.
func New(ctx context.Context, cfg config.GenerationConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		logger.Info("using OpenAI-compatible generation backend", "base_url", cfg.BaseURL, "model", cfg.Model)
		return NewOpenAI(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}), nil
	case config.ProviderGRPC:
		g, err := NewGRPC(ctx, GRPCConfig{Address: cfg.GRPCAddr}, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.ProviderStatic:
		logger.Warn("using static generation backend; every turn returns the same output")
		return NewStatic(cfg.StaticOutput), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
