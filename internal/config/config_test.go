package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Generation.Provider != ProviderOpenAI {
		t.Errorf("Provider = %q, want %q", cfg.Generation.Provider, ProviderOpenAI)
	}
	if cfg.Generation.MaxNewTokens != 256 {
		t.Errorf("MaxNewTokens = %d, want 256", cfg.Generation.MaxNewTokens)
	}
	if cfg.Generation.Temperature != 0.2 || cfg.Generation.TopP != 0.9 {
		t.Errorf("sampling = (%v, %v), want (0.2, 0.9)", cfg.Generation.Temperature, cfg.Generation.TopP)
	}
	if cfg.Cache.Enabled() {
		t.Error("cache should be disabled without REDIS_ADDR")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GENERATION_PROVIDER", "GRPC")
	t.Setenv("GENERATION_GRPC_ADDR", "model:50051")
	t.Setenv("GENERATION_TIMEOUT", "45")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Generation.Provider != ProviderGRPC || cfg.Generation.GRPCAddr != "model:50051" {
		t.Errorf("unexpected generation config: %+v", cfg.Generation)
	}
	if cfg.Generation.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", cfg.Generation.Timeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.RateLimit.WindowDuration != 30*time.Second {
		t.Errorf("WindowDuration = %v, want 30s", cfg.RateLimit.WindowDuration)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, wantInErr string
	}{
		{"GENERATION_PROVIDER", "llama", "GENERATION_PROVIDER"},
		{"TOP_P", "1.5", "TOP_P"},
		{"MAX_NEW_TOKENS", "0", "MAX_NEW_TOKENS"},
		{"TEMPERATURE", "-1", "TEMPERATURE"},
		{"RATE_LIMIT_REQUESTS", "0", "RATE_LIMIT_REQUESTS"},
		{"DB_PATH", "", "DB_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantInErr) {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{FrontendURL: "https://sqlchat.example.com"}
	if cfg.IsDevelopment() {
		t.Error("expected production for public URL")
	}
	cfg.FrontendURL = "http://localhost:5173"
	if !cfg.IsDevelopment() {
		t.Error("expected development for localhost")
	}
}
