package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/sqlchat/internal/api"
	"github.com/ashureev/sqlchat/internal/identity"
	"github.com/ashureev/sqlchat/internal/middleware"
	"github.com/ashureev/sqlchat/internal/socket"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, os.Stdout)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
}

// routes wires the HTTP API and the chat socket. The returned cleanup stops
// background workers.
func (a *app) routes() (http.Handler, func()) {
	limiter := api.NewRateLimiterFromConfig(a.cfg.RateLimit)
	sockets := socket.NewHandler(socket.Options{
		Chat:          a.chat,
		Sessions:      a.repo,
		Limiter:       limiter,
		AllowedOrigin: a.cfg.FrontendURL,
		IsDev:         a.cfg.IsDevelopment(),
		Logger:        a.logger,
	})
	handler := api.NewHandler(api.Options{
		Repo:      a.repo,
		Chat:      a.chat,
		Backend:   a.backend,
		Cache:     a.schemaInvalidator(),
		RateLimit: a.cfg.RateLimit,
		Limiter:   limiter,
		Sockets:   sockets.Conns(),
		IsDev:     a.cfg.IsDevelopment(),
		Logger:    a.logger,
	})

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(a.cfg.CORSOrigins))
	r.Use(identity.Middleware(a.repo))

	handler.RegisterRoutes(r)
	sockets.RegisterRoutes(r)

	return r, func() {
		sockets.Conns().CloseAll()
		handler.Close()
		limiter.Stop()
	}
}

func (a *app) serve(ctx context.Context) error {
	router, cleanup := a.routes()
	defer cleanup()

	// Turns can block on the backend for the whole generation timeout.
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.cfg.Generation.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a.logger.Info("Starting server", "port", a.cfg.Port, "dev", a.cfg.IsDevelopment(), "provider", a.cfg.Generation.Provider)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		a.logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		a.logger.Error("Server failed", "error", err)
		return err
	}
	a.logger.Info("Server stopped successfully")
	return nil
}
