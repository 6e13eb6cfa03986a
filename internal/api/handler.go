// Package api provides the JSON HTTP handlers for the SQL chat service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sqlchat/internal/chat"
	"github.com/ashureev/sqlchat/internal/config"
	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/generation"
	"github.com/ashureev/sqlchat/internal/identity"
	"github.com/ashureev/sqlchat/internal/store"
)

const maxBodyBytes = 1 << 20

// SchemaInvalidator drops cached schema text after a write.
type SchemaInvalidator interface {
	Invalidate(ctx context.Context, schemaID int64) error
}

// SocketCloser closes a user's live chat sockets.
type SocketCloser interface {
	CloseUser(userID int64)
}

// Options holds the dependencies of a Handler.
type Options struct {
	Repo      store.Repository
	Chat      *chat.Service
	Backend   generation.Backend
	Cache     SchemaInvalidator
	RateLimit config.RateLimitConfig
	// Limiter is shared with other transports when set. Otherwise one is
	// built from RateLimit and owned by the Handler.
	Limiter *RateLimiter
	Sockets SocketCloser
	IsDev   bool
	Logger  *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	repo        store.Repository
	chat        *chat.Service
	backend     generation.Backend
	cache       SchemaInvalidator
	rateLimiter *RateLimiter
	ownsLimiter bool
	sockets     SocketCloser
	isDev       bool
	logger      *slog.Logger
}

// NewHandler creates a Handler. Call Close to stop the rate limiter.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limiter, owns := opts.Limiter, false
	if limiter == nil {
		limiter, owns = NewRateLimiterFromConfig(opts.RateLimit), true
	}
	return &Handler{
		repo:        opts.Repo,
		chat:        opts.Chat,
		backend:     opts.Backend,
		cache:       opts.Cache,
		rateLimiter: limiter,
		ownsLimiter: owns,
		sockets:     opts.Sockets,
		isDev:       opts.IsDev,
		logger:      opts.Logger,
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	if h.ownsLimiter {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/auth/signup", h.Signup)
		r.Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)
		r.Get("/auth/me", h.Me)
		r.Get("/users/bootstrap", h.Bootstrap)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireUser)

			r.Get("/schemas", h.ListSchemas)
			r.Post("/schemas", h.CreateSchema)
			r.Patch("/schemas/{schemaID}", h.UpdateSchema)
			r.Delete("/schemas/{schemaID}", h.DeleteSchema)

			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions", h.CreateSession)
			r.Patch("/sessions/{sessionID}", h.UpdateSession)
			r.Get("/sessions/{sessionID}/messages", h.ListMessages)
			r.Post("/sessions/{sessionID}/messages", h.SendMessage)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message, Category: categoryForStatus(status)})
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error            string `json:"error"`
	Category         string `json:"category"`
	QuestionRecorded bool   `json:"question_recorded,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGenerationBackend):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BodyFor builds the error body for err. Internal errors are not echoed.
func BodyFor(err error) ErrorBody {
	category := domain.Category(err)
	msg := err.Error()
	if category == "internal_error" {
		msg = "internal server error"
	}
	return ErrorBody{Error: msg, Category: category, QuestionRecorded: chat.QuestionRecorded(err)}
}

// writeError maps err to a status and category.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
	}
	JSON(w, status, BodyFor(err))
}

func categoryForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", domain.ErrValidation, name)
	}
	return id, nil
}

func queryLimit(r *http.Request, fallback, maximum int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation)
	}
	if n > maximum {
		n = maximum
	}
	return n, nil
}
