package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sqlchat/internal/api"
	"github.com/ashureev/sqlchat/internal/chat"
	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/identity"
	"github.com/ashureev/sqlchat/internal/store"
)

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// Limiter throttles turn submissions per user.
type Limiter interface {
	Allow(key string) bool
}

// Options holds the dependencies of a Handler.
type Options struct {
	Chat          *chat.Service
	Sessions      store.SessionRegistry
	Conns         *ConnManager
	Limiter       Limiter
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// Handler upgrades /ws/sessions/{sessionID} and runs turns submitted over
// the socket.
type Handler struct {
	chat          *chat.Service
	sessions      store.SessionRegistry
	conns         *ConnManager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(opts Options) *Handler {
	if opts.Conns == nil {
		opts.Conns = NewConnManager()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		chat:          opts.Chat,
		sessions:      opts.Sessions,
		conns:         opts.Conns,
		limiter:       opts.Limiter,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// Conns returns the handler's connection manager.
func (h *Handler) Conns() *ConnManager { return h.conns }

// RegisterRoutes mounts the socket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(identity.RequireUser).Get("/ws/sessions/{sessionID}", h.ServeHTTP)
}

type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type resultFrame struct {
	Type           string  `json:"type"`
	SQL            string  `json:"sql"`
	Explanation    *string `json:"explanation"`
	RawModelOutput string  `json:"raw_model_output"`
}

type errorFrame struct {
	Type string `json:"type"`
	api.ErrorBody
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == 0 {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || sessionID <= 0 {
		api.Error(w, http.StatusBadRequest, "invalid sessionID")
		return
	}
	if err := h.authorize(r.Context(), userID, sessionID); err != nil {
		api.JSON(w, api.StatusFor(err), api.BodyFor(err))
		return
	}
	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(readLimit)

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	h.readLoop(r.Context(), ws, userID, sessionID)
}

func (h *Handler) authorize(ctx context.Context, userID, sessionID int64) error {
	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("%w: session %d", domain.ErrNotFound, sessionID)
	}
	if !session.OwnedBy(userID) {
		return fmt.Errorf("%w: session %d", domain.ErrForbidden, sessionID)
	}
	return nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop handles frames one at a time; a turn finishes before the next
// frame is read.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID int64) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID, "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			h.writeError(ctx, ws, fmt.Errorf("%w: malformed frame", domain.ErrValidation))
			continue
		}

		switch msg.Type {
		case "turn":
			h.handleTurn(ctx, ws, userID, sessionID, msg.Content)
		case "ping":
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		default:
			h.writeError(ctx, ws, fmt.Errorf("%w: unknown frame type %q", domain.ErrValidation, msg.Type))
		}
	}
}

func (h *Handler) handleTurn(ctx context.Context, ws *websocket.Conn, userID, sessionID int64, content string) {
	if h.limiter != nil && !h.limiter.Allow(strconv.FormatInt(userID, 10)) {
		frame := errorFrame{Type: "error", ErrorBody: api.ErrorBody{
			Error:    "rate limit exceeded",
			Category: "rate_limited",
		}}
		if err := h.writeJSON(ctx, ws, frame); err != nil {
			h.logger.Debug("Failed to send rate limit error", "error", err)
		}
		return
	}

	res, err := h.chat.HandleTurn(ctx, userID, sessionID, content)
	if err != nil {
		if api.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("socket turn failed", "error", err, "user_id", userID, "session_id", sessionID)
		}
		h.writeError(ctx, ws, err)
		return
	}
	frame := resultFrame{
		Type:           "result",
		SQL:            res.SQL,
		Explanation:    res.Explanation,
		RawModelOutput: res.RawOutput,
	}
	if err := h.writeJSON(ctx, ws, frame); err != nil {
		h.logger.Debug("Failed to send result", "error", err, "session_id", sessionID)
	}
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, err error) {
	if werr := h.writeJSON(ctx, ws, errorFrame{Type: "error", ErrorBody: api.BodyFor(err)}); werr != nil {
		h.logger.Debug("Failed to send error frame", "error", werr)
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
