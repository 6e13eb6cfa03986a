package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/identity"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

type createSessionRequest struct {
	Title    *string `json:"title"`
	SchemaID *int64  `json:"schema_id"`
}

type updateSessionRequest struct {
	Title       *string `json:"title"`
	SchemaID    *int64  `json:"schema_id"`
	ClearSchema bool    `json:"clear_schema"`
}

type messageRequest struct {
	Content string `json:"content"`
}

// ListSessions returns the caller's sessions, most recently active first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sessions, err := h.repo.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// CreateSession opens a new session, optionally bound to a schema.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	if req.SchemaID != nil {
		if err := h.checkSchemaOwner(r, userID, *req.SchemaID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	session := &domain.Session{UserID: userID, Title: req.Title, SchemaID: req.SchemaID}
	if err := h.repo.CreateSession(r.Context(), session); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// UpdateSession renames a session or changes its schema binding. A new
// binding applies to later turns only.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ClearSchema && req.SchemaID != nil {
		h.writeError(w, r, fmt.Errorf("%w: schema_id and clear_schema are mutually exclusive", domain.ErrValidation))
		return
	}

	if req.Title != nil {
		session.Title = req.Title
	}
	switch {
	case req.ClearSchema:
		session.SchemaID = nil
	case req.SchemaID != nil:
		if err := h.checkSchemaOwner(r, session.UserID, *req.SchemaID); err != nil {
			h.writeError(w, r, err)
			return
		}
		session.SchemaID = req.SchemaID
	}

	if err := h.repo.UpdateSession(r.Context(), session); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// ListMessages returns the latest turns of a session, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	session, err := h.ownedSession(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	turns, err := h.repo.LastTurns(r.Context(), session.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	JSON(w, http.StatusOK, turns)
}

// SendMessage submits a question and returns the generated SQL.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	if !h.rateLimiter.Allow(strconv.FormatInt(userID, 10)) {
		h.logger.Warn("turn rate limited", "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded, please slow down")
		return
	}

	result, err := h.chat.HandleTurn(r.Context(), userID, sessionID, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, result.GenerationResult)
}

func (h *Handler) ownedSession(r *http.Request) (*domain.Session, error) {
	id, err := pathID(r, "sessionID")
	if err != nil {
		return nil, err
	}
	session, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %d", domain.ErrNotFound, id)
	}
	if !session.OwnedBy(identity.UserIDFromContext(r.Context())) {
		return nil, fmt.Errorf("%w: session %d", domain.ErrForbidden, id)
	}
	return session, nil
}

func (h *Handler) checkSchemaOwner(r *http.Request, userID, schemaID int64) error {
	schema, err := h.repo.GetSchema(r.Context(), schemaID)
	if err != nil {
		return err
	}
	if schema == nil || schema.UserID != userID {
		return fmt.Errorf("%w: schema %d", domain.ErrNotFound, schemaID)
	}
	return nil
}
