package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/identity"
)

const minPasswordLength = 8

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *credentials) normalize() error {
	addr, err := mail.ParseAddress(strings.TrimSpace(c.Email))
	if err != nil || addr.Name != "" {
		return fmt.Errorf("%w: invalid email address", domain.ErrValidation)
	}
	c.Email = strings.ToLower(addr.Address)
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", domain.ErrValidation)
	}
	return nil
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Signup registers a user and signs them in.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Password) < minPasswordLength {
		h.writeError(w, r, fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, minPasswordLength))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}

	user := &domain.User{
		ExternalID:   identity.NewExternalID(),
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("user signed up", "user_id", user.ID)
	identity.SetCookie(w, user.ExternalID, h.isDev)
	JSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

// Login verifies credentials and issues the identity cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if user == nil || !user.IsRegistered() {
		h.invalidCredentials(w, r)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			h.logger.Warn("password comparison failed", "error", err, "user_id", user.ID)
		}
		h.invalidCredentials(w, r)
		return
	}

	identity.SetCookie(w, user.ExternalID, h.isDev)
	JSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}

func (h *Handler) invalidCredentials(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("login rejected", "remote_ip", identity.IPFromRequest(r))
	h.writeError(w, r, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized))
}

// Logout clears the identity cookie and drops the user's chat sockets.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if userID := identity.UserIDFromContext(r.Context()); userID != 0 && h.sockets != nil {
		h.sockets.CloseUser(userID)
	}
	identity.ClearCookie(w, h.isDev)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the signed-in registered user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil || !user.IsRegistered() {
		h.writeError(w, r, fmt.Errorf("%w: not authenticated", domain.ErrUnauthorized))
		return
	}
	JSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}

// Bootstrap ensures the caller has an identity cookie and a user row.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		externalID := identity.NewExternalID()
		var err error
		user, err = h.repo.GetOrCreateUser(r.Context(), externalID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		identity.SetCookie(w, externalID, h.isDev)
	}
	JSON(w, http.StatusOK, map[string]int64{"user_id": user.ID})
}
