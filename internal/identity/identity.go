// Package identity resolves the requesting user from the user_id cookie.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/store"
)

const (
	CookieName      = "user_id"
	cookieMaxAge    = 30 * 24 * time.Hour
	unauthorizedMsg = `{"error":"authentication required","category":"unauthorized"}`
)

type contextKey int

const userKey contextKey = iota

var externalIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// NewExternalID returns a fresh cookie identity: a random UUID in hex.
func NewExternalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValidExternalID reports whether id has the shape issued by NewExternalID.
func IsValidExternalID(id string) bool {
	return externalIDPattern.MatchString(id)
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the resolved user or nil.
func UserFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userKey).(*domain.User); ok {
		return u
	}
	return nil
}

// UserIDFromContext returns the resolved user's ID, or 0 when anonymous.
func UserIDFromContext(ctx context.Context) int64 {
	if u := UserFromContext(ctx); u != nil {
		return u.ID
	}
	return 0
}

// SetCookie issues the identity cookie.
func SetCookie(w http.ResponseWriter, externalID string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    externalID,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// ClearCookie removes the identity cookie.
func ClearCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// ExternalIDFromRequest returns the cookie identity if present and well formed.
func ExternalIDFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || !IsValidExternalID(c.Value) {
		return "", false
	}
	return c.Value, true
}

// Middleware resolves the user_id cookie to a user, creating the user row
// on first sight. Requests without a usable cookie pass through anonymous.
func Middleware(repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			externalID, ok := ExternalIDFromRequest(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			user, err := repo.GetOrCreateUser(r.Context(), externalID)
			if err != nil {
				http.Error(w, `{"error":"failed to resolve user","category":"internal_error"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(unauthorizedMsg))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
