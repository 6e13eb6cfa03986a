package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/sqlchat/internal/store"
)

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestNewExternalID(t *testing.T) {
	a, b := NewExternalID(), NewExternalID()
	if !IsValidExternalID(a) || !IsValidExternalID(b) {
		t.Fatalf("invalid ids %q %q", a, b)
	}
	if a == b {
		t.Fatal("ids should be unique")
	}
	if IsValidExternalID("not-an-id") || IsValidExternalID("") {
		t.Fatal("malformed ids accepted")
	}
}

func TestMiddlewareResolvesCookie(t *testing.T) {
	repo := newTestRepo(t)
	externalID := NewExternalID()

	var firstID, secondID int64
	handler := Middleware(repo)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if firstID == 0 {
			firstID = UserIDFromContext(r.Context())
			return
		}
		secondID = UserIDFromContext(r.Context())
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: externalID})
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if firstID == 0 {
		t.Fatal("user was not resolved")
	}
	if firstID != secondID {
		t.Fatalf("same cookie resolved to users %d and %d", firstID, secondID)
	}
}

func TestMiddlewareIgnoresMissingOrMalformedCookie(t *testing.T) {
	repo := newTestRepo(t)

	for _, cookie := range []*http.Cookie{nil, {Name: CookieName, Value: "../../etc"}} {
		called := false
		handler := Middleware(repo)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			called = true
			if UserFromContext(r.Context()) != nil {
				t.Error("expected anonymous request")
			}
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if cookie != nil {
			req.AddCookie(cookie)
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if !called {
			t.Fatal("next handler not called")
		}
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSetAndClearCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCookie(rec, "abc", true)
	ClearCookie(rec, false)

	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("got %d cookies", len(cookies))
	}
	if cookies[0].Value != "abc" || cookies[0].Secure {
		t.Fatalf("set cookie = %+v", cookies[0])
	}
	if cookies[1].MaxAge >= 0 || !cookies[1].Secure {
		t.Fatalf("clear cookie = %+v", cookies[1])
	}
}
