package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSessionManagerCreateSetsCookie(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.TTL = time.Hour

	store := NewInMemoryStore()
	manager := NewSessionManager(cfg, store, discardLogger())

	w := httptest.NewRecorder()
	user := User{ID: "user-123", Email: "user@example.com"}
	sess, err := manager.Create(w, user)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if sess.UserID != "user-123" || sess.Email != "user@example.com" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName && c.Value == sess.ID {
			found = true
			if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
				t.Fatalf("unexpected cookie attributes: %+v", c)
			}
			if c.MaxAge != int(time.Hour.Seconds()) {
				t.Fatalf("unexpected max age: %d", c.MaxAge)
			}
		}
	}
	if !found {
		t.Fatalf("session cookie missing")
	}
	if _, ok := store.GetSession(sess.ID); !ok {
		t.Fatalf("session not stored")
	}
}

func TestSessionManagerSecureOutsideDevMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	manager := NewSessionManager(cfg, NewInMemoryStore(), discardLogger())

	w := httptest.NewRecorder()
	if _, err := manager.Create(w, User{ID: "u"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if c := w.Result().Cookies()[0]; !c.Secure {
		t.Fatalf("expected secure cookie in production mode")
	}
}

func TestSessionManagerFetchExtendsExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.TTL = time.Minute

	store := NewInMemoryStore()
	manager := NewSessionManager(cfg, store, discardLogger())

	sess := Session{
		ID:        "session",
		UserID:    "user",
		ExpiresAt: time.Now().Add(10 * time.Second),
	}
	store.SaveSession(sess)

	req := httptest.NewRequest("GET", "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})

	returned, err := manager.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if returned == nil {
		t.Fatalf("expected session to be returned")
	}
	if !returned.ExpiresAt.After(time.Now().Add(30 * time.Second)) {
		t.Fatalf("expected sliding expiration to extend session")
	}
}

func TestSessionManagerFetchExpired(t *testing.T) {
	cfg := DefaultConfig()
	store := NewInMemoryStore()
	manager := NewSessionManager(cfg, store, discardLogger())

	store.SaveSession(Session{ID: "old", UserID: "user", ExpiresAt: time.Now().Add(-time.Second)})

	req := httptest.NewRequest("GET", "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "old"})

	returned, err := manager.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if returned != nil {
		t.Fatalf("expected expired session to be ignored")
	}
	if _, ok := store.GetSession("old"); ok {
		t.Fatalf("expected expired session to be removed")
	}
}

func TestSessionManagerFetchWithoutCookie(t *testing.T) {
	manager := NewSessionManager(DefaultConfig(), NewInMemoryStore(), discardLogger())

	returned, err := manager.Fetch(httptest.NewRequest("GET", "/api/me", nil))
	if err != nil || returned != nil {
		t.Fatalf("expected no session and no error, got %v, %v", returned, err)
	}
}

func TestSessionManagerClearRevokesAndExpires(t *testing.T) {
	store := NewInMemoryStore()
	manager := NewSessionManager(DefaultConfig(), store, discardLogger())
	store.SaveSession(Session{ID: "live", UserID: "user", ExpiresAt: time.Now().Add(time.Hour)})

	req := httptest.NewRequest("GET", "/auth/oidc/login", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "live"})
	w := httptest.NewRecorder()
	manager.Clear(w, req)

	if _, ok := store.GetSession("live"); ok {
		t.Fatalf("expected server-side session to be revoked")
	}
	header := w.Header().Get("Set-Cookie")
	if !strings.HasPrefix(header, SessionCookieName+"=;") || !strings.Contains(header, "Max-Age=0") {
		t.Fatalf("expected expiring cookie, got %q", header)
	}
}

func TestSessionManagerClearWithoutCookieStillEmits(t *testing.T) {
	manager := NewSessionManager(DefaultConfig(), NewInMemoryStore(), discardLogger())

	w := httptest.NewRecorder()
	manager.Clear(w, httptest.NewRequest("GET", "/auth/oidc/login", nil))

	if got := len(w.Result().Cookies()); got != 1 {
		t.Fatalf("expected one clearing cookie, got %d", got)
	}
}

func TestStateBinderRoundTrip(t *testing.T) {
	binder := NewStateBinder(DefaultConfig(), []byte(strings.Repeat("k", 32)))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/auth/oidc/login", nil)
	if err := binder.Bind(w, r, "state-abc"); err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}

	cb := httptest.NewRequest("GET", "/auth/oidc/callback", nil)
	for _, c := range w.Result().Cookies() {
		cb.AddCookie(c)
	}
	if got := binder.Expected(cb); got != "state-abc" {
		t.Fatalf("Expected() = %q, want state-abc", got)
	}

	forget := httptest.NewRecorder()
	if err := binder.Forget(forget, cb); err != nil {
		t.Fatalf("Forget returned error: %v", err)
	}
	cookies := forget.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expiring state cookie, got %+v", cookies)
	}
}

func TestStateBinderRejectsForeignKey(t *testing.T) {
	binder := NewStateBinder(DefaultConfig(), []byte(strings.Repeat("k", 32)))
	other := NewStateBinder(DefaultConfig(), []byte(strings.Repeat("x", 32)))

	w := httptest.NewRecorder()
	if err := other.Bind(w, httptest.NewRequest("GET", "/", nil), "forged"); err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	cb := httptest.NewRequest("GET", "/auth/oidc/callback", nil)
	for _, c := range w.Result().Cookies() {
		cb.AddCookie(c)
	}
	if got := binder.Expected(cb); got != "" {
		t.Fatalf("expected no state from a cookie signed with another key, got %q", got)
	}
}
