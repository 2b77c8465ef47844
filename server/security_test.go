package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// setupTestApp builds an app whose IdP is never reachable; these tests only
// exercise paths that must fail before any network call.
func setupTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OIDC = OIDCConfig{
		IssuerURL:       "http://127.0.0.1:1",
		ClientID:        "abc",
		ClientSecret:    "s3cr3t",
		RedirectURI:     "http://127.0.0.1:8080/auth/oidc/callback",
		TokenAuthMethod: AuthMethodClientSecretBasic,
	}

	app, err := NewApp(cfg, discardLogger())
	if err != nil {
		t.Fatalf("failed to create test app: %v", err)
	}
	return app
}

func TestSecurityFakeCookies(t *testing.T) {
	app := setupTestApp(t)

	tests := []struct {
		name        string
		cookieName  string
		cookieValue string
		description string
	}{
		{
			name:        "fake_session_cookie",
			cookieName:  SessionCookieName,
			cookieValue: "fake-session-12345",
			description: "Fake session cookie should not grant access",
		},
		{
			name:        "sql_injection_in_cookie",
			cookieName:  SessionCookieName,
			cookieValue: "' OR '1'='1",
			description: "SQL injection in cookie should be safely ignored",
		},
		{
			name:        "extremely_long_cookie",
			cookieName:  SessionCookieName,
			cookieValue: strings.Repeat("A", 50000),
			description: "Extremely long cookie should not cause issues",
		},
		{
			name:        "forged_state_cookie",
			cookieName:  stateSessionName,
			cookieValue: "!!!invalid-base64@@@",
			description: "Malformed state cookie should not crash server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/me", nil)
			req.AddCookie(&http.Cookie{Name: tt.cookieName, Value: tt.cookieValue})

			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("%s: expected 401, got %d", tt.description, w.Code)
			}
		})
	}
}

func TestSecurityCallbackRejectsWithoutExchange(t *testing.T) {
	app := setupTestApp(t)

	paths := []string{
		"/auth/oidc/callback",
		"/auth/oidc/callback?code=abc",
		"/auth/oidc/callback?state=" + strings.Repeat("s", 10000) + "&code=abc",
		"/auth/oidc/callback?state=%3Cscript%3E&code=%00",
		"/auth/oidc/callback?error=" + url.QueryEscape("<script>alert(1)</script>"),
	}

	for _, path := range paths {
		t.Run(path[:min(len(path), 60)], func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusFound {
				t.Fatalf("expected error redirect, got %d", w.Code)
			}
			loc, err := url.Parse(w.Header().Get("Location"))
			if err != nil {
				t.Fatalf("bad location: %v", err)
			}
			if loc.Path != "/login" || loc.Query().Get("error") != "state_mismatch" {
				t.Fatalf("unexpected redirect %q", loc)
			}
			for _, c := range w.Result().Cookies() {
				if c.Name == SessionCookieName {
					t.Fatalf("rejected callback touched the session cookie")
				}
			}
		})
	}
}

func TestSecurityOpenRedirectConfig(t *testing.T) {
	maliciousTargets := []string{
		"//evil.com/landing",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"file:///etc/passwd",
		"http://localhost@evil.com",
		"http://evil.com#http://localhost:3000/landing",
		"/landing\r\nSet-Cookie: x=y",
		"/\\evil.com",
		"evil.com/landing",
	}

	for _, target := range maliciousTargets {
		t.Run("landing_"+target, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.App.LandingURL = target
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected %q to be rejected as landing_url", target)
			}
		})
	}

	for _, ok := range []string{"/", "/app?tab=1", "https://app.example/welcome"} {
		if !isSafeRedirectTarget(ok) {
			t.Errorf("expected %q to be accepted", ok)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest("GET", "/auth/oidc/status", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("request id not echoed, got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Errorf("HSTS must only be sent over TLS")
	}
}

func TestSecurityMethodRestrictions(t *testing.T) {
	app := setupTestApp(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/auth/oidc/login"},
		{http.MethodPost, "/auth/oidc/callback"},
		{http.MethodDelete, "/auth/oidc/status"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		app.Routes().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, w.Code)
		}
	}
}
