package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

const (
	minStateKeyLen = 32
	// maxErrorDescription bounds the provider-chosen text echoed to the error page.
	maxErrorDescription = 200
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       *InMemoryStore
	Sessions    *SessionManager
	States      *StateBinder
	Discovery   *DiscoveryCache
	Validator   *CallbackValidator
	Transitions *TransitionManager
	Metrics     *Metrics
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Enabled bool `json:"enabled"`
}

// CheckStatus reports whether OIDC login is configured. It never performs
// discovery.
func CheckStatus(cfg Config) StatusResponse {
	return StatusResponse{Enabled: cfg.OIDC.Enabled()}
}

// NewApp wires together the application state from configuration. Missing
// OIDC settings are not an error: login reports as disabled.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}

	key, err := stateKey(cfg.Sessions.StateKey, logger)
	if err != nil {
		return nil, err
	}

	store := NewInMemoryStore()
	sessions := NewSessionManager(cfg, store, logger)
	states := NewStateBinder(cfg, key)
	discovery := NewDiscoveryCache(cfg.OIDC, nil, logger, metrics)
	validator := NewCallbackValidator(logger, metrics)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		States:    states,
		Discovery: discovery,
		Validator: validator,
		Metrics:   metrics,
	}
	app.Transitions = NewTransitionManager(cfg, discovery, validator, store, sessions, states, store, logger, metrics)

	if missing := cfg.OIDC.MissingFields(); len(missing) > 0 {
		logger.Warn("oidc.disabled", "missing", missing)
	}
	return app, nil
}

func stateKey(encoded string, logger *slog.Logger) ([]byte, error) {
	if encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("sessions.state_key: %w", err)
		}
		if len(key) < minStateKeyLen {
			return nil, fmt.Errorf("sessions.state_key must decode to at least %d bytes, got %d", minStateKeyLen, len(key))
		}
		return key, nil
	}
	key := make([]byte, minStateKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate state key: %w", err)
	}
	logger.Warn("sessions.state_key not set, using an ephemeral key; in-flight logins will not survive a restart")
	return key, nil
}

// StartJanitor purges expired sessions and pending logins until ctx ends.
func (a *App) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.Store.PurgeExpired(); n > 0 {
					a.Logger.Debug("store.purged", "removed", n)
				}
			}
		}
	}()
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, CheckStatus(a.Config))
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, _, err := a.Transitions.PrepareLogin(w, r)
	if err != nil {
		a.Logger.Error("login.prepare", "error", err, "kind", ErrorKind(err))
		a.redirectError(w, r, err, "")
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	params := ParseCallbackParams(r.URL.Query())
	expected := a.States.Expected(r)

	if _, err := a.Transitions.CompleteCallback(w, r, params, expected); err != nil {
		description := ""
		if errors.Is(err, ErrProviderRejected) {
			description = clipDescription(params.ErrorDescription)
		}
		a.redirectError(w, r, err, description)
		return
	}
	http.Redirect(w, r, a.Config.App.LandingURL, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	if a.Config.OIDC.LogoutURL != "" {
		http.Redirect(w, r, a.Config.OIDC.LogoutURL, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil || sess == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
		return
	}
	noteUserID(r.Context(), sess.UserID)

	resp := map[string]any{
		"user_id":    sess.UserID,
		"email":      sess.Email,
		"auth_time":  sess.AuthTime.UTC().Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if user, ok := a.Store.LookupUser(sess.UserID); ok && user.Name != "" {
		resp["name"] = user.Name
	}
	writeJSON(w, resp)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// redirectError sends the browser to the configured error location with the
// failure kind attached. No cookie is touched.
func (a *App) redirectError(w http.ResponseWriter, r *http.Request, err error, description string) {
	target, perr := url.Parse(a.Config.App.ErrorURL)
	if perr != nil || a.Config.App.ErrorURL == "" {
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}
	q := target.Query()
	q.Set("error", ErrorKind(err))
	if description != "" {
		q.Set("error_description", description)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// clipDescription keeps printable text only and caps its length.
func clipDescription(desc string) string {
	var b strings.Builder
	n := 0
	for _, r := range desc {
		if n == maxErrorDescription {
			break
		}
		if !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
