package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// SessionCookieName is the cookie carrying the local session ID.
const SessionCookieName = "rp_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, err
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil, nil
	}
	if sm.now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	sm.store.SaveSession(sess)
	return &sess, nil
}

// Create establishes a new session for user and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, user User) (*Session, error) {
	now := sm.now()
	sess := Session{
		ID:        sm.store.NewID(),
		UserID:    user.ID,
		Email:     user.Email,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess, nil
}

// Clear revokes the session named by the request cookie, if any, and
// instructs the browser to drop the cookie. It is always emitted, even when
// the request carries no cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if r != nil {
		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			if _, ok := sm.store.GetSession(cookie.Value); ok {
				sm.store.DeleteSession(cookie.Value)
				sm.logger.Debug("session.revoked", "reason", "cleared")
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
