package server

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	stateSessionName = "rp_oidc_state"
	stateValueKey    = "state"
)

// StateBinder ties a pending login's state to the browser that started it
// with a signed cookie. The server-side pending login enforces single use.
type StateBinder struct {
	store *sessions.CookieStore
}

// NewStateBinder constructs a binder signing cookies with key.
func NewStateBinder(cfg Config, key []byte) *StateBinder {
	ttl := cfg.Sessions.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	store := sessions.NewCookieStore(key)
	// Lax so the cookie survives the top-level redirect back from the IdP.
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   cfg.Server.CookieDomain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   !cfg.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
	}
	return &StateBinder{store: store}
}

// Bind records state for this browser, replacing any earlier attempt.
func (b *StateBinder) Bind(w http.ResponseWriter, r *http.Request, state string) error {
	// A cookie signed with a rotated key fails to decode; start fresh.
	sess, _ := b.store.Get(r, stateSessionName)
	sess.Values[stateValueKey] = state
	return sess.Save(r, w)
}

// Expected returns the state bound to this browser, or "" if none is valid.
func (b *StateBinder) Expected(r *http.Request) string {
	sess, err := b.store.Get(r, stateSessionName)
	if err != nil {
		return ""
	}
	state, _ := sess.Values[stateValueKey].(string)
	return state
}

// Forget drops the binding cookie.
func (b *StateBinder) Forget(w http.ResponseWriter, r *http.Request) error {
	sess, _ := b.store.Get(r, stateSessionName)
	delete(sess.Values, stateValueKey)
	opts := *b.store.Options
	opts.MaxAge = -1
	sess.Options = &opts
	return sess.Save(r, w)
}
