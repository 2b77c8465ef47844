package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TransitionManager orders the cookie operations around a login attempt:
// the session cookie is cleared before every IdP round trip, and cleared
// again immediately before a new one is issued.
type TransitionManager struct {
	cfg       Config
	discovery *DiscoveryCache
	validator *CallbackValidator
	store     *InMemoryStore
	sessions  *SessionManager
	states    *StateBinder
	users     UserDirectory
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewTransitionManager wires the login components together.
func NewTransitionManager(cfg Config, discovery *DiscoveryCache, validator *CallbackValidator, store *InMemoryStore, sessions *SessionManager, states *StateBinder, users UserDirectory, logger *slog.Logger, metrics *Metrics) *TransitionManager {
	return &TransitionManager{
		cfg:       cfg,
		discovery: discovery,
		validator: validator,
		store:     store,
		sessions:  sessions,
		states:    states,
		users:     users,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// PrepareLogin clears the current session, then starts a login attempt and
// returns the IdP redirect URL and the attempt's state.
func (m *TransitionManager) PrepareLogin(w http.ResponseWriter, r *http.Request) (string, string, error) {
	m.sessions.Clear(w, r)

	client, err := m.discovery.Client(r.Context())
	if err != nil {
		m.phase(PhaseIdle, PhaseRejected, "", err)
		return "", "", err
	}

	state, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return "", "", err
	}

	now := m.now()
	ttl := m.cfg.Sessions.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	pending := PendingLogin{
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	m.store.SavePendingLogin(pending)

	if err := m.states.Bind(w, r, state); err != nil {
		m.store.ConsumePendingLogin(state)
		return "", "", fmt.Errorf("bind state cookie: %w", err)
	}

	m.metrics.loginInitiated()
	m.phase(PhaseIdle, PhaseAwaitingCallback, state, nil)

	return BuildAuthorizationURL(client, state, AuthorizationOptions{
		Nonce:        pending.Nonce,
		PKCEVerifier: pending.PKCEVerifier,
	}), state, nil
}

// CompleteCallback validates the callback for the attempt identified by
// expectedState and, only after every check passes, replaces the session
// cookie. It returns the new session ID. On error the session cookie is not
// written; only the state binding is dropped.
func (m *TransitionManager) CompleteCallback(w http.ResponseWriter, r *http.Request, params CallbackParams, expectedState string) (string, error) {
	ctx := r.Context()

	pending, ok := m.store.ConsumePendingLogin(expectedState)
	if !ok {
		err := fmt.Errorf("%w: state was not issued, already used, or expired", ErrStateMismatch)
		return "", m.reject(w, r, expectedState, err)
	}

	client, err := m.discovery.Client(ctx)
	if err != nil {
		return "", m.reject(w, r, pending.State, err)
	}

	profile, err := m.validator.ExchangeAndValidate(ctx, client, m.cfg.OIDC.RedirectURI, params, pending)
	if err != nil {
		return "", m.reject(w, r, pending.State, err)
	}
	m.phase(PhaseAwaitingCallback, PhaseValidated, pending.State, nil)

	user, err := m.users.ResolveOrCreate(ctx, profile)
	if err != nil {
		return "", m.reject(w, r, pending.State, fmt.Errorf("resolve user: %w", err))
	}

	// Last chance to abandon: nothing has been written yet.
	if err := ctx.Err(); err != nil {
		return "", m.reject(w, r, pending.State, fmt.Errorf("callback abandoned: %w", err))
	}

	m.sessions.Clear(w, r)
	sess, err := m.sessions.Create(w, user)
	if err != nil {
		return "", m.reject(w, r, pending.State, fmt.Errorf("create session: %w", err))
	}
	if err := m.states.Forget(w, r); err != nil {
		m.logger.Warn("callback.state_cookie", "error", err)
	}

	m.metrics.callbackOutcome("success")
	m.phase(PhaseValidated, PhaseSessionIssued, pending.State, nil)
	m.logger.Info("callback.session_issued", "user_id", user.ID, "email", user.Email)
	return sess.ID, nil
}

// reject drops the browser's state binding and records the failure. The
// session cookie is left untouched.
func (m *TransitionManager) reject(w http.ResponseWriter, r *http.Request, state string, err error) error {
	if ferr := m.states.Forget(w, r); ferr != nil {
		m.logger.Warn("callback.state_cookie", "error", ferr)
	}
	m.metrics.callbackOutcome(ErrorKind(err))
	m.phase(PhaseAwaitingCallback, PhaseRejected, state, err)
	return err
}

func (m *TransitionManager) phase(from, to LoginPhase, state string, err error) {
	attrs := []any{"from", from, "to", to}
	if state != "" {
		attrs = append(attrs, "state_prefix", statePrefix(state))
	}
	if err != nil {
		attrs = append(attrs, "kind", ErrorKind(err), "error", err)
		level := slog.LevelWarn
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrDiscovery) {
			level = slog.LevelError
		}
		m.logger.Log(context.Background(), level, "login.transition", attrs...)
		return
	}
	m.logger.Info("login.transition", attrs...)
}

// statePrefix keeps enough of the state to correlate log lines without
// logging a usable value.
func statePrefix(state string) string {
	if len(state) <= 6 {
		return "***"
	}
	return state[:6]
}
