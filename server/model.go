package server

import "time"

// Session captures a logged-in browser session bound to the session cookie.
type Session struct {
	ID        string
	UserID    string
	Email     string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// PendingLogin is one login attempt awaiting its callback. It is consumed
// exactly once.
type PendingLogin struct {
	State        string
	Nonce        string
	PKCEVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenSet is the token endpoint response. It is never persisted.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
}

// UserProfile is the validated identity returned by the IdP. Email is the
// join key to the local user record and is always non-empty.
type UserProfile struct {
	Subject           string `json:"sub,omitempty"`
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// DisplayName picks the most descriptive name available.
func (p UserProfile) DisplayName() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.GivenName != "" && p.FamilyName != "":
		return p.GivenName + " " + p.FamilyName
	case p.PreferredUsername != "":
		return p.PreferredUsername
	default:
		return p.Email
	}
}

// User is the local account a profile resolves to.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	Subject     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// LoginPhase is the state of a single login attempt.
type LoginPhase string

// Login attempt phases. Rejected is terminal; a new attempt starts from Idle.
const (
	PhaseIdle             LoginPhase = "idle"
	PhaseAwaitingCallback LoginPhase = "awaiting_callback"
	PhaseValidated        LoginPhase = "validated"
	PhaseSessionIssued    LoginPhase = "session_issued"
	PhaseRejected         LoginPhase = "rejected"
)
