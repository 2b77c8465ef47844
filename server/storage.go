package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserDirectory resolves a validated profile to a local user record,
// creating it on first login.
type UserDirectory interface {
	ResolveOrCreate(ctx context.Context, profile UserProfile) (User, error)
}

// InMemoryStore keeps ephemeral state for sessions, pending logins and users.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	pendingLogins map[string]PendingLogin
	users         map[string]User
	usersByEmail  map[string]string
	now           func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]Session),
		pendingLogins: make(map[string]PendingLogin),
		users:         make(map[string]User),
		usersByEmail:  make(map[string]string),
		now:           time.Now,
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SavePendingLogin records a login attempt awaiting its callback.
func (s *InMemoryStore) SavePendingLogin(p PendingLogin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingLogins[p.State] = p
}

// ConsumePendingLogin retrieves and removes a pending login. Expired entries
// are removed and reported as absent.
func (s *InMemoryStore) ConsumePendingLogin(state string) (PendingLogin, bool) {
	if state == "" {
		return PendingLogin{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingLogins[state]
	if !ok {
		return PendingLogin{}, false
	}
	delete(s.pendingLogins, state)
	if !p.ExpiresAt.IsZero() && s.now().After(p.ExpiresAt) {
		return PendingLogin{}, false
	}
	return p, true
}

// PurgeExpired drops expired sessions and pending logins.
func (s *InMemoryStore) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	for state, p := range s.pendingLogins {
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			delete(s.pendingLogins, state)
			removed++
		}
	}
	return removed
}

// ResolveOrCreate implements UserDirectory keyed by case-folded email.
func (s *InMemoryStore) ResolveOrCreate(_ context.Context, profile UserProfile) (User, error) {
	key := strings.ToLower(strings.TrimSpace(profile.Email))
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usersByEmail[key]; ok {
		u := s.users[id]
		u.LastLoginAt = now
		if name := profile.DisplayName(); name != "" {
			u.Name = name
		}
		s.users[id] = u
		return u, nil
	}

	u := User{
		ID:          uuid.NewString(),
		Email:       profile.Email,
		Name:        profile.DisplayName(),
		Subject:     profile.Subject,
		CreatedAt:   now,
		LastLoginAt: now,
	}
	s.users[u.ID] = u
	s.usersByEmail[key] = u.ID
	return u, nil
}

// LookupUser returns a user by ID.
func (s *InMemoryStore) LookupUser(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}
