package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// fakeIdP mocks out just enough of an OIDC provider for the login flow. Codes
// are single use and bound to the redirect URI and PKCE challenge they were
// issued with.
type fakeIdP struct {
	baseURL           string
	validClientID     string
	validClientSecret string
	validRedirectURL  string

	key *rsa.PrivateKey
	srv *httptest.Server

	discoveryHits atomic.Int32
	tokenHits     atomic.Int32
	userinfoHits  atomic.Int32

	mu             sync.Mutex
	user           fakeUser
	omitIssuer     bool
	omitIDToken    bool
	audience       string
	discoveryFails int
	discoveryDelay time.Duration
	codes          map[string]issuedCode
	accessTokens   map[string]fakeUser
	seq            int
}

type fakeUser struct {
	Subject string
	Email   string
	Name    string
}

type issuedCode struct {
	redirectURI string
	nonce       string
	challenge   string
	user        fakeUser
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &fakeIdP{
		validClientID:     "abc",
		validClientSecret: "s3cr3t",
		key:               key,
		user:              fakeUser{Subject: "sub-b", Email: "b@example.com", Name: "B User"},
		codes:             make(map[string]issuedCode),
		accessTokens:      make(map[string]fakeUser),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/keys", s.handleKeys)

	s.srv = httptest.NewServer(mux)
	s.baseURL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeIdP) config(redirectURI string) OIDCConfig {
	s.mu.Lock()
	s.validRedirectURL = redirectURI
	s.mu.Unlock()
	return OIDCConfig{
		IssuerURL:       s.baseURL,
		ClientID:        s.validClientID,
		ClientSecret:    s.validClientSecret,
		RedirectURI:     redirectURI,
		TokenAuthMethod: AuthMethodClientSecretBasic,
	}
}

func (s *fakeIdP) setUser(u fakeUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

func (s *fakeIdP) setOmitIssuer(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIssuer = v
}

func (s *fakeIdP) setOmitIDToken(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = v
}

func (s *fakeIdP) setAudience(aud string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audience = aud
}

func (s *fakeIdP) failDiscovery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryFails = n
}

func (s *fakeIdP) delayDiscovery(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryDelay = d
}

// issueCode registers a code as /auth would, for tests that drive the
// validator directly.
func (s *fakeIdP) issueCode(redirectURI, nonce, verifier string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newCodeLocked(issuedCode{
		redirectURI: redirectURI,
		nonce:       nonce,
		challenge:   s256(verifier),
		user:        s.user,
	})
}

func (s *fakeIdP) newCodeLocked(c issuedCode) string {
	s.seq++
	code := fmt.Sprintf("code-%d", s.seq)
	s.codes[code] = c
	return code
}

func (s *fakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.discoveryHits.Add(1)

	s.mu.Lock()
	delay := s.discoveryDelay
	fail := s.discoveryFails > 0
	if fail {
		s.discoveryFails--
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	discovery := struct {
		Issuer                 string   `json:"issuer"`
		AuthorizationEndpoint  string   `json:"authorization_endpoint"`
		TokenEndpoint          string   `json:"token_endpoint"`
		UserInfoEndpoint       string   `json:"userinfo_endpoint"`
		JWKSURI                string   `json:"jwks_uri"`
		EndSessionEndpoint     string   `json:"end_session_endpoint"`
		ResponseTypesSupported []string `json:"response_types_supported"`
	}{
		Issuer:                 s.baseURL,
		AuthorizationEndpoint:  s.baseURL + "/auth",
		TokenEndpoint:          s.baseURL + "/token",
		UserInfoEndpoint:       s.baseURL + "/userinfo",
		JWKSURI:                s.baseURL + "/keys",
		EndSessionEndpoint:     s.baseURL + "/logout",
		ResponseTypesSupported: []string{"code"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(discovery)
}

func (s *fakeIdP) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case q.Get("client_id") != s.validClientID:
		http.Error(w, "invalid client ID", http.StatusBadRequest)
		return
	case q.Get("redirect_uri") != s.validRedirectURL:
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	case q.Get("response_type") != "code":
		http.Error(w, "invalid response_type", http.StatusBadRequest)
		return
	case q.Get("scope") != "openid email profile":
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	case q.Get("prompt") != "login":
		http.Error(w, "prompt=login required", http.StatusBadRequest)
		return
	case q.Get("code_challenge_method") != "S256":
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}

	code := s.newCodeLocked(issuedCode{
		redirectURI: q.Get("redirect_uri"),
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		user:        s.user,
	})
	target := fmt.Sprintf("%s?code=%s&state=%s", q.Get("redirect_uri"), url.QueryEscape(code), url.QueryEscape(q.Get("state")))
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "not a POST request", http.StatusMethodNotAllowed)
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID != s.validClientID || clientSecret != s.validClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if r.FormValue("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	s.mu.Lock()
	code := r.FormValue("code")
	issued, found := s.codes[code]
	delete(s.codes, code)
	omitIssuer := s.omitIssuer
	omitIDToken := s.omitIDToken
	audience := s.audience
	s.mu.Unlock()

	switch {
	case !found:
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	case r.FormValue("redirect_uri") != issued.redirectURI:
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	case issued.challenge != "" && s256(r.FormValue("code_verifier")) != issued.challenge:
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	if audience == "" {
		audience = clientID
	}

	now := time.Now()
	claims := map[string]any{
		"sub": issued.user.Subject,
		"aud": audience,
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	}
	if !omitIssuer {
		claims["iss"] = s.baseURL
	}
	if issued.nonce != "" {
		claims["nonce"] = issued.nonce
	}
	idToken, err := s.sign(claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	accessToken := "at-" + code
	s.mu.Lock()
	s.accessTokens[accessToken] = issued.user
	s.mu.Unlock()

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   300,
	}
	if !omitIDToken {
		resp["id_token"] = idToken
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *fakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.userinfoHits.Add(1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	user, ok := s.accessTokens[token]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{"sub": user.Subject, "name": user.Name, "locale": "en"}
	if user.Email != "" {
		resp["email"] = user.Email
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *fakeIdP) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{Key: s.key.Public(), Algorithm: "RS256", KeyID: "test", Use: "sig"}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (s *fakeIdP) sign(claims map[string]any) (string, error) {
	jwk := jose.JSONWebKey{Key: s.key, Algorithm: "RS256", KeyID: "test"}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jwk}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

func tokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noRedirectClient returns a client that stops at the first redirect.
func noRedirectClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
