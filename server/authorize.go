package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// promptLogin forces the IdP to re-authenticate even when it holds its own
// session, so an IdP-side identity never carries into a new local session.
const promptLogin = "login"

// AuthorizationOptions carries the per-attempt values bound into the request.
type AuthorizationOptions struct {
	Nonce        string
	PKCEVerifier string
}

// BuildAuthorizationURL returns the IdP redirect for one login attempt. The
// state is embedded verbatim.
func BuildAuthorizationURL(client *DiscoveredClient, state string, opts AuthorizationOptions) string {
	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("prompt", promptLogin),
	}
	if opts.Nonce != "" {
		params = append(params, oidc.Nonce(opts.Nonce))
	}
	if opts.PKCEVerifier != "" {
		params = append(params, oauth2.S256ChallengeOption(opts.PKCEVerifier))
	}
	return client.OAuth2.AuthCodeURL(state, params...)
}

// randomToken returns n bytes of crypto randomness, base64url encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
