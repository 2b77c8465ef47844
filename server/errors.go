package server

import "errors"

var (
	// ErrConfiguration reports missing or invalid IdP settings. Not retried.
	ErrConfiguration = errors.New("oidc configuration error")
	// ErrDiscovery reports unreachable or malformed IdP metadata. Retried on the next request only.
	ErrDiscovery = errors.New("oidc discovery failed")
	// ErrStateMismatch reports a callback whose state was never issued, already consumed, or expired.
	ErrStateMismatch = errors.New("oidc state mismatch")
	// ErrProviderRejected reports an error returned by the IdP on the callback itself.
	ErrProviderRejected = errors.New("oidc provider returned an error")
	// ErrExchange reports a failed code exchange or ID token validation.
	ErrExchange = errors.New("oidc code exchange failed")
	// ErrUserInfo reports a failed userinfo request.
	ErrUserInfo = errors.New("oidc userinfo request failed")
	// ErrMissingClaim reports a userinfo response without the email claim.
	ErrMissingClaim = errors.New("oidc required claim missing")
)

// errorKinds is ordered so the most specific sentinel wins.
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrConfiguration, "configuration"},
	{ErrDiscovery, "discovery"},
	{ErrStateMismatch, "state_mismatch"},
	{ErrProviderRejected, "provider_error"},
	{ErrMissingClaim, "missing_claim"},
	{ErrUserInfo, "userinfo"},
	{ErrExchange, "exchange"},
}

// ErrorKind maps an error to the stable label used in redirects, logs and metrics.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
