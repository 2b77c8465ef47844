package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// CallbackParams are the query parameters the IdP appends to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallbackParams extracts callback parameters from a query string.
func ParseCallbackParams(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

type userInfoClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PreferredUsername string `json:"preferred_username"`
}

// CallbackValidator exchanges an authorization code and turns the result into
// a validated UserProfile.
type CallbackValidator struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewCallbackValidator constructs a validator.
func NewCallbackValidator(logger *slog.Logger, metrics *Metrics) *CallbackValidator {
	return &CallbackValidator{logger: logger, metrics: metrics}
}

// ExchangeAndValidate checks the callback against the pending login, performs
// one code exchange, verifies the ID token and fetches userinfo.
func (v *CallbackValidator) ExchangeAndValidate(ctx context.Context, client *DiscoveredClient, redirectURI string, params CallbackParams, expected PendingLogin) (UserProfile, error) {
	if params.State == "" || expected.State == "" ||
		subtle.ConstantTimeCompare([]byte(params.State), []byte(expected.State)) != 1 {
		return UserProfile{}, fmt.Errorf("%w: callback state does not match the login attempt", ErrStateMismatch)
	}
	if params.Error != "" {
		return UserProfile{}, fmt.Errorf("%w: %s: %s", ErrProviderRejected, params.Error, params.ErrorDescription)
	}
	if params.Code == "" {
		return UserProfile{}, fmt.Errorf("%w: callback has no code", ErrExchange)
	}

	ctx = client.Context(ctx)

	var opts []oauth2.AuthCodeOption
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	if expected.PKCEVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(expected.PKCEVerifier))
	}

	tok, err := client.OAuth2.Exchange(ctx, params.Code, opts...)
	if err != nil {
		return UserProfile{}, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	set := TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if raw, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = raw
	}

	if set.IDToken == "" {
		v.logger.Warn("callback.no_id_token", "issuer", client.Issuer)
		return UserProfile{}, fmt.Errorf("%w: token response has no id_token", ErrExchange)
	}
	idToken, err := v.verifyIDToken(ctx, client, set.IDToken)
	if err != nil {
		return UserProfile{}, err
	}
	if expected.Nonce != "" && idToken.Nonce != expected.Nonce {
		return UserProfile{}, fmt.Errorf("%w: id_token nonce mismatch", ErrExchange)
	}
	subject := idToken.Subject

	info, err := client.Provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return UserProfile{}, fmt.Errorf("%w: %w", ErrUserInfo, err)
	}
	var claims userInfoClaims
	if err := info.Claims(&claims); err != nil {
		return UserProfile{}, fmt.Errorf("%w: decode claims: %w", ErrUserInfo, err)
	}

	email := strings.TrimSpace(info.Email)
	if email == "" {
		email = strings.TrimSpace(claims.Email)
	}
	if email == "" {
		return UserProfile{}, fmt.Errorf("%w: email", ErrMissingClaim)
	}
	if info.Subject != "" && info.Subject != subject {
		return UserProfile{}, fmt.Errorf("%w: userinfo subject does not match id_token", ErrUserInfo)
	}

	return UserProfile{
		Subject:           subject,
		Email:             email,
		Name:              claims.Name,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
		PreferredUsername: claims.PreferredUsername,
	}, nil
}

// verifyIDToken runs strict verification and, only when the token carries no
// iss claim at all, verifies the same token again with the issuer check
// skipped. Signature, audience and expiry stay enforced. The code is never
// resubmitted.
func (v *CallbackValidator) verifyIDToken(ctx context.Context, client *DiscoveredClient, raw string) (*oidc.IDToken, error) {
	idToken, err := client.verifier.Verify(ctx, raw)
	if err == nil {
		return idToken, nil
	}
	if !missingIssuerClaim(raw) {
		return nil, fmt.Errorf("%w: verify id_token: %w", ErrExchange, err)
	}

	v.logger.Warn("callback.issuer_fallback", "issuer", client.Issuer, "strict_error", err)
	v.metrics.issuerFallback()

	idToken, err = client.relaxedVerifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: verify id_token without iss: %w", ErrExchange, err)
	}
	return idToken, nil
}

func missingIssuerClaim(raw string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	_, present := claims["iss"]
	return !present
}
