package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const discoveryKey = "oidc-client"

// baseScopes are always requested.
var baseScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// DiscoveredClient is the IdP metadata and client registration resolved by
// discovery. It is shared read-only by every login attempt.
type DiscoveredClient struct {
	Issuer        string
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	EndSessionURL string

	Provider *oidc.Provider
	OAuth2   *oauth2.Config

	verifier        *oidc.IDTokenVerifier
	relaxedVerifier *oidc.IDTokenVerifier
	httpClient      *http.Client
}

// Context attaches the client's HTTP transport so oauth2 and go-oidc calls
// made with it share the discovery timeout and transport.
func (c *DiscoveredClient) Context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, c.httpClient)
}

// DiscoveryCache resolves the IdP once per process and memoizes the result.
// Concurrent first callers share a single in-flight discovery. Failures are
// not cached.
type DiscoveryCache struct {
	cfg        OIDCConfig
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics

	group singleflight.Group

	mu     sync.RWMutex
	client *DiscoveredClient
}

// NewDiscoveryCache constructs a cache for cfg. A nil httpClient gets a client
// bounded by the configured discovery timeout.
func NewDiscoveryCache(cfg OIDCConfig, httpClient *http.Client, logger *slog.Logger, metrics *Metrics) *DiscoveryCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout()}
	}
	return &DiscoveryCache{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// Client returns the discovered client, performing discovery on first use.
func (d *DiscoveryCache) Client(ctx context.Context) (*DiscoveredClient, error) {
	if missing := d.cfg.MissingFields(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if !d.cfg.Enabled() {
		return nil, fmt.Errorf("%w: issuer_url and redirect_uri must be absolute http(s) URLs", ErrConfiguration)
	}

	if c := d.cached(); c != nil {
		return c, nil
	}

	// The provider keeps the discovery context for later JWKS fetches, so it
	// must outlive the request that happened to trigger discovery.
	ch := d.group.DoChan(discoveryKey, func() (any, error) {
		if c := d.cached(); c != nil {
			return c, nil
		}
		c, err := d.discover(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DiscoveredClient), nil
	}
}

func (d *DiscoveryCache) cached() *DiscoveredClient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

func (d *DiscoveryCache) discover(ctx context.Context) (*DiscoveredClient, error) {
	start := time.Now()
	ctx = oidc.ClientContext(ctx, d.httpClient)

	op, err := oidc.NewProvider(ctx, d.cfg.IssuerURL)
	if err != nil {
		d.metrics.observeDiscovery("error", time.Since(start))
		d.logger.Error("discovery.fetch", "issuer", d.cfg.IssuerURL, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	var meta struct {
		Issuer        string `json:"issuer"`
		UserInfoURL   string `json:"userinfo_endpoint"`
		EndSessionURL string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		d.metrics.observeDiscovery("error", time.Since(start))
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrDiscovery, err)
	}

	endpoint := op.Endpoint()
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		d.metrics.observeDiscovery("error", time.Since(start))
		return nil, fmt.Errorf("%w: metadata lacks authorization or token endpoint", ErrDiscovery)
	}
	switch d.cfg.TokenAuthMethod {
	case AuthMethodClientSecretPost:
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	default:
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	client := &DiscoveredClient{
		Issuer:        meta.Issuer,
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		UserInfoURL:   meta.UserInfoURL,
		EndSessionURL: meta.EndSessionURL,
		Provider:      op,
		OAuth2: &oauth2.Config{
			ClientID:     d.cfg.ClientID,
			ClientSecret: d.cfg.ClientSecret,
			RedirectURL:  d.cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       requestedScopes(d.cfg.ExtraScopes),
		},
		verifier:        op.Verifier(&oidc.Config{ClientID: d.cfg.ClientID}),
		relaxedVerifier: op.Verifier(&oidc.Config{ClientID: d.cfg.ClientID, SkipIssuerCheck: true}),
		httpClient:      d.httpClient,
	}

	d.metrics.observeDiscovery("success", time.Since(start))
	d.logger.Info("discovery.fetch",
		"issuer", client.Issuer,
		"token_endpoint", client.TokenURL,
		"userinfo_endpoint", client.UserInfoURL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return client, nil
}

func requestedScopes(extra []string) []string {
	scopes := slices.Clone(baseScopes)
	for _, s := range extra {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
