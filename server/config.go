package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session and login attempt defaults.
const (
	DefaultSessionTTL       = 12 * time.Hour
	DefaultStateTTL         = 10 * time.Minute
	DefaultDiscoveryTimeout = 10 * time.Second
)

// Token endpoint client authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	OIDC     OIDCConfig    `yaml:"oidc"`
	Sessions SessionConfig `yaml:"sessions"`
	App      AppConfig     `yaml:"app"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OIDCConfig identifies the upstream identity provider and this relying party's
// registration with it. The zero value means OIDC login is disabled.
type OIDCConfig struct {
	IssuerURL        string   `yaml:"issuer_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	RedirectURI      string   `yaml:"redirect_uri"`
	LogoutURL        string   `yaml:"logout_url"`
	TokenAuthMethod  string   `yaml:"token_auth_method"`
	ExtraScopes      []string `yaml:"extra_scopes"`
	DiscoveryTimeout string   `yaml:"discovery_timeout"`
}

// SessionConfig controls the local session and pending login lifetimes.
type SessionConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	StateTTL time.Duration `yaml:"state_ttl"`
	// StateKey is a base64 encoded HMAC key for the state binding cookie.
	// A random key is generated at startup when empty.
	StateKey string `yaml:"state_key"`
}

// AppConfig holds the application locations the login flow redirects to.
type AppConfig struct {
	LandingURL string `yaml:"landing_url"`
	ErrorURL   string `yaml:"error_url"`
}

// MissingFields lists the required OIDC fields that are absent.
func (o OIDCConfig) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(o.IssuerURL) == "" {
		missing = append(missing, "oidc.issuer_url")
	}
	if strings.TrimSpace(o.ClientID) == "" {
		missing = append(missing, "oidc.client_id")
	}
	if strings.TrimSpace(o.ClientSecret) == "" {
		missing = append(missing, "oidc.client_secret")
	}
	if strings.TrimSpace(o.RedirectURI) == "" {
		missing = append(missing, "oidc.redirect_uri")
	}
	return missing
}

// Enabled reports whether every required field is present and well formed.
// It never touches the network.
func (o OIDCConfig) Enabled() bool {
	if len(o.MissingFields()) > 0 {
		return false
	}
	return isAbsoluteHTTPURL(o.IssuerURL) && isAbsoluteHTTPURL(o.RedirectURI)
}

// Timeout returns the discovery timeout, falling back to the default.
func (o OIDCConfig) Timeout() time.Duration {
	if o.DiscoveryTimeout == "" {
		return DefaultDiscoveryTimeout
	}
	return parseDuration(o.DiscoveryTimeout, DefaultDiscoveryTimeout)
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		OIDC: OIDCConfig{
			TokenAuthMethod: AuthMethodClientSecretBasic,
		},
		Sessions: SessionConfig{
			TTL:      DefaultSessionTTL,
			StateTTL: DefaultStateTTL,
		},
		App: AppConfig{
			LandingURL: "/",
			ErrorURL:   "/login",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCRP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCRP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCRP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCRP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCRP_OIDC_ISSUER_URL":          func(v string) { cfg.OIDC.IssuerURL = v },
		"OIDCRP_OIDC_CLIENT_ID":           func(v string) { cfg.OIDC.ClientID = v },
		"OIDCRP_OIDC_CLIENT_SECRET":       func(v string) { cfg.OIDC.ClientSecret = v },
		"OIDCRP_OIDC_REDIRECT_URI":        func(v string) { cfg.OIDC.RedirectURI = v },
		"OIDCRP_OIDC_LOGOUT_URL":          func(v string) { cfg.OIDC.LogoutURL = v },
		"OIDCRP_OIDC_EXTRA_SCOPES":        func(v string) { cfg.OIDC.ExtraScopes = splitAndTrim(v) },
		"OIDCRP_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"OIDCRP_SESSIONS_STATE_TTL":       func(v string) { cfg.Sessions.StateTTL = parseDuration(v, cfg.Sessions.StateTTL) },
		"OIDCRP_SESSIONS_STATE_KEY":       func(v string) { cfg.Sessions.StateKey = v },
		"OIDCRP_APP_LANDING_URL":          func(v string) { cfg.App.LandingURL = v },
		"OIDCRP_APP_ERROR_URL":            func(v string) { cfg.App.ErrorURL = v },
		"OIDCRP_OIDC_TOKEN_AUTH_METHOD":   func(v string) { cfg.OIDC.TokenAuthMethod = v },
		"OIDCRP_OIDC_DISCOVERY_TIMEOUT":   func(v string) { cfg.OIDC.DiscoveryTimeout = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate performs structural checks on the config. Incomplete OIDC settings
// are not an error here: they leave OIDC reported as disabled.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		publicURL := strings.TrimPrefix(c.Server.PublicURL, "http://")
		publicURL = strings.TrimPrefix(publicURL, "https://")
		if idx := strings.Index(publicURL, ":"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		if idx := strings.Index(publicURL, "/"); idx != -1 {
			publicURL = publicURL[:idx]
		}

		// e.g. public_url: rp.dev.example.com -> cookie_domain: .dev.example.com
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicURL, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicURL,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicURL)
		}
	}

	switch c.OIDC.TokenAuthMethod {
	case "", AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
	default:
		slog.Error("Invalid token auth method", "field", "oidc.token_auth_method", "value", c.OIDC.TokenAuthMethod)
		return fmt.Errorf("oidc.token_auth_method must be %q or %q, got: %s", AuthMethodClientSecretBasic, AuthMethodClientSecretPost, c.OIDC.TokenAuthMethod)
	}

	if c.OIDC.DiscoveryTimeout != "" {
		if _, err := time.ParseDuration(c.OIDC.DiscoveryTimeout); err != nil {
			slog.Error("Invalid discovery timeout", "field", "oidc.discovery_timeout", "value", c.OIDC.DiscoveryTimeout, "error", err)
			return fmt.Errorf("oidc.discovery_timeout: invalid duration '%s': %w", c.OIDC.DiscoveryTimeout, err)
		}
	}

	if c.OIDC.LogoutURL != "" && !isAbsoluteHTTPURL(c.OIDC.LogoutURL) {
		slog.Error("Invalid logout URL", "field", "oidc.logout_url", "value", c.OIDC.LogoutURL)
		return fmt.Errorf("oidc.logout_url must be an absolute http(s) URL, got: %s", c.OIDC.LogoutURL)
	}

	for field, target := range map[string]string{
		"app.landing_url": c.App.LandingURL,
		"app.error_url":   c.App.ErrorURL,
	} {
		if !isSafeRedirectTarget(target) {
			slog.Error("Unsafe redirect target", "field", field, "value", target)
			return fmt.Errorf("%s must be a same-origin path or an http(s) URL, got: %q", field, target)
		}
	}

	if c.Sessions.TTL < 0 || c.Sessions.StateTTL < 0 {
		return errors.New("sessions.ttl and sessions.state_ttl must not be negative")
	}

	if missing := c.OIDC.MissingFields(); len(missing) > 0 && len(missing) < 4 {
		slog.Warn("OIDC partially configured, login will report as disabled", "missing", missing)
	}

	return nil
}
