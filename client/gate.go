// Package client implements the page-load side of the login protocol: ask
// the relying party whether OIDC is enabled and, when it is, drop this
// application's cached client state and navigate to login.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Default endpoint paths and storage namespace.
const (
	DefaultStatusPath = "/auth/oidc/status"
	DefaultLoginPath  = "/auth/oidc/login"
	DefaultNamespace  = "oidcrp."
)

// Storage is the client-side key/value cache the gate clears, such as a
// browser's local storage bridged into Go.
type Storage interface {
	Keys() []string
	Remove(key string)
}

// MapStorage is an in-memory Storage.
type MapStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMapStorage returns a storage seeded with values.
func NewMapStorage(values map[string]string) *MapStorage {
	m := &MapStorage{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// Keys returns the stored keys in sorted order.
func (m *MapStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Remove deletes key.
func (m *MapStorage) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// Get returns the value for key.
func (m *MapStorage) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Gate decides on each page load whether to redirect to the IdP.
type Gate struct {
	BaseURL    string
	StatusPath string
	LoginPath  string
	// Namespace prefixes every storage key this application owns. Keys
	// outside it are never touched.
	Namespace  string
	Storage    Storage
	HTTPClient *http.Client
}

// Decision is the outcome of one page-load evaluation.
type Decision struct {
	// Checked is true once the gate has finished; a page can render.
	Checked bool
	// Redirect is the login URL to navigate to, empty when staying.
	Redirect string
	// Error carries the error indicator found on the page URL.
	Error   string
	Enabled bool
	Cleared []string
}

type statusResponse struct {
	Enabled bool `json:"enabled"`
}

// Evaluate inspects pageURL and the status endpoint. An error indicator on
// the page suppresses the redirect so an IdP-side failure cannot loop.
func (g *Gate) Evaluate(ctx context.Context, pageURL string) (Decision, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return Decision{Checked: true}, fmt.Errorf("parse page url: %w", err)
	}
	if e := page.Query().Get("error"); e != "" {
		return Decision{Checked: true, Error: e}, nil
	}

	enabled, err := g.status(ctx)
	if err != nil {
		return Decision{Checked: true}, err
	}
	if !enabled {
		return Decision{Checked: true}, nil
	}

	login, err := g.resolve(g.loginPath())
	if err != nil {
		return Decision{Checked: true, Enabled: true}, err
	}
	return Decision{
		Enabled:  true,
		Redirect: login,
		Cleared:  g.clearNamespace(),
	}, nil
}

func (g *Gate) status(ctx context.Context) (bool, error) {
	endpoint, err := g.resolve(g.statusPath())
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decode status: %w", err)
	}
	return status.Enabled, nil
}

func (g *Gate) clearNamespace() []string {
	if g.Storage == nil {
		return nil
	}
	ns := g.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	var cleared []string
	for _, k := range g.Storage.Keys() {
		if strings.HasPrefix(k, ns) {
			g.Storage.Remove(k)
			cleared = append(cleared, k)
		}
	}
	return cleared
}

func (g *Gate) resolve(path string) (string, error) {
	if g.BaseURL == "" {
		return "", errors.New("base url required")
	}
	base, err := url.Parse(g.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (g *Gate) statusPath() string {
	if g.StatusPath == "" {
		return DefaultStatusPath
	}
	return g.StatusPath
}

func (g *Gate) loginPath() string {
	if g.LoginPath == "" {
		return DefaultLoginPath
	}
	return g.LoginPath
}

func (g *Gate) client() *http.Client {
	if g.HTTPClient == nil {
		return http.DefaultClient
	}
	return g.HTTPClient
}
