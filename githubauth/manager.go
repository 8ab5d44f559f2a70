/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubauth mints and caches GitHub App installation access tokens.
//
// A Manager holds one cached token per installation id and refreshes it
// behind a single mutex, so concurrent callers never race two token
// requests for the same installation. Tokens are treated as expired 300
// seconds before their server-side expiry so that an operation started
// near the boundary never observes a dead credential mid-flight.
//
// Tokens live only in memory and are never persisted.
package githubauth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v84/github"
)

const (
	// expiryBuffer is subtracted from a token's expiry when deciding
	// whether the cached entry is still usable.
	expiryBuffer = 300 * time.Second

	// assertionTTL is the lifetime of the signed app assertion. GitHub
	// rejects assertions longer than 10 minutes.
	assertionTTL = 600 * time.Second

	// assertionSkew backdates the assertion's iat to tolerate clock
	// drift between this host and GitHub.
	assertionSkew = 60 * time.Second

	defaultBaseURL = "https://api.github.com"
)

// Config configures a Manager.
type Config struct {
	// AppID is the GitHub App identifier used as the assertion issuer.
	AppID int64

	// PrivateKey is the PEM-encoded RSA private key content. Takes
	// precedence over PrivateKeyPath when non-empty. Used by
	// secret-injection deployments.
	PrivateKey string

	// PrivateKeyPath locates the key on disk, resolved against
	// ProjectRoot when relative.
	PrivateKeyPath string

	// ProjectRoot anchors relative PrivateKeyPath values.
	ProjectRoot string

	// BaseURL overrides the GitHub API base, primarily for tests.
	BaseURL string

	// Client is the HTTP client for token requests. Defaults to a
	// client with a 30s timeout.
	Client *http.Client
}

// Token is a cached installation access token. Replaced wholesale on
// refresh, never mutated.
type Token struct {
	Token               string
	ExpiresAt           time.Time
	Permissions         map[string]string
	RepositorySelection string
}

// Manager caches installation tokens keyed by installation id.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	key   *rsa.PrivateKey
	cache map[int64]*Token

	// now is swapped out by tests.
	now func() time.Time
}

// NewManager constructs a Manager. The private key is not loaded here;
// a missing or malformed key surfaces on the first token request.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		cache: make(map[int64]*Token),
		now:   time.Now,
	}
}

// GetToken returns a valid installation access token, reusing the cached
// one when it has more than the expiry buffer left and requesting a fresh
// one otherwise. The check-then-refresh sequence holds the manager mutex
// for its full duration so concurrent callers trigger at most one request
// per installation.
func (m *Manager) GetToken(ctx context.Context, installationID int64, opts ...TokenOption) (string, error) {
	var req tokenRequest
	for _, opt := range opts {
		opt(&req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.cache[installationID]; ok {
		if m.now().Before(cached.ExpiresAt.Add(-expiryBuffer)) {
			return cached.Token, nil
		}
	}

	tok, err := m.requestToken(ctx, installationID, &req)
	if err != nil {
		return "", err
	}
	m.cache[installationID] = tok

	clog.FromContext(ctx).With("installation_id", installationID).
		With("expires_at", tok.ExpiresAt).
		Debug("Refreshed installation token")

	return tok.Token, nil
}

// ClearCache drops the cached token for one installation.
func (m *Manager) ClearCache(installationID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, installationID)
}

// ClearAll drops every cached token.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[int64]*Token)
}

// VerifyAccess reports whether the installation can see the given
// repository. Any failure (missing repo, bad credentials, transport
// error) is logged and reported as false, never raised.
func (m *Manager) VerifyAccess(ctx context.Context, installationID int64, owner, repo string) bool {
	log := clog.FromContext(ctx).With("owner", owner).With("repo", repo)

	token, err := m.GetToken(ctx, installationID)
	if err != nil {
		log.Warnf("Access check could not obtain token: %v", err)
		return false
	}

	gh := github.NewClient(m.httpClient()).WithAuthToken(token)
	if m.cfg.BaseURL != "" {
		base, perr := url.Parse(strings.TrimSuffix(m.cfg.BaseURL, "/") + "/")
		if perr != nil {
			log.Warnf("Access check could not configure API base: %v", perr)
			return false
		}
		gh.BaseURL = base
	}

	_, resp, err := gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false
		}
		log.Warnf("Access check failed: %v", err)
		return false
	}
	return true
}

type tokenResponse struct {
	Token               string            `json:"token"`
	ExpiresAt           time.Time         `json:"expires_at"`
	Permissions         map[string]string `json:"permissions"`
	RepositorySelection string            `json:"repository_selection"`
}

// requestToken signs a fresh app assertion and exchanges it for an
// installation token. Callers must hold m.mu.
func (m *Manager) requestToken(ctx context.Context, installationID int64, req *tokenRequest) (*Token, error) {
	key, err := m.privateKey()
	if err != nil {
		return nil, err
	}

	now := m.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		Issuer:    strconv.FormatInt(m.cfg.AppID, 10),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing app assertion: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", m.baseURL(), installationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+assertion)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned %d for installation %d: %s", resp.StatusCode, installationID, bytes.TrimSpace(msg))
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.Token == "" {
		return nil, errors.New("token endpoint returned an empty token")
	}

	return &Token{
		Token:               parsed.Token,
		ExpiresAt:           parsed.ExpiresAt,
		Permissions:         parsed.Permissions,
		RepositorySelection: parsed.RepositorySelection,
	}, nil
}

// privateKey loads and parses the RSA key on first use. Callers must hold
// m.mu.
func (m *Manager) privateKey() (*rsa.PrivateKey, error) {
	if m.key != nil {
		return m.key, nil
	}

	pem := []byte(m.cfg.PrivateKey)
	if len(pem) == 0 {
		path := m.cfg.PrivateKeyPath
		if path == "" {
			return nil, errors.New("no private key configured")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.cfg.ProjectRoot, path)
		}
		var err error
		pem, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	m.key = key
	return key, nil
}

func (m *Manager) baseURL() string {
	if m.cfg.BaseURL != "" {
		return m.cfg.BaseURL
	}
	return defaultBaseURL
}

func (m *Manager) httpClient() *http.Client {
	if m.cfg.Client != nil {
		return m.cfg.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}
