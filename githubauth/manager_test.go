/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

// tokenServer fakes the installation token endpoint. Each request mints a
// distinct token and bumps the request counter.
func tokenServer(t *testing.T, requests *atomic.Int64, lastBody *atomic.Value, ttl time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/app/installations/") {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing assertion", http.StatusUnauthorized)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && lastBody != nil {
			lastBody.Store(body)
		}

		n := requests.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_token_%d","expires_at":%q,"permissions":{"contents":"write"},"repository_selection":"selected"}`,
			n, time.Now().Add(ttl).UTC().Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTokenCaching(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	srv := tokenServer(t, &requests, nil, time.Hour)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	first, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	second, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	if first != second {
		t.Fatalf("expected cached token, got %q then %q", first, second)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 token request, got %d", got)
	}

	// A different installation id gets its own token and request.
	other, err := m.GetToken(ctx, 8)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if other == first {
		t.Fatalf("expected distinct token for distinct installation")
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 token requests, got %d", got)
	}
}

func TestGetTokenRefreshesWithinBuffer(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	srv := tokenServer(t, &requests, nil, time.Hour)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	first, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	// Jump to 100s before expiry: inside the 300s buffer, so the cached
	// token must be considered dead.
	m.now = func() time.Time { return time.Now().Add(time.Hour - 100*time.Second) }

	second, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if first == second {
		t.Fatalf("expected refreshed token, got the cached one")
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 token requests, got %d", got)
	}
}

func TestGetTokenSingleFlight(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	srv := tokenServer(t, &requests, nil, time.Hour)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetToken(ctx, 7); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := requests.Load(); got != 1 {
		t.Fatalf("expected exactly 1 token request under concurrency, got %d", got)
	}
}

func TestGetTokenScoping(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	var lastBody atomic.Value
	srv := tokenServer(t, &requests, &lastBody, time.Hour)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	if _, err := m.GetToken(ctx, 7,
		WithRepositories("widgets"),
		WithPermissions(map[string]string{"contents": "write"}),
	); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	want := map[string]any{
		"repositories": []any{"widgets"},
		"permissions":  map[string]any{"contents": "write"},
	}
	if diff := cmp.Diff(want, lastBody.Load()); diff != "" {
		t.Fatalf("token request body mismatch (-want +got):\n%s", diff)
	}
}

func TestGetTokenErrorStatus(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such installation", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})
	if _, err := m.GetToken(ctx, 7); err == nil {
		t.Fatalf("expected error for non-201 response")
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	srv := tokenServer(t, &requests, nil, time.Hour)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	first, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	m.ClearCache(7)

	second, err := m.GetToken(ctx, 7)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if first == second {
		t.Fatalf("expected new token after ClearCache")
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 token requests, got %d", got)
	}
}

func TestPrivateKeyErrors(t *testing.T) {
	ctx := context.Background()

	// Construction succeeds even with no key; first use fails.
	m := NewManager(Config{AppID: 42})
	if _, err := m.GetToken(ctx, 7); err == nil {
		t.Fatalf("expected error with no key configured")
	}

	m = NewManager(Config{AppID: 42, PrivateKey: "not a pem"})
	if _, err := m.GetToken(ctx, 7); err == nil {
		t.Fatalf("expected error with malformed key")
	}

	m = NewManager(Config{AppID: 42, PrivateKeyPath: "missing.pem", ProjectRoot: t.TempDir()})
	if _, err := m.GetToken(ctx, 7); err == nil {
		t.Fatalf("expected error with missing key file")
	}
}

func TestVerifyAccess(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/7/access_tokens", func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_ok","expires_at":%q}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	})
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"name":"widgets"}`)
	})
	mux.HandleFunc("GET /repos/acme/hidden", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("GET /repos/acme/flaky", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := NewManager(Config{AppID: 42, PrivateKey: testKeyPEM(t), BaseURL: srv.URL})

	if !m.VerifyAccess(ctx, 7, "acme", "widgets") {
		t.Fatalf("expected access to acme/widgets")
	}
	if m.VerifyAccess(ctx, 7, "acme", "hidden") {
		t.Fatalf("expected no access to acme/hidden")
	}
	if m.VerifyAccess(ctx, 7, "acme", "flaky") {
		t.Fatalf("expected server errors to report no access")
	}
}
