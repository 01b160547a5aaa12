package forge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jibdev/jib/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testCred loads a throwaway vault so the tests hold a real credential.
func testCred(t *testing.T) credential.Credential {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets")
	if err := os.WriteFile(path, []byte("FORGE_APP_TOKEN=ghs_testtoken0000000000000\n"), 0600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}
	v, err := credential.Load(path, testLogger())
	if err != nil {
		t.Fatalf("loading vault: %v", err)
	}
	creds := v.ForgeCredentials(time.Now())
	if len(creds) == 0 {
		t.Fatal("no forge credential loaded")
	}
	return creds[0]
}

func TestRepoVisibility_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantVis string
		canPush bool
	}{
		{"private with push", http.StatusOK, `{"private":true,"visibility":"private","permissions":{"push":true}}`, nil, "private", true},
		{"public read only", http.StatusOK, `{"private":false,"visibility":"public","permissions":{"push":false}}`, nil, "public", false},
		{"internal", http.StatusOK, `{"visibility":"internal","permissions":{"push":true}}`, nil, "internal", true},
		{"legacy private flag only", http.StatusOK, `{"private":true}`, nil, "private", false},
		{"not found", http.StatusNotFound, `{}`, ErrNotFound, "", false},
		{"forbidden", http.StatusForbidden, `{}`, ErrForbidden, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/acme/widget" {
					t.Errorf("path = %s, want /repos/acme/widget", r.URL.Path)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(srv.URL, 0, 5*time.Second, testLogger())
			info, err := c.RepoVisibility(context.Background(), testCred(t), "acme", "widget")

			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RepoVisibility: %v", err)
			}
			if info.Visibility != tc.wantVis || info.CanPush != tc.canPush {
				t.Errorf("info = %+v, want vis=%s push=%v", info, tc.wantVis, tc.canPush)
			}
		})
	}
}

func TestRepoVisibility_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"visibility":"public"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0, 5*time.Second, testLogger())
	info, err := c.RepoVisibility(context.Background(), testCred(t), "acme", "widget")
	if err != nil {
		t.Fatalf("RepoVisibility: %v", err)
	}
	if info.Visibility != "public" {
		t.Errorf("visibility = %s, want public", info.Visibility)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestRepoVisibility_NoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 0, 5*time.Second, testLogger())
	if _, err := c.RepoVisibility(context.Background(), testCred(t), "acme", "widget"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (404 is terminal)", got)
	}
}

func TestRefreshInstallationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_fresh","expires_at":"2026-09-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 42, 5*time.Second, testLogger())
	tok, err := c.RefreshInstallationToken(context.Background(), testCred(t))
	if err != nil {
		t.Fatalf("RefreshInstallationToken: %v", err)
	}
	if tok.Value != "ghs_fresh" {
		t.Errorf("token = %q, want ghs_fresh", tok.Value)
	}
	if tok.ExpiresAt.IsZero() {
		t.Error("expiry not parsed")
	}
}

func TestRefreshInstallationToken_NeverRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, 42, 5*time.Second, testLogger())
	if _, err := c.RefreshInstallationToken(context.Background(), testCred(t)); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (writes are never retried)", got)
	}
}

func TestPassthrough_CapsResponseBody(t *testing.T) {
	big := make([]byte, 2<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	c := New(srv.URL, 0, 5*time.Second, testLogger())
	status, body, err := c.Passthrough(context.Background(), testCred(t), http.MethodGet, "/rate_limit", nil)
	if err != nil {
		t.Fatalf("Passthrough: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if len(body) != 1<<20 {
		t.Errorf("body length = %d, want capped at 1 MiB", len(body))
	}
}

func TestPassthrough_ForwardsRequestBody(t *testing.T) {
	payload := []byte(`{"body":"looks good"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/widget/issues/7/comments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		got, _ := io.ReadAll(r.Body)
		if string(got) != string(payload) {
			t.Errorf("upstream body = %q, want %q", got, payload)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0, 5*time.Second, testLogger())
	status, body, err := c.Passthrough(context.Background(), testCred(t), http.MethodPost, "/repos/acme/widget/issues/7/comments", payload)
	if err != nil {
		t.Fatalf("Passthrough: %v", err)
	}
	if status != http.StatusCreated {
		t.Errorf("status = %d, want 201", status)
	}
	if string(body) != `{"id":1}` {
		t.Errorf("body = %q", body)
	}
}

func TestPassthrough_RejectsOversizedRequestBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := New(srv.URL, 0, 5*time.Second, testLogger())
	big := make([]byte, 1<<20+1)
	if _, _, err := c.Passthrough(context.Background(), testCred(t), http.MethodPost, "/repos/acme/widget/issues/7/comments", big); err == nil {
		t.Fatal("oversized request body accepted")
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}
