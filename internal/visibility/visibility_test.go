package visibility

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/forge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testVault loads a vault carrying an app token and a user token so the
// resolver has a real precedence chain to walk.
func testVault(t *testing.T) *credential.Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets")
	content := "FORGE_APP_TOKEN=ghs_apptoken00000000000000\nFORGE_USER_TOKEN=ghp_usertoken0000000000000\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}
	v, err := credential.Load(path, testLogger())
	if err != nil {
		t.Fatalf("loading vault: %v", err)
	}
	return v
}

// emptyVault satisfies the resolver's vault interface with no credentials.
type emptyVault struct{}

func (emptyVault) ForgeCredentials(time.Time) []credential.Credential { return nil }

func newResolver(t *testing.T, upstream string, vault Vault, ttl time.Duration) *Resolver {
	t.Helper()
	client := forge.New(upstream, 0, 5*time.Second, testLogger())
	return NewResolver(client, vault, ttl, testLogger())
}

func TestGet_CachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"visibility":"private","permissions":{"push":true}}`))
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, testVault(t), 5*time.Minute)
	var cachedFlags []bool
	r.WithLookupHook(func(_ string, cached bool) { cachedFlags = append(cachedFlags, cached) })

	if got := r.Get(context.Background(), "acme", "widget", false); got != Private {
		t.Fatalf("first Get = %s, want private", got)
	}
	if got := r.Get(context.Background(), "acme", "widget", false); got != Private {
		t.Fatalf("second Get = %s, want private", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (second Get served from cache)", got)
	}
	want := []bool{false, true}
	for i := range want {
		if cachedFlags[i] != want[i] {
			t.Errorf("lookup %d cached = %v, want %v", i, cachedFlags[i], want[i])
		}
	}
}

func TestGet_ReadAndWriteCachedSeparately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"visibility":"private","permissions":{"push":true}}`))
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, testVault(t), 5*time.Minute)
	r.Get(context.Background(), "acme", "widget", false)
	r.Get(context.Background(), "acme", "widget", true)

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (read and write keys are distinct)", got)
	}
}

func TestGet_ExpiredEntryRefetched(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"visibility":"public"}`))
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, testVault(t), time.Minute)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	r.Get(context.Background(), "acme", "widget", false)
	clock = clock.Add(2 * time.Minute)
	r.Get(context.Background(), "acme", "widget", false)

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (entry expired)", got)
	}
}

func TestGet_UnknownNeverCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, testVault(t), 5*time.Minute)

	// Both credentials get a 404, so the result is unknown.
	if got := r.Get(context.Background(), "acme", "ghost", false); got != Unknown {
		t.Fatalf("Get = %s, want unknown", got)
	}
	first := calls.Load()
	if first != 2 {
		t.Fatalf("upstream calls = %d, want 2 (one per credential)", first)
	}

	// A second Get must probe upstream again: unknown is never cached.
	if got := r.Get(context.Background(), "acme", "ghost", false); got != Unknown {
		t.Fatalf("Get = %s, want unknown", got)
	}
	if got := calls.Load(); got != first*2 {
		t.Errorf("upstream calls = %d, want %d (unknown result not cached)", got, first*2)
	}
}

func TestGet_ForWriteFallsThroughToPushCapableCredential(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		switch {
		case strings.Contains(auth, "ghs_"):
			order = append(order, "app")
			_, _ = w.Write([]byte(`{"visibility":"private","permissions":{"push":false}}`))
		case strings.Contains(auth, "ghp_"):
			order = append(order, "user")
			_, _ = w.Write([]byte(`{"visibility":"private","permissions":{"push":true}}`))
		default:
			t.Errorf("unexpected Authorization header %q", auth)
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, testVault(t), 5*time.Minute)

	if got := r.Get(context.Background(), "acme", "widget", true); got != Private {
		t.Fatalf("Get forWrite = %s, want private", got)
	}
	if len(order) != 2 || order[0] != "app" || order[1] != "user" {
		t.Errorf("credential order = %v, want [app user]", order)
	}

	// The same repo for read resolves with the first credential alone.
	order = nil
	if got := r.Get(context.Background(), "acme", "widget", false); got != Private {
		t.Fatalf("Get read = %s, want private", got)
	}
	if len(order) != 1 || order[0] != "app" {
		t.Errorf("credential order = %v, want [app]", order)
	}
}

func TestGet_NoCredentialsIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("upstream called without any credential")
	}))
	defer srv.Close()

	r := newResolver(t, srv.URL, emptyVault{}, 5*time.Minute)
	if got := r.Get(context.Background(), "acme", "widget", false); got != Unknown {
		t.Fatalf("Get = %s, want unknown", got)
	}
}
