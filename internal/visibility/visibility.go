// Package visibility classifies repositories as public, private,
// internal, or unknown. Classification is fail-closed: unknown is the
// most restrictive state and is never cached, so a transient credential
// gap can be retried later without acquiring a false permanent denial.
package visibility

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/forge"
)

// Visibility is the classification of a hosted repository.
type Visibility string

const (
	Public   Visibility = "public"
	Private  Visibility = "private"
	Internal Visibility = "internal"
	Unknown  Visibility = "unknown"
)

// key identifies one cache slot. Read and write access can differ for
// the same repository, so forWrite is part of the key.
type key struct {
	owner    string
	repo     string
	forWrite bool
}

type entry struct {
	vis     Visibility
	expires time.Time
}

// Vault is the credential source the resolver probes with.
type Vault interface {
	ForgeCredentials(now time.Time) []credential.Credential
}

// Resolver resolves and caches repository visibility.
type Resolver struct {
	client *forge.Client
	vault  Vault
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[key]entry

	now func() time.Time // Overridable for tests.

	// Optional hooks for metrics; nil-safe.
	onLookup func(result string, cached bool)
}

// NewResolver creates a Resolver with the given cache TTL.
func NewResolver(client *forge.Client, vault Vault, ttl time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		vault:  vault,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[key]entry),
		now:    time.Now,
	}
}

// WithLookupHook installs a metrics callback invoked once per Get.
func (r *Resolver) WithLookupHook(hook func(result string, cached bool)) *Resolver {
	r.onLookup = hook
	return r
}

// Get returns the repository's visibility for the requested access
// direction. Cache hits within the TTL return without an upstream call.
// On miss, each configured forge credential is tried in precedence order
// (app token first); the first credential that resolves wins and the
// result is cached. If every credential fails, Unknown is returned and
// NOT cached.
func (r *Resolver) Get(ctx context.Context, owner, repo string, forWrite bool) Visibility {
	k := key{owner: owner, repo: repo, forWrite: forWrite}
	now := r.now()

	r.mu.RLock()
	if e, ok := r.cache[k]; ok && now.Before(e.expires) {
		r.mu.RUnlock()
		r.hook(string(e.vis), true)
		return e.vis
	}
	r.mu.RUnlock()

	vis := r.resolve(ctx, owner, repo, forWrite)
	if vis != Unknown {
		r.mu.Lock()
		r.cache[k] = entry{vis: vis, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	r.hook(string(vis), false)
	return vis
}

func (r *Resolver) resolve(ctx context.Context, owner, repo string, forWrite bool) Visibility {
	creds := r.vault.ForgeCredentials(r.now())
	if len(creds) == 0 {
		r.logger.Warn("no forge credential available for visibility probe",
			slog.String("owner", owner), slog.String("repo", repo))
		return Unknown
	}

	for _, cred := range creds {
		info, err := r.client.RepoVisibility(ctx, cred, owner, repo)
		switch {
		case err == nil:
			if forWrite && !info.CanPush {
				// This credential sees the repo but cannot write to it;
				// a lower-precedence credential may still hold push.
				continue
			}
			return fromString(info.Visibility)
		case errors.Is(err, forge.ErrNotFound), errors.Is(err, forge.ErrForbidden):
			// Invisible to this credential; try the next one.
			continue
		default:
			// Transient upstream failure: fail closed for this request
			// but leave the cache untouched so the next request retries.
			r.logger.Warn("visibility probe failed",
				slog.String("owner", owner),
				slog.String("repo", repo),
				slog.String("error", err.Error()),
			)
			return Unknown
		}
	}
	return Unknown
}

func (r *Resolver) hook(result string, cached bool) {
	if r.onLookup != nil {
		r.onLookup(result, cached)
	}
}

func fromString(s string) Visibility {
	switch s {
	case "public":
		return Public
	case "private":
		return Private
	case "internal":
		return Internal
	default:
		return Unknown
	}
}
