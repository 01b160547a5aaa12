package credential

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Injector maps upstream hosts to the header they need and attaches it.
// It is the only component besides the token manager that reads raw
// credential values; the injected header is applied to the outgoing
// request and is never passed to the audit logger.
type Injector struct {
	vault *Vault

	// hostSlots maps an SNI/host name to the credential slot injected for
	// it. Immutable after construction.
	hostSlots map[string]string

	// misses counts injection attempts that found no usable credential.
	// The proxy still forwards such requests WITHOUT a header, so the
	// failure surfaces as an upstream 401 rather than a silent bypass.
	misses atomic.Int64

	// Optional metrics hook invoked on each miss; nil-safe.
	onMiss func()
}

// NewInjector creates an injector for the given host-to-slot mapping.
func NewInjector(vault *Vault, hostSlots map[string]string) *Injector {
	m := make(map[string]string, len(hostSlots))
	for host, slot := range hostSlots {
		m[host] = slot
	}
	return &Injector{vault: vault, hostSlots: m}
}

// WithMissHook installs a callback invoked once per injection miss.
func (i *Injector) WithMissHook(hook func()) *Injector {
	i.onMiss = hook
	return i
}

// HeaderFor returns the header name and value to inject for the target
// host. ok is false when the host has no mapping or the mapped slot holds
// no usable credential — callers must forward without a header, never
// substitute a stale one.
func (i *Injector) HeaderFor(host string, now time.Time) (name, value string, ok bool) {
	slot, mapped := i.hostSlots[host]
	if !mapped {
		return "", "", false
	}
	c, found := i.vault.Get(slot)
	if !found || c.Expired(now) {
		i.misses.Add(1)
		if i.onMiss != nil {
			i.onMiss()
		}
		return "", "", false
	}
	switch c.Kind.Scheme() {
	case SchemeAPIKey:
		return "x-api-key", c.value, true
	default:
		return "Authorization", "Bearer " + c.value, true
	}
}

// Inject attaches authentication to an outgoing request, stripping any
// caller-supplied auth first. Exactly one of x-api-key or Authorization
// is set. Returns false when no credential was available.
func (i *Injector) Inject(req *http.Request, host string, now time.Time) bool {
	req.Header.Del("Authorization")
	req.Header.Del("x-api-key")
	name, value, ok := i.HeaderFor(host, now)
	if !ok {
		return false
	}
	req.Header.Set(name, value)
	return true
}

// Misses reports how many injection attempts found no usable credential.
func (i *Injector) Misses() int64 {
	return i.misses.Load()
}

// AuthorizeForge attaches the given forge credential to a request.
// Used by the forge client for visibility probes, where the credential
// order is decided by the visibility resolver rather than by host.
func AuthorizeForge(req *http.Request, c Credential) {
	req.Header.Set("Authorization", "Bearer "+c.value)
}
