// Package credential implements the gateway's credential vault and header
// injector. Raw credential material is loaded once from a host-provided
// secret file, held only in process memory, and reachable exclusively
// through the injector and the token lifecycle manager. The sandbox NEVER
// receives a credential value — headers are attached on the gateway side
// of every upstream connection.
package credential

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a credential by its upstream role.
type Kind string

const (
	KindAPIKey     Kind = "api_key"                // LLM API key, injected as x-api-key.
	KindOAuthToken Kind = "oauth_token"            // OAuth access token, injected as Bearer.
	KindAppToken   Kind = "app_installation_token" // Forge app installation token, short-lived.
	KindUserToken  Kind = "user_token"             // Personal access token, long-lived.
)

// Scheme is the header form a credential is injected with.
type Scheme string

const (
	SchemeAPIKey Scheme = "x-api-key"
	SchemeBearer Scheme = "bearer"
)

// Scheme returns the injection header scheme for the credential kind.
func (k Kind) Scheme() Scheme {
	if k == KindAPIKey {
		return SchemeAPIKey
	}
	return SchemeBearer
}

// Health is the format-only status of a configured credential slot.
type Health string

const (
	HealthValid     Health = "valid"
	HealthExpired   Health = "expired"
	HealthMissing   Health = "missing"
	HealthMalformed Health = "malformed"
)

// ErrUnavailable is returned when no valid credential is configured for a
// requested role. At startup this is fatal; at request time it denies.
var ErrUnavailable = errors.New("credential unavailable")

// Credential holds one piece of resolved secret material. The raw value is
// unexported: only this package (injector) and the token manager, via
// Vault.Replace, ever touch it. Credential MUST NOT be serialized.
type Credential struct {
	Name   string    // Slot name from the secret file, e.g. "FORGE_APP_TOKEN".
	Kind   Kind      //
	Expiry time.Time // Zero for non-expiring credentials.

	value string
}

// Expired reports whether the credential is past its expiry at the given time.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// shape describes the structural validation applied to a credential slot
// before it is accepted into the vault.
type shape struct {
	kind      Kind
	prefixes  []string
	minLength int
}

// Slot names the secret file may populate.
const (
	SlotLLMAPIKey      = "LLM_API_KEY"
	SlotForgeAppToken  = "FORGE_APP_TOKEN"
	SlotForgeUserToken = "FORGE_USER_TOKEN"
	SlotForgeOAuth     = "FORGE_OAUTH"
	SlotLauncherSecret = "LAUNCHER_SECRET"
)

// slots enumerates every credential the gateway knows how to carry.
// The secret file may populate any subset; startup fails only when no
// slot at all holds valid material.
var slots = map[string]shape{
	SlotLLMAPIKey:      {kind: KindAPIKey, prefixes: []string{"sk-"}, minLength: 20},
	SlotForgeAppToken:  {kind: KindAppToken, prefixes: []string{"ghs_"}, minLength: 20},
	SlotForgeUserToken: {kind: KindUserToken, prefixes: []string{"ghp_", "github_pat_"}, minLength: 20},
	SlotForgeOAuth:     {kind: KindOAuthToken, prefixes: []string{"gho_"}, minLength: 20},
	SlotLauncherSecret: {kind: KindUserToken, prefixes: nil, minLength: 32},
}

// forgeOrder is the deterministic precedence for forge credentials: the
// app installation token is tried before any user credential so bot
// identity wins whenever both could authenticate the same request.
var forgeOrder = []string{SlotForgeAppToken, SlotForgeOAuth, SlotForgeUserToken}

// validateShape checks prefix and length constraints for a slot value.
// It never logs or returns the value itself.
func validateShape(name, value string) error {
	sh, ok := slots[name]
	if !ok {
		return fmt.Errorf("unknown credential slot %q", name)
	}
	if len(value) < sh.minLength {
		return fmt.Errorf("credential %s is shorter than %d characters", name, sh.minLength)
	}
	if len(sh.prefixes) > 0 {
		matched := false
		for _, p := range sh.prefixes {
			if len(value) >= len(p) && value[:len(p)] == p {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("credential %s does not match any expected prefix", name)
		}
	}
	return nil
}
