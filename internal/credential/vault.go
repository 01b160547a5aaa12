package credential

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// set is an immutable snapshot of the loaded credentials. Writers (Load,
// Replace) build a fresh set and swap the pointer; request handlers read
// the current snapshot lock-free, so no request ever observes a
// half-updated credential.
type set struct {
	creds map[string]Credential
}

// Vault holds the current credential snapshot.
type Vault struct {
	current atomic.Pointer[set]
	logger  *slog.Logger
}

// Load parses the secret file at path, structurally validates every slot,
// and returns a Vault. It fails closed: if the file is unreadable, empty,
// or contains no valid credential, no Vault is returned and the gateway
// must refuse to start.
//
// File format is one credential per line, KEY=value. Lines starting with
// # are comments; empty lines are ignored. Unknown keys and malformed
// values are skipped with a warning (never echoing the value).
func Load(path string, logger *slog.Logger) (*Vault, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening secret file %s: %v", ErrUnavailable, path, err)
	}
	defer file.Close()

	creds := make(map[string]Credential)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if err := validateShape(name, value); err != nil {
			logger.Warn("rejecting credential slot", slog.String("slot", name), slog.String("error", err.Error()))
			continue
		}
		creds[name] = Credential{
			Name:  name,
			Kind:  slots[name].kind,
			value: value,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading secret file: %v", ErrUnavailable, err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: secret file %s holds no valid credential", ErrUnavailable, path)
	}

	v := &Vault{logger: logger}
	v.current.Store(&set{creds: creds})
	logger.Info("credential vault loaded", slog.Int("slots", len(creds)))
	return v, nil
}

// Get returns the credential in the named slot.
func (v *Vault) Get(name string) (Credential, bool) {
	c, ok := v.current.Load().creds[name]
	return c, ok
}

// ForgeCredentials returns the forge credentials in precedence order
// (app installation token first, then user credentials). Only populated,
// non-expired slots are returned.
func (v *Vault) ForgeCredentials(now time.Time) []Credential {
	s := v.current.Load()
	out := make([]Credential, 0, len(forgeOrder))
	for _, name := range forgeOrder {
		c, ok := s.creds[name]
		if !ok || c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Replace swaps the value (and expiry) of one slot, building a new
// immutable snapshot. Only the token lifecycle manager calls this.
func (v *Vault) Replace(name, value string, expiry time.Time) error {
	if err := validateShape(name, value); err != nil {
		return fmt.Errorf("refreshed credential rejected: %w", err)
	}
	for {
		old := v.current.Load()
		creds := make(map[string]Credential, len(old.creds)+1)
		for k, c := range old.creds {
			creds[k] = c
		}
		creds[name] = Credential{
			Name:   name,
			Kind:   slots[name].kind,
			Expiry: expiry,
			value:  value,
		}
		if v.current.CompareAndSwap(old, &set{creds: creds}) {
			v.logger.Info("credential slot replaced", slog.String("slot", name))
			return nil
		}
	}
}

// VerifyLauncher compares a presented token against the launcher secret
// in constant time. Returns false when no launcher secret is configured.
func (v *Vault) VerifyLauncher(token string) bool {
	c, ok := v.current.Load().creds[SlotLauncherSecret]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.value)) == 1
}

// SlotHealth is the diagnosis for one known credential slot.
type SlotHealth struct {
	Slot   string `json:"slot"`
	Kind   Kind   `json:"kind"`
	Status Health `json:"status"`
}

// HealthReport runs the format-only credential check: no live upstream
// call, no secret material in the result. Suitable for operator
// diagnostics and the /v1/credentials/health endpoint.
func (v *Vault) HealthReport(now time.Time) []SlotHealth {
	s := v.current.Load()
	out := make([]SlotHealth, 0, len(slots))
	for _, name := range slotNames() {
		sh := slots[name]
		c, ok := s.creds[name]
		switch {
		case !ok:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthMissing})
		case c.Expired(now):
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthExpired})
		case validateShape(name, c.value) != nil:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthMalformed})
		default:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthValid})
		}
	}
	return out
}

// HealthFile diagnoses a secret file without constructing a vault.
// Used by `jibd check` so operators can validate configuration on a host
// where the gateway is not running.
func HealthFile(path string, now time.Time) ([]SlotHealth, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secret file %s: %w", path, err)
	}
	defer file.Close()

	found := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, value, ok := strings.Cut(line, "="); ok {
			found[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}

	out := make([]SlotHealth, 0, len(slots))
	for _, name := range slotNames() {
		sh := slots[name]
		value, ok := found[name]
		switch {
		case !ok:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthMissing})
		case validateShape(name, value) != nil:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthMalformed})
		default:
			out = append(out, SlotHealth{Slot: name, Kind: sh.kind, Status: HealthValid})
		}
	}
	return out, nil
}

// slotNames returns the known slot names in a stable order.
func slotNames() []string {
	return []string{SlotLLMAPIKey, SlotForgeAppToken, SlotForgeOAuth, SlotForgeUserToken, SlotLauncherSecret}
}
