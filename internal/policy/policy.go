// Package policy is the gateway's allowlist validator. Every candidate
// command and flag combination is either explicitly allowed or denied;
// there is no implicit allow path. Rule tables are closed maps, so the
// set of supported commands is exhaustively enumerable.
//
// Deny-first evaluation: the global blocklist is checked before any
// per-command table, regardless of command.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jibdev/jib/internal/session"
	"github.com/jibdev/jib/internal/visibility"
)

// Decision is the outcome of a validation. Denials carry a reason
// specific enough for the sandbox to act on, without internal detail.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// globalBlockedFlags enable arbitrary command execution or configuration
// override. They are denied for every command, before any allowlist is
// consulted.
var globalBlockedFlags = map[string]struct{}{
	"--upload-pack":  {},
	"--receive-pack": {},
	"--exec":         {},
	"-c":             {},
	"--config":       {},
	"--config-env":   {},
}

// Resolver classifies repository visibility. Satisfied by
// *visibility.Resolver.
type Resolver interface {
	Get(ctx context.Context, owner, repo string, forWrite bool) visibility.Visibility
}

// Engine validates git/gh operations and repo access. Stateless given
// the rule tables and the session/visibility context.
type Engine struct {
	resolver Resolver
	logger   *slog.Logger

	// Optional metrics hook; nil-safe.
	onDecision func(kind string, allowed bool)
}

// NewEngine creates a policy engine backed by the visibility resolver.
func NewEngine(resolver Resolver, logger *slog.Logger) *Engine {
	return &Engine{resolver: resolver, logger: logger}
}

// WithDecisionHook installs a metrics callback invoked once per decision.
func (e *Engine) WithDecisionHook(hook func(kind string, allowed bool)) *Engine {
	e.onDecision = hook
	return e
}

// normalizeFlag reduces a flag-shaped argument to its lookup form:
// "--depth=1" becomes "--depth". Short flags pass through unchanged.
func normalizeFlag(arg string) string {
	if name, _, ok := strings.Cut(arg, "="); ok {
		return name
	}
	return arg
}

// isFlag reports whether an argument is flag-shaped.
func isFlag(arg string) bool {
	return strings.HasPrefix(arg, "-")
}

// scanGlobalBlocklist returns the first globally blocked flag in args.
func scanGlobalBlocklist(args []string) (string, bool) {
	for _, a := range args {
		if !isFlag(a) {
			continue
		}
		if _, blocked := globalBlockedFlags[normalizeFlag(a)]; blocked {
			return normalizeFlag(a), true
		}
	}
	return "", false
}

// ValidateRepoAccess gates a repository by session mode and resolved
// visibility. Unknown visibility always denies — fail closed.
func (e *Engine) ValidateRepoAccess(ctx context.Context, sess *session.Session, owner, repo string, forWrite bool) Decision {
	vis := e.resolver.Get(ctx, owner, repo, forWrite)
	d := e.repoAccessDecision(sess.Mode, vis)
	e.record("repo_access", d)
	return d
}

func (e *Engine) repoAccessDecision(mode session.Mode, vis visibility.Visibility) Decision {
	if vis == visibility.Unknown {
		return deny("repository visibility could not be determined; access denied")
	}
	switch mode {
	case session.ModePrivate:
		if vis == visibility.Private || vis == visibility.Internal {
			return allow()
		}
		return deny("repository is %s; blocked in private mode", vis)
	case session.ModePublic:
		if vis == visibility.Public {
			return allow()
		}
		return deny("repository is %s; blocked in public mode", vis)
	default:
		return deny("session mode %q is not recognized", mode)
	}
}

func (e *Engine) record(kind string, d Decision) {
	if e.onDecision != nil {
		e.onDecision(kind, d.Allowed)
	}
	if !d.Allowed {
		e.logger.Info("policy denied", slog.String("kind", kind), slog.String("reason", d.Reason))
	}
}
