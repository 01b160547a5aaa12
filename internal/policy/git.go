package policy

import (
	"context"
	"strings"

	"github.com/jibdev/jib/internal/session"
)

// gitRule describes one permitted git operation. Flags not in the
// allowed set are denied; there is no "unknown but harmless" category.
type gitRule struct {
	write        bool
	ownedBranch  bool // Push target must be a branch the session owns.
	allowedFlags map[string]struct{}
}

func flagSet(flags ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		set[f] = struct{}{}
	}
	return set
}

// gitRules is the closed table of git operations the gateway will
// execute on behalf of a sandbox. Anything absent is denied.
var gitRules = map[string]gitRule{
	"fetch": {
		allowedFlags: flagSet("--all", "--prune", "--tags", "--no-tags", "--depth", "--quiet", "-q", "--verbose", "-v"),
	},
	"pull": {
		allowedFlags: flagSet("--rebase", "--no-rebase", "--ff-only", "--depth", "--quiet", "-q", "--verbose", "-v"),
	},
	"clone": {
		allowedFlags: flagSet("--depth", "--branch", "-b", "--single-branch", "--no-tags", "--quiet", "-q", "--verbose", "-v"),
	},
	"ls-remote": {
		allowedFlags: flagSet("--heads", "--tags", "--refs", "--quiet", "-q"),
	},
	"push": {
		write:        true,
		ownedBranch:  true,
		allowedFlags: flagSet("--force-with-lease", "--set-upstream", "-u", "--tags", "--porcelain", "--quiet", "-q", "--verbose", "-v"),
	},
}

// ValidateGit validates one git invocation end to end: global blocklist
// first, then the operation table, then per-flag allowlist, then branch
// ownership for writes, then repository access by mode and visibility.
func (e *Engine) ValidateGit(ctx context.Context, sess *session.Session, op string, args []string, owner, repo string) Decision {
	d := e.validateGit(ctx, sess, op, args, owner, repo)
	e.record("git", d)
	return d
}

func (e *Engine) validateGit(ctx context.Context, sess *session.Session, op string, args []string, owner, repo string) Decision {
	if flag, blocked := scanGlobalBlocklist(args); blocked {
		return deny("flag %q is not permitted", flag)
	}

	rule, ok := gitRules[op]
	if !ok {
		return deny("git operation %q is not permitted", op)
	}

	for _, a := range args {
		if !isFlag(a) {
			continue
		}
		if _, allowed := rule.allowedFlags[normalizeFlag(a)]; !allowed {
			return deny("flag %q is not permitted for git %s", normalizeFlag(a), op)
		}
	}

	if !sess.InScope(owner, repo) {
		return deny("repository %s/%s is outside the session scope", owner, repo)
	}

	if rule.ownedBranch {
		branch, ok := pushTargetBranch(args)
		if !ok {
			return deny("push requires an explicit target branch")
		}
		if !sess.OwnsBranch(branch) {
			return deny("branch %q is not owned by this session", branch)
		}
	}

	return e.repoAccessDecision(sess.Mode, e.resolver.Get(ctx, owner, repo, rule.write))
}

// pushTargetBranch extracts the destination branch from push arguments.
// The last non-flag argument after the remote is the refspec; for
// "src:dst" refspecs the destination side is the one that matters.
// Missing a branch is a denial upstream, never a default.
func pushTargetBranch(args []string) (string, bool) {
	var positional []string
	for _, a := range args {
		if !isFlag(a) {
			positional = append(positional, a)
		}
	}
	// Expect [remote, refspec]; a bare remote has no target branch.
	if len(positional) < 2 {
		return "", false
	}
	refspec := positional[len(positional)-1]
	refspec = strings.TrimPrefix(refspec, "+")
	if _, dst, ok := strings.Cut(refspec, ":"); ok {
		refspec = dst
	}
	refspec = strings.TrimPrefix(refspec, "refs/heads/")
	if refspec == "" {
		return "", false
	}
	return refspec, true
}
