package policy

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/jibdev/jib/internal/session"
)

// ghRule describes one permitted gh subcommand. Keyed by the full
// "noun verb" pair; a missing key is a denial. Merge operations are
// deliberately absent: merging stays a human action outside the sandbox.
type ghRule struct {
	write        bool
	allowedFlags map[string]struct{}
}

var ghRules = map[string]ghRule{
	"pr create": {
		write:        true,
		allowedFlags: flagSet("--title", "-t", "--body", "-b", "--body-file", "-F", "--base", "-B", "--head", "-H", "--draft", "-d", "--fill", "-f", "--label", "-l"),
	},
	// The -c short form of --comments is absent from the view tables: the
	// global blocklist claims -c for git config injection, so only the
	// long form is usable.
	"pr view": {
		allowedFlags: flagSet("--json", "--comments"),
	},
	"pr list": {
		allowedFlags: flagSet("--state", "-s", "--limit", "-L", "--json", "--author", "-A", "--base", "-B", "--label", "-l"),
	},
	"pr diff": {
		allowedFlags: flagSet("--name-only", "--patch", "--color"),
	},
	"pr checks": {
		allowedFlags: flagSet("--watch", "--json", "--required"),
	},
	"pr comment": {
		write:        true,
		allowedFlags: flagSet("--body", "-b", "--body-file", "-F"),
	},
	"issue create": {
		write:        true,
		allowedFlags: flagSet("--title", "-t", "--body", "-b", "--body-file", "-F", "--label", "-l"),
	},
	"issue view": {
		allowedFlags: flagSet("--json", "--comments"),
	},
	"issue list": {
		allowedFlags: flagSet("--state", "-s", "--limit", "-L", "--json", "--author", "-A", "--label", "-l"),
	},
	"issue comment": {
		write:        true,
		allowedFlags: flagSet("--body", "-b", "--body-file", "-F"),
	},
	"run list": {
		allowedFlags: flagSet("--limit", "-L", "--json", "--branch", "-b", "--workflow", "-w"),
	},
	"run view": {
		allowedFlags: flagSet("--json", "--log", "--log-failed", "--job", "-j"),
	},
	"repo view": {
		allowedFlags: flagSet("--json", "--branch", "-b"),
	},
}

// ValidateGh validates one gh invocation. Evaluation order matches git:
// global blocklist, subcommand table, flag allowlist, repo access.
func (e *Engine) ValidateGh(ctx context.Context, sess *session.Session, subcommand string, args []string, owner, repo string) Decision {
	d := e.validateGh(ctx, sess, subcommand, args, owner, repo)
	e.record("gh", d)
	return d
}

func (e *Engine) validateGh(ctx context.Context, sess *session.Session, subcommand string, args []string, owner, repo string) Decision {
	if flag, blocked := scanGlobalBlocklist(args); blocked {
		return deny("flag %q is not permitted", flag)
	}

	rule, ok := ghRules[strings.TrimSpace(subcommand)]
	if !ok {
		return deny("gh subcommand %q is not permitted", subcommand)
	}

	for _, a := range args {
		if !isFlag(a) {
			continue
		}
		if _, allowed := rule.allowedFlags[normalizeFlag(a)]; !allowed {
			return deny("flag %q is not permitted for gh %s", normalizeFlag(a), subcommand)
		}
	}

	if !sess.InScope(owner, repo) {
		return deny("repository %s/%s is outside the session scope", owner, repo)
	}

	return e.repoAccessDecision(sess.Mode, e.resolver.Get(ctx, owner, repo, rule.write))
}

// passRule is one method+path pattern in the passthrough allowlist.
// noRepoContext marks endpoints that carry no repository in the path
// and therefore skip the visibility gate.
type passRule struct {
	method        string
	pattern       *regexp.Regexp
	write         bool
	noRepoContext bool
}

var passRules = []passRule{
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/rate_limit$`), noRepoContext: true},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/user$`), noRepoContext: true},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/pulls(/\d+)?$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/pulls/\d+/files$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/issues(/\d+)?$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/issues/\d+/comments$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/commits/[^/]+/check-runs$`)},
	{method: http.MethodGet, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/actions/runs(/\d+)?$`)},
	{method: http.MethodPost, pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/issues/\d+/comments$`), write: true},
}

// ValidatePassthrough checks a raw API request against the passthrough
// allowlist. Paths with repository context are additionally gated by the
// session's mode and the repo's resolved visibility.
func (e *Engine) ValidatePassthrough(ctx context.Context, sess *session.Session, method, path string) Decision {
	d := e.validatePassthrough(ctx, sess, method, path)
	e.record("passthrough", d)
	return d
}

func (e *Engine) validatePassthrough(ctx context.Context, sess *session.Session, method, path string) Decision {
	// Query strings never participate in matching.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	for _, rule := range passRules {
		if rule.method != method || !rule.pattern.MatchString(path) {
			continue
		}
		if rule.noRepoContext {
			return allow()
		}
		owner, repo, ok := RepoFromPath(path)
		if !ok {
			return deny("path %q has no recognizable repository", path)
		}
		if !sess.InScope(owner, repo) {
			return deny("repository %s/%s is outside the session scope", owner, repo)
		}
		return e.repoAccessDecision(sess.Mode, e.resolver.Get(ctx, owner, repo, rule.write))
	}
	return deny("%s %s is not in the passthrough allowlist", method, path)
}

// RepoFromPath extracts owner and repo from a /repos/{owner}/{repo}/...
// API path.
func RepoFromPath(path string) (owner, repo string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "repos" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
