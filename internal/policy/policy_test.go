package policy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jibdev/jib/internal/session"
	"github.com/jibdev/jib/internal/visibility"
)

// stubResolver returns a fixed visibility per repo and records lookups.
type stubResolver struct {
	repos   map[string]visibility.Visibility
	lookups int
}

func (s *stubResolver) Get(_ context.Context, owner, repo string, _ bool) visibility.Visibility {
	s.lookups++
	v, ok := s.repos[owner+"/"+repo]
	if !ok {
		return visibility.Unknown
	}
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(repos map[string]visibility.Visibility) (*Engine, *stubResolver) {
	r := &stubResolver{repos: repos}
	return NewEngine(r, testLogger()), r
}

func privateSession(t *testing.T) *session.Session {
	t.Helper()
	mgr := session.NewManager(nil, time.Hour, nil, testLogger())
	s, err := mgr.Create(session.ModePrivate,
		[]session.RepoScope{{Owner: "acme", Name: "widget"}},
		[]string{"agent/fix-123"}, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return s
}

func publicSession(t *testing.T) *session.Session {
	t.Helper()
	mgr := session.NewManager(nil, time.Hour, nil, testLogger())
	s, err := mgr.Create(session.ModePublic,
		[]session.RepoScope{{Owner: "acme", Name: "widget"}},
		[]string{"agent/fix-123"}, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return s
}

func TestValidateGit_GlobalBlocklistWinsOverAllowedOperation(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	blocked := [][]string{
		{"--upload-pack=/bin/sh"},
		{"--receive-pack", "/bin/sh"},
		{"--exec=/bin/sh"},
		{"-c", "core.sshCommand=evil"},
		{"--config", "alias.x=!sh"},
		{"--all", "--upload-pack=/bin/sh"}, // Allowed flag does not shield the blocked one.
	}
	for _, args := range blocked {
		d := engine.ValidateGit(context.Background(), sess, "fetch", args, "acme", "widget")
		if d.Allowed {
			t.Errorf("fetch %v allowed, want denied", args)
		}
	}
}

func TestValidateGit_UnknownOperationDenied(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	for _, op := range []string{"daemon", "svn", "submodule", "filter-branch", ""} {
		d := engine.ValidateGit(context.Background(), sess, op, nil, "acme", "widget")
		if d.Allowed {
			t.Errorf("git %q allowed, want denied", op)
		}
	}
}

func TestValidateGit_UnknownFlagDenied(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	d := engine.ValidateGit(context.Background(), sess, "fetch", []string{"--mirror"}, "acme", "widget")
	if d.Allowed {
		t.Fatal("fetch --mirror allowed, want denied")
	}
}

func TestValidateGit_AllowedFetch(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	d := engine.ValidateGit(context.Background(), sess, "fetch", []string{"--prune", "--depth=1", "origin"}, "acme", "widget")
	if !d.Allowed {
		t.Fatalf("fetch denied: %s", d.Reason)
	}
}

func TestValidateGit_PushRequiresOwnedBranch(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	cases := []struct {
		name    string
		args    []string
		allowed bool
	}{
		{"owned branch", []string{"origin", "agent/fix-123"}, true},
		{"owned refspec", []string{"origin", "HEAD:agent/fix-123"}, true},
		{"owned full ref", []string{"origin", "agent/fix-123:refs/heads/agent/fix-123"}, true},
		{"foreign branch", []string{"origin", "main"}, false},
		{"foreign refspec dst", []string{"origin", "agent/fix-123:main"}, false},
		{"no branch", []string{"origin"}, false},
		{"no args", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.ValidateGit(context.Background(), sess, "push", tc.args, "acme", "widget")
			if d.Allowed != tc.allowed {
				t.Errorf("push %v: allowed=%v (%s), want %v", tc.args, d.Allowed, d.Reason, tc.allowed)
			}
		})
	}
}

func TestValidateGit_OutOfScopeRepoDenied(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"other/repo": visibility.Private})
	sess := privateSession(t)

	d := engine.ValidateGit(context.Background(), sess, "fetch", nil, "other", "repo")
	if d.Allowed {
		t.Fatal("out-of-scope fetch allowed, want denied")
	}
}

func TestValidateGit_ModeVisibilityMatrix(t *testing.T) {
	cases := []struct {
		name    string
		mode    string
		vis     visibility.Visibility
		allowed bool
	}{
		{"private mode private repo", "private", visibility.Private, true},
		{"private mode internal repo", "private", visibility.Internal, true},
		{"private mode public repo", "private", visibility.Public, false},
		{"public mode public repo", "public", visibility.Public, true},
		{"public mode private repo", "public", visibility.Private, false},
		{"public mode internal repo", "public", visibility.Internal, false},
		{"private mode unknown repo", "private", visibility.Unknown, false},
		{"public mode unknown repo", "public", visibility.Unknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": tc.vis})
			var sess *session.Session
			if tc.mode == "private" {
				sess = privateSession(t)
			} else {
				sess = publicSession(t)
			}
			d := engine.ValidateGit(context.Background(), sess, "fetch", nil, "acme", "widget")
			if d.Allowed != tc.allowed {
				t.Errorf("allowed=%v (%s), want %v", d.Allowed, d.Reason, tc.allowed)
			}
		})
	}
}

func TestValidateGh_MergeAbsentFromTable(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	for _, sub := range []string{"pr merge", "repo delete", "secret set", "auth login"} {
		d := engine.ValidateGh(context.Background(), sess, sub, nil, "acme", "widget")
		if d.Allowed {
			t.Errorf("gh %q allowed, want denied", sub)
		}
	}
}

func TestValidateGh_AllowedSubcommands(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	cases := []struct {
		sub  string
		args []string
	}{
		{"pr create", []string{"--title", "fix", "--body", "body", "--head", "agent/fix-123"}},
		{"pr view", []string{"--json", "state"}},
		{"issue comment", []string{"--body", "done"}},
		{"run view", []string{"--log-failed"}},
	}
	for _, tc := range cases {
		d := engine.ValidateGh(context.Background(), sess, tc.sub, tc.args, "acme", "widget")
		if !d.Allowed {
			t.Errorf("gh %s %v denied: %s", tc.sub, tc.args, d.Reason)
		}
	}
}

// The blocklist claims -c, so only the long form of --comments works.
func TestValidateGh_CommentsFlagLongFormOnly(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	for _, sub := range []string{"pr view", "issue view"} {
		if d := engine.ValidateGh(context.Background(), sess, sub, []string{"--comments"}, "acme", "widget"); !d.Allowed {
			t.Errorf("gh %s --comments denied: %s", sub, d.Reason)
		}
		if d := engine.ValidateGh(context.Background(), sess, sub, []string{"-c"}, "acme", "widget"); d.Allowed {
			t.Errorf("gh %s -c allowed, want denied by the global blocklist", sub)
		}
	}
}

func TestValidateGh_GlobalBlocklistApplies(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	d := engine.ValidateGh(context.Background(), sess, "pr view", []string{"--exec=/bin/sh"}, "acme", "widget")
	if d.Allowed {
		t.Fatal("gh with --exec allowed, want denied")
	}
}

func TestValidatePassthrough(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	sess := privateSession(t)

	cases := []struct {
		name    string
		method  string
		path    string
		allowed bool
	}{
		{"rate limit no repo context", "GET", "/rate_limit", true},
		{"user no repo context", "GET", "/user", true},
		{"repo read", "GET", "/repos/acme/widget", true},
		{"pulls list", "GET", "/repos/acme/widget/pulls", true},
		{"pull by number", "GET", "/repos/acme/widget/pulls/42", true},
		{"query string ignored", "GET", "/repos/acme/widget/pulls?state=open", true},
		{"issue comment create", "POST", "/repos/acme/widget/issues/7/comments", true},
		{"delete repo", "DELETE", "/repos/acme/widget", false},
		{"unlisted path", "GET", "/repos/acme/widget/hooks", false},
		{"wrong method", "POST", "/repos/acme/widget", false},
		{"out of scope repo", "GET", "/repos/other/repo", false},
		{"arbitrary endpoint", "GET", "/orgs/acme/members", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.ValidatePassthrough(context.Background(), sess, tc.method, tc.path)
			if d.Allowed != tc.allowed {
				t.Errorf("%s %s: allowed=%v (%s), want %v", tc.method, tc.path, d.Allowed, d.Reason, tc.allowed)
			}
		})
	}
}

func TestRepoFromPath(t *testing.T) {
	cases := []struct {
		path  string
		owner string
		repo  string
		ok    bool
	}{
		{"/repos/acme/widget", "acme", "widget", true},
		{"/repos/acme/widget/pulls/1", "acme", "widget", true},
		{"/rate_limit", "", "", false},
		{"/repos/acme", "", "", false},
		{"/repos//widget", "", "", false},
	}
	for _, tc := range cases {
		owner, repo, ok := RepoFromPath(tc.path)
		if owner != tc.owner || repo != tc.repo || ok != tc.ok {
			t.Errorf("RepoFromPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.path, owner, repo, ok, tc.owner, tc.repo, tc.ok)
		}
	}
}

func TestNormalizeFlag(t *testing.T) {
	cases := []struct{ in, want string }{
		{"--depth=1", "--depth"},
		{"--depth", "--depth"},
		{"-q", "-q"},
		{"--upload-pack=/bin/sh", "--upload-pack"},
	}
	for _, tc := range cases {
		if got := normalizeFlag(tc.in); got != tc.want {
			t.Errorf("normalizeFlag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecisionHookFires(t *testing.T) {
	engine, _ := testEngine(map[string]visibility.Visibility{"acme/widget": visibility.Private})
	var kinds []string
	engine.WithDecisionHook(func(kind string, _ bool) { kinds = append(kinds, kind) })
	sess := privateSession(t)

	engine.ValidateGit(context.Background(), sess, "fetch", nil, "acme", "widget")
	engine.ValidateGh(context.Background(), sess, "pr view", nil, "acme", "widget")
	engine.ValidatePassthrough(context.Background(), sess, "GET", "/rate_limit")

	want := []string{"git", "gh", "passthrough"}
	if len(kinds) != len(want) {
		t.Fatalf("decision hook fired %d times, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}
