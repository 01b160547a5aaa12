// Package session authenticates gateway callers. Two credential classes
// exist: the process-lifetime launcher secret (host process → gateway)
// and per-sandbox session tokens minted at sandbox creation, scoped to a
// worktree/repo set. Valid tokens are deliberately not audited — only
// failures — so a token can never leak through the audit trail.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jibdev/jib/internal/audit"
)

var (
	// ErrInvalidToken is returned for unrecognized session tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken is returned for recognized but expired tokens.
	ErrExpiredToken = errors.New("session expired")
)

// Mode gates which repository visibilities a session may touch.
type Mode string

const (
	// ModePublic sessions may only touch public repositories.
	ModePublic Mode = "public"
	// ModePrivate sessions may only touch private or internal repositories.
	ModePrivate Mode = "private"
)

// RepoScope is one repository a session is bound to.
type RepoScope struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Session is the bound identity and scope for one sandbox lifetime.
type Session struct {
	ID        string      `json:"id"`
	Mode      Mode        `json:"mode"`
	Repos     []RepoScope `json:"repos"`
	Branches  []string    `json:"branches"` // Branches this sandbox owns and may push to.
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`

	token string
}

// Token returns the bearer token minted for this session. It is returned
// exactly once, in the session-creation response, and is not persisted
// anywhere the sandbox host filesystem can reach.
func (s *Session) Token() string { return s.token }

// InScope reports whether the session is bound to the given repository.
func (s *Session) InScope(owner, name string) bool {
	for _, r := range s.Repos {
		if r.Owner == owner && r.Name == name {
			return true
		}
	}
	return false
}

// OwnsBranch reports whether the session's worktree owns the branch.
func (s *Session) OwnsBranch(branch string) bool {
	for _, b := range s.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// LauncherVerifier checks the process-lifetime launcher secret.
// Implemented by the credential vault.
type LauncherVerifier interface {
	VerifyLauncher(token string) bool
}

// Manager mints and validates session tokens. Thread-safe.
type Manager struct {
	launcher   LauncherVerifier
	defaultTTL time.Duration
	auditLog   *audit.Logger
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // token → session
	byID     map[string]string   // session id → token

	// Optional metrics hooks; nil-safe.
	onAuthFailure func()
	onCount       func(n int)
}

// NewManager creates a session manager.
func NewManager(launcher LauncherVerifier, defaultTTL time.Duration, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	return &Manager{
		launcher:   launcher,
		defaultTTL: defaultTTL,
		auditLog:   auditLog,
		logger:     logger,
		sessions:   make(map[string]*Session),
		byID:       make(map[string]string),
	}
}

// WithAuthFailureHook installs a callback invoked once per failed
// authentication, for either credential class.
func (m *Manager) WithAuthFailureHook(hook func()) *Manager {
	m.onAuthFailure = hook
	return m
}

// WithCountHook installs a callback invoked with the live session count
// after every create, delete, and sweep.
func (m *Manager) WithCountHook(hook func(n int)) *Manager {
	m.onCount = hook
	return m
}

// Create mints a new session bound to the given scope. ttl <= 0 uses the
// manager default.
func (m *Manager) Create(mode Mode, repos []RepoScope, branches []string, ttl time.Duration) (*Session, error) {
	if mode != ModePublic && mode != ModePrivate {
		return nil, errors.New("mode must be public or private")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	token := "jibs_" + hex.EncodeToString(raw)

	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.New().String(),
		Mode:      mode,
		Repos:     repos,
		Branches:  branches,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		token:     token,
	}

	m.mu.Lock()
	m.sessions[token] = s
	m.byID[s.ID] = token
	count := len(m.sessions)
	m.mu.Unlock()
	m.reportCount(count)

	m.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("mode", string(mode)),
		slog.Int("repos", len(repos)),
	)
	return s, nil
}

// Authenticate validates a presented session token. An audit entry is
// recorded only on failure.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.lookup(token)
	m.mu.RUnlock()

	if !ok {
		m.recordFailure(ctx, "unknown token")
		return nil, ErrInvalidToken
	}
	if time.Now().After(s.ExpiresAt) {
		m.recordFailure(ctx, "expired token for session "+s.ID)
		return nil, ErrExpiredToken
	}
	return s, nil
}

// lookup does a constant-time scan over the token table. The table is
// small (one session per live sandbox), so the scan cost is negligible
// against the timing-safety it buys.
func (m *Manager) lookup(token string) (*Session, bool) {
	var found *Session
	for t, s := range m.sessions {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			found = s
		}
	}
	return found, found != nil
}

// AuthenticateLauncher verifies the launcher secret. Like session-token
// authentication, failures are audited and successes are not — the secret
// itself never reaches the audit trail either way.
func (m *Manager) AuthenticateLauncher(ctx context.Context, token string) bool {
	if m.launcher.VerifyLauncher(token) {
		return true
	}
	m.recordFailure(ctx, "launcher secret rejected")
	return false
}

// Delete tears down a session by id at sandbox teardown.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	token, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, token)
	delete(m.byID, id)
	count := len(m.sessions)
	m.mu.Unlock()
	m.reportCount(count)
	m.logger.Info("session destroyed", slog.String("session_id", id))
	return true
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return m.sessions[token], true
}

// Sweep removes expired sessions. Run periodically from the lifecycle
// manager so the table does not accumulate dead sandboxes.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	removed := 0
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, token)
			delete(m.byID, s.ID)
			removed++
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()
	m.reportCount(count)
	return removed
}

func (m *Manager) recordFailure(ctx context.Context, reason string) {
	if m.onAuthFailure != nil {
		m.onAuthFailure()
	}
	if m.auditLog == nil {
		return
	}
	_ = m.auditLog.Record(ctx, audit.Entry{
		CorrelationID: uuid.New().String(),
		Source:        audit.SourceAuth,
		Operation:     "authenticate",
		Allowed:       false,
		Reason:        reason,
	})
}

func (m *Manager) reportCount(n int) {
	if m.onCount != nil {
		m.onCount(n)
	}
}
