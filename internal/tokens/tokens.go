// Package tokens runs the credential lifecycle: classifying each
// expiring credential's state, refreshing the app installation token
// ahead of expiry, rotating the interception CA on schedule, and
// sweeping expired sessions. All periodic work runs on one cron
// scheduler with panic recovery and overlap suppression.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/forge"
)

// State is the lifecycle classification of one credential.
type State string

const (
	// StateAbsent means the slot holds no usable value.
	StateAbsent State = "absent"
	// StateValid means the credential is usable and not near expiry.
	StateValid State = "valid"
	// StateExpiringSoon means expiry falls within the refresh margin.
	StateExpiringSoon State = "expiring_soon"
	// StateExpired means the credential's expiry has passed.
	StateExpired State = "expired"
)

// StateOf classifies a credential against the refresh margin.
func StateOf(cred credential.Credential, now time.Time, margin time.Duration) State {
	if cred.Expiry.IsZero() {
		return StateValid // Non-expiring credentials are always valid once loaded.
	}
	switch {
	case !now.Before(cred.Expiry):
		return StateExpired
	case now.Add(margin).After(cred.Expiry):
		return StateExpiringSoon
	default:
		return StateValid
	}
}

// Vault is the credential store the manager reads and refreshes.
type Vault interface {
	Get(name string) (credential.Credential, bool)
	Replace(name, value string, expiry time.Time) error
}

// Refresher mints a replacement installation token.
type Refresher interface {
	RefreshInstallationToken(ctx context.Context, appCred credential.Credential) (Token, error)
}

// Token aliases the forge token type so callers of this package do not
// need the forge import for the common path.
type Token = forge.Token

// Rotator is the CA rotation hook, satisfied by *ca.Manager.
type Rotator interface {
	Rotate() error
}

// SessionSweeper removes expired sessions, satisfied by
// *session.Manager.
type SessionSweeper interface {
	Sweep(now time.Time) int
}

// Config carries the manager's schedules and margins.
type Config struct {
	RefreshMargin time.Duration // How far before expiry a refresh fires.
	SweepSpec     string        // Cron spec for the token/session sweep.
	CASpec        string        // Cron spec for CA rotation checks.
}

// Manager owns the cron scheduler and the refresh logic.
type Manager struct {
	cfg       Config
	vault     Vault
	refresher Refresher
	rotator   Rotator
	sessions  SessionSweeper
	logger    *slog.Logger
	cron      *cron.Cron

	// refreshing guards against concurrent refreshes of the same slot
	// when a sweep overlaps an on-demand refresh.
	mu         sync.Mutex
	refreshing map[string]bool

	now func() time.Time

	onRefresh func(outcome string) // metrics hook; nil-safe
}

// NewManager wires the lifecycle manager. Cron jobs are registered but
// do not run until Start.
func NewManager(cfg Config, vault Vault, refresher Refresher, rotator Rotator, sessions SessionSweeper, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		vault:      vault,
		refresher:  refresher,
		rotator:    rotator,
		sessions:   sessions,
		logger:     logger,
		refreshing: make(map[string]bool),
		now:        time.Now,
	}

	m.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if _, err := m.cron.AddFunc(cfg.SweepSpec, m.sweep); err != nil {
		return nil, fmt.Errorf("registering sweep job: %w", err)
	}
	if _, err := m.cron.AddFunc(cfg.CASpec, m.rotateCA); err != nil {
		return nil, fmt.Errorf("registering CA rotation job: %w", err)
	}
	return m, nil
}

// WithRefreshHook installs a metrics callback invoked once per refresh
// attempt with outcome "ok" or "error".
func (m *Manager) WithRefreshHook(hook func(outcome string)) *Manager {
	m.onRefresh = hook
	return m
}

// Start begins the scheduler and runs one immediate sweep so a gateway
// started with a nearly expired token does not wait a full interval.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("lifecycle manager starting",
		slog.String("sweep", m.cfg.SweepSpec),
		slog.String("ca", m.cfg.CASpec),
		slog.Duration("refresh_margin", m.cfg.RefreshMargin),
	)
	m.sweep()
	m.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (m *Manager) Stop(ctx context.Context) error {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("lifecycle manager stopped")
	return nil
}

// sweep classifies the app installation token and refreshes it when it
// is expiring soon or expired, then removes expired sessions.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.refreshIfNeeded(ctx, credential.SlotForgeAppToken)

	if m.sessions != nil {
		if removed := m.sessions.Sweep(m.now()); removed > 0 {
			m.logger.Info("expired sessions removed", slog.Int("count", removed))
		}
	}
}

func (m *Manager) refreshIfNeeded(ctx context.Context, slot string) {
	cred, ok := m.vault.Get(slot)
	if !ok {
		return // Absent slots have nothing to refresh from.
	}

	state := StateOf(cred, m.now(), m.cfg.RefreshMargin)
	if state == StateValid {
		return
	}

	m.mu.Lock()
	if m.refreshing[slot] {
		m.mu.Unlock()
		return
	}
	m.refreshing[slot] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.refreshing, slot)
		m.mu.Unlock()
	}()

	m.logger.Info("refreshing credential",
		slog.String("slot", slot),
		slog.String("state", string(state)),
	)

	tok, err := m.refresher.RefreshInstallationToken(ctx, cred)
	if err != nil {
		// The old token keeps its true state; an expired token failing
		// its refresh stays expired rather than being masked.
		m.logger.Error("credential refresh failed",
			slog.String("slot", slot),
			slog.String("error", err.Error()),
		)
		m.hook("error")
		return
	}

	if err := m.vault.Replace(slot, tok.Value, tok.ExpiresAt); err != nil {
		m.logger.Error("credential replace failed",
			slog.String("slot", slot),
			slog.String("error", err.Error()),
		)
		m.hook("error")
		return
	}

	m.logger.Info("credential refreshed",
		slog.String("slot", slot),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	m.hook("ok")
}

func (m *Manager) rotateCA() {
	if m.rotator == nil {
		return
	}
	if err := m.rotator.Rotate(); err != nil {
		m.logger.Error("CA rotation failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) hook(outcome string) {
	if m.onRefresh != nil {
		m.onRefresh(outcome)
	}
}
