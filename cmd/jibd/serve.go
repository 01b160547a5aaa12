package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jibdev/jib/internal/audit"
	"github.com/jibdev/jib/internal/ca"
	"github.com/jibdev/jib/internal/config"
	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/forge"
	"github.com/jibdev/jib/internal/gateway"
	"github.com/jibdev/jib/internal/gateway/httpapi"
	"github.com/jibdev/jib/internal/gateway/tlsproxy"
	"github.com/jibdev/jib/internal/gateway/ws"
	"github.com/jibdev/jib/internal/observability"
	"github.com/jibdev/jib/internal/policy"
	"github.com/jibdev/jib/internal/ratelimit"
	"github.com/jibdev/jib/internal/session"
	"github.com/jibdev/jib/internal/tokens"
	"github.com/jibdev/jib/internal/visibility"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (control API and TLS interception proxy)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `jibd --config path` and `jibd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override control API listen address")
	}
}

// defaultHostSlots maps known bump hosts to the credential slot injected
// for them. Bump hosts outside this map are still terminated but
// forwarded without a header.
func defaultHostSlots(bumpHosts []string) map[string]string {
	known := map[string]string{
		"api.anthropic.com":             credential.SlotLLMAPIKey,
		"api.openai.com":                credential.SlotLLMAPIKey,
		"github.com":                    credential.SlotForgeAppToken,
		"api.github.com":                credential.SlotForgeAppToken,
		"uploads.github.com":            credential.SlotForgeAppToken,
		"codeload.github.com":           credential.SlotForgeAppToken,
		"objects.githubusercontent.com": credential.SlotForgeAppToken,
	}
	out := make(map[string]string, len(bumpHosts))
	for _, h := range bumpHosts {
		if slot, ok := known[h]; ok {
			out[h] = slot
		}
	}
	return out
}

// runServe wires and runs the full gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("JIB_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		if cfg.ControlAPI == nil {
			cfg.ControlAPI = &config.ControlAPIConfig{Enabled: true}
		}
		cfg.ControlAPI.ListenAddr = serveAddr
	}

	logger.Info("starting gateway", slog.String("config", serveConfigPath))

	// Credential vault. Fail closed: an unusable secret file refuses to
	// start rather than starting with nothing to inject.
	vault, err := credential.Load(cfg.Secrets.Path, logger)
	if err != nil {
		return err
	}

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	metrics := obs.MetricsOrNil()

	// Audit trail: JSONL file plus a queryable store.
	store, err := openAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewLogger(cfg.Audit.LogPath, store, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	if metrics != nil {
		auditLog.WithWriteHook(func(sink, status string) {
			metrics.AuditWritesTotal.WithLabelValues(sink, status).Inc()
		})
	}

	// Forge client and visibility resolver.
	forgeClient := forge.New(cfg.Forge.BaseURL(), cfg.Forge.InstallationID, cfg.Forge.RequestTimeout(), logger)
	resolver := visibility.NewResolver(forgeClient, vault, cfg.Forge.VisibilityTTL(), logger)
	if metrics != nil {
		resolver.WithLookupHook(metrics.RecordVisibilityLookup)
	}

	// Policy engine.
	engine := policy.NewEngine(resolver, logger)
	if metrics != nil {
		engine.WithDecisionHook(metrics.RecordPolicyDecision)
	}

	// Sessions.
	sessions := session.NewManager(vault, cfg.Sessions.DefaultTTL(), auditLog, logger)
	if metrics != nil {
		sessions.WithAuthFailureHook(func() { metrics.AuthFailuresTotal.Inc() })
		sessions.WithCountHook(func(n int) { metrics.ActiveSessions.Set(float64(n)) })
	}

	// Interception CA.
	caMgr, err := ca.NewManager(cfg.DataDir, cfg.CA.PublishDir, cfg.CA.RotationPeriod(), cfg.CA.Grace(), logger)
	if err != nil {
		return fmt.Errorf("initializing interception CA: %w", err)
	}
	if metrics != nil {
		caMgr.WithRotateHook(func() { metrics.CARotationsTotal.Inc() })
	}

	// Token lifecycle manager: refresh sweep, CA rotation, session sweep.
	lifecycle, err := tokens.NewManager(tokens.Config{
		RefreshMargin: cfg.Tokens.RefreshMargin(),
		SweepSpec:     cfg.Tokens.Sweep(),
		CASpec:        cfg.CA.Schedule(),
	}, vault, forgeClient, caMgr, sessions, logger)
	if err != nil {
		return err
	}
	if metrics != nil {
		lifecycle.WithRefreshHook(func(outcome string) {
			metrics.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
		})
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := lifecycle.Start(ctx); err != nil {
		return err
	}

	// Readiness checks.
	if obs != nil && obs.Health != nil && store != nil {
		obs.Health.AddCheck("audit_store", store.Ping)
	}

	// Build enabled gateways.
	gateways := buildGateways(cfg, obs, vault, sessions, engine, forgeClient, caMgr, auditLog, logger)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	if err := lifecycle.Stop(shutdownCtx); err != nil {
		logger.Error("stopping lifecycle manager", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)

	return nil
}

// openAuditStore builds the configured audit persistence backend.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (*audit.GormStore, error) {
	storageCfg := cfg.Audit.Storage
	switch storageCfg.StorageDriver() {
	case "postgres":
		pg := storageCfg.Postgres
		return audit.OpenPostgres(audit.PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		path := filepath.Join(cfg.DataDir, "audit.db")
		journalMode := ""
		if storageCfg != nil && storageCfg.SQLite != nil {
			if storageCfg.SQLite.Path != "" {
				path = storageCfg.SQLite.Path
			}
			journalMode = storageCfg.SQLite.JournalMode
		}
		return audit.OpenSQLite(audit.SQLiteConfig{Path: path, JournalMode: journalMode}, logger)
	}
}

// buildGateways constructs the enabled listening surfaces.
func buildGateways(
	cfg *config.Config,
	obs *observability.Observability,
	vault *credential.Vault,
	sessions *session.Manager,
	engine *policy.Engine,
	forgeClient *forge.Client,
	caMgr *ca.Manager,
	auditLog *audit.Logger,
	logger *slog.Logger,
) []gateway.Gateway {
	var gateways []gateway.Gateway
	metrics := obs.MetricsOrNil()

	if cfg.ControlAPI != nil && cfg.ControlAPI.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.ControlAPI.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.ControlAPI.RateLimit.BurstSize,
		})

		apiCfg := httpapi.Config{
			ListenAddr:     cfg.ControlAPI.Addr(),
			EnableDocs:     cfg.ControlAPI.EnableDocs,
			MaxRequestSize: cfg.ControlAPI.MaxRequestSizeBytes,
		}
		if obs != nil {
			apiCfg.HealthChecker = obs.Health
			apiCfg.Metrics = metrics
			if metrics != nil {
				apiCfg.MetricsRegistry = metrics.Registry
				if cfg.Observability != nil && cfg.Observability.Metrics != nil {
					apiCfg.MetricsPath = cfg.Observability.Metrics.Path
				}
			}
			if ts := obs.TracerOrNil(); ts != nil {
				apiCfg.Tracer = ts.Tracer()
			}
		}

		api := httpapi.NewGateway(apiCfg, sessions, engine, vault, forgeClient, auditLog, limiter, logger)
		api.WithHandler("/v1/audit/stream", ws.NewServer(auditLog, sessions, logger).Handler())
		gateways = append(gateways, api)
	}

	if cfg.Proxy != nil && cfg.Proxy.Enabled {
		injector := credential.NewInjector(vault, defaultHostSlots(cfg.Proxy.BumpHosts))
		if metrics != nil {
			injector.WithMissHook(func() { metrics.InjectionMissesTotal.Inc() })
		}
		proxy := tlsproxy.New(tlsproxy.Config{
			ListenAddr:  cfg.Proxy.Addr(),
			BumpHosts:   cfg.Proxy.BumpHosts,
			SpliceHosts: cfg.Proxy.SpliceHosts,
		}, caMgr, injector, auditLog, logger)
		if metrics != nil {
			proxy.WithConnectionHook(func(mode string) {
				metrics.ProxyConnectionsTotal.WithLabelValues(mode).Inc()
			})
		}
		gateways = append(gateways, proxy)
	}

	return gateways
}
