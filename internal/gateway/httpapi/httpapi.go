// Package httpapi implements the gateway's HTTP control API.
//
// Security:
//   - Launcher secret or session token on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-session rate limiting via token bucket
//   - Every decision audited with a correlation ID
//   - Listens on loopback only; the sandbox reaches it through a mapped port
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jibdev/jib/internal/audit"
	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/forge"
	"github.com/jibdev/jib/internal/observability"
	"github.com/jibdev/jib/internal/policy"
	"github.com/jibdev/jib/internal/ratelimit"
	"github.com/jibdev/jib/internal/session"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the control API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:7317"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP control API.
type Gateway struct {
	config   Config
	sessions *session.Manager
	engine   *policy.Engine
	vault    *credential.Vault
	forge    *forge.Client
	auditLog *audit.Logger
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the audit stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the control API gateway.
func NewGateway(cfg Config, sessions *session.Manager, engine *policy.Engine, vault *credential.Vault, forgeClient *forge.Client, auditLog *audit.Logger, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		engine:   engine,
		vault:    vault,
		forge:    forgeClient,
		auditLog: auditLog,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket audit stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated API documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "jib gateway",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Launcher-only group: session lifecycle belongs to the host process.
	launcher := g.okapi.Group("/v1", g.authenticateLauncher)
	launcher.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a sandbox session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionCreateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	launcher.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Destroy a sandbox session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	launcher.Get("/credentials/health", g.handleCredentialHealth,
		okapi.DocSummary("Format-only credential slot diagnostics"),
		okapi.DocTags("Credentials"),
		okapi.DocResponse(CredentialHealthResponse{}),
	)
	launcher.Get("/audit", g.handleAuditRecent,
		okapi.DocSummary("Recent audit entries, newest first"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]audit.Entry{}),
	)

	// Session-token group: the sandbox-facing operation surface.
	g.group = g.okapi.Group("/v1", g.authenticateSession)
	g.group.Post("/git", g.handleGit,
		okapi.DocSummary("Validate and execute a git operation"),
		okapi.DocTags("Operations"),
		okapi.DocRequestBody(GitRequest{}),
		okapi.DocResponse(OperationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, OperationResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/gh", g.handleGh,
		okapi.DocSummary("Validate and execute a gh operation"),
		okapi.DocTags("Operations"),
		okapi.DocRequestBody(GhRequest{}),
		okapi.DocResponse(OperationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, OperationResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/passthrough", g.handlePassthrough,
		okapi.DocSummary("Forward an allowlisted forge API request"),
		okapi.DocTags("Operations"),
		okapi.DocRequestBody(PassthroughRequest{}),
		okapi.DocResponse(PassthroughResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, OperationResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket audit stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("control api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("control api stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticateLauncher admits only the host launcher secret.
func (g *Gateway) authenticateLauncher(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token, ok := bearerToken(c)
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		if !g.sessions.AuthenticateLauncher(c.Context(), token) {
			return c.AbortUnauthorized("invalid launcher credential")
		}
		return next(c)
	}
}

// authenticateSession admits a live session token and stashes the
// session for the handler.
func (g *Gateway) authenticateSession(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		token, ok := bearerToken(c)
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		sess, err := g.sessions.Authenticate(c.Context(), token)
		if err != nil {
			return c.AbortUnauthorized("invalid or expired session token")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(sess.ID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("sessionID", sess.ID)
		return next(c)
	}
}

func bearerToken(c *okapi.Context) (string, bool) {
	authHeader := c.Header("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authHeader, "Bearer "), true
}

// sessionFromContext retrieves the session stashed by authenticateSession.
func (g *Gateway) sessionFromContext(c *okapi.Context) (*session.Session, bool) {
	id := c.GetString("sessionID")
	if id == "" {
		return nil, false
	}
	return g.sessions.Get(id)
}
