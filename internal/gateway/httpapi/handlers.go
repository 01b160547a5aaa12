package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jibdev/jib/internal/audit"
	"github.com/jibdev/jib/internal/credential"
	"github.com/jibdev/jib/internal/policy"
	"github.com/jibdev/jib/internal/session"
)

// --- Session lifecycle (launcher only) ---

// SessionCreateRequest is the JSON body for POST /v1/sessions.
type SessionCreateRequest struct {
	Mode       string              `json:"mode"` // "public" or "private"
	Repos      []session.RepoScope `json:"repos"`
	Branches   []string            `json:"branches,omitempty"`
	TTLMinutes int                 `json:"ttl_minutes,omitempty"` // 0 = server default.
}

// SessionCreateResponse carries the minted token. This response is the
// only place the token ever appears.
type SessionCreateResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	var req SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Repos) == 0 {
		return c.AbortBadRequest("repos is required")
	}

	sess, err := g.sessions.Create(session.Mode(req.Mode), req.Repos, req.Branches, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	return c.JSON(http.StatusCreated, SessionCreateResponse{
		SessionID: sess.ID,
		Token:     sess.Token(),
		ExpiresAt: sess.ExpiresAt,
	})
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	id := c.Param("id")
	if !g.sessions.Delete(id) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	if g.limiter != nil {
		g.limiter.Forget(id)
	}
	return c.OK(okapi.M{"status": "deleted"})
}

// --- Operation validation (session token) ---

// GitRequest is the JSON body for POST /v1/git.
type GitRequest struct {
	Operation string   `json:"operation"` // e.g. "fetch", "push"
	Args      []string `json:"args,omitempty"`
	Owner     string   `json:"owner"`
	Repo      string   `json:"repo"`
}

// GhRequest is the JSON body for POST /v1/gh.
type GhRequest struct {
	Subcommand string   `json:"subcommand"` // e.g. "pr create"
	Args       []string `json:"args,omitempty"`
	Owner      string   `json:"owner"`
	Repo       string   `json:"repo"`
}

// OperationResponse is the validation verdict for an operation.
type OperationResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleGit(c *okapi.Context) error {
	sess, ok := g.sessionFromContext(c)
	if !ok {
		return c.AbortUnauthorized("session not found")
	}

	var req GitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Operation == "" || req.Owner == "" || req.Repo == "" {
		return c.AbortBadRequest("operation, owner, and repo are required")
	}

	start := time.Now()
	decision := g.engine.ValidateGit(c.Context(), sess, req.Operation, req.Args, req.Owner, req.Repo)
	correlationID := g.recordDecision(c, sess, "git "+req.Operation, req.Owner+"/"+req.Repo, decision, start)

	return decisionResponse(c, decision, correlationID)
}

func (g *Gateway) handleGh(c *okapi.Context) error {
	sess, ok := g.sessionFromContext(c)
	if !ok {
		return c.AbortUnauthorized("session not found")
	}

	var req GhRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Subcommand == "" || req.Owner == "" || req.Repo == "" {
		return c.AbortBadRequest("subcommand, owner, and repo are required")
	}

	start := time.Now()
	decision := g.engine.ValidateGh(c.Context(), sess, req.Subcommand, req.Args, req.Owner, req.Repo)
	correlationID := g.recordDecision(c, sess, "gh "+req.Subcommand, req.Owner+"/"+req.Repo, decision, start)

	return decisionResponse(c, decision, correlationID)
}

// --- Passthrough (session token) ---

// PassthroughRequest is the JSON body for POST /v1/passthrough. Body is
// optional and only meaningful for the write endpoints on the allowlist
// (issue comments); it is forwarded verbatim as the upstream JSON payload.
type PassthroughRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"` // Forge API path, e.g. "/repos/acme/widget/pulls".
	Body   json.RawMessage `json:"body,omitempty"`
}

// PassthroughResponse wraps the upstream status and body.
type PassthroughResponse struct {
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

func (g *Gateway) handlePassthrough(c *okapi.Context) error {
	sess, ok := g.sessionFromContext(c)
	if !ok {
		return c.AbortUnauthorized("session not found")
	}

	var req PassthroughRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Method == "" || !strings.HasPrefix(req.Path, "/") {
		return c.AbortBadRequest("method and an absolute path are required")
	}

	start := time.Now()
	decision := g.engine.ValidatePassthrough(c.Context(), sess, req.Method, req.Path)
	repo := ""
	if owner, name, ok := policy.RepoFromPath(req.Path); ok {
		repo = owner + "/" + name
	}
	correlationID := g.recordDecision(c, sess, req.Method+" "+req.Path, repo, decision, start)

	if !decision.Allowed {
		return c.JSON(http.StatusForbidden, OperationResponse{
			Allowed:       false,
			Reason:        decision.Reason,
			CorrelationID: correlationID,
		})
	}

	creds := g.vault.ForgeCredentials(time.Now())
	if len(creds) == 0 {
		return c.AbortServiceUnavailable("no forge credential available")
	}

	status, body, err := g.forge.Passthrough(c.Context(), creds[0], req.Method, req.Path, req.Body)
	if err != nil {
		g.logger.Error("passthrough failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "upstream request failed"})
	}

	return c.OK(PassthroughResponse{
		Status:        status,
		Body:          json.RawMessage(body),
		CorrelationID: correlationID,
	})
}

// --- Credential health (launcher only) ---

// CredentialHealthResponse is the format-only slot diagnosis. No secret
// material appears in this response.
type CredentialHealthResponse struct {
	Slots []credential.SlotHealth `json:"slots"`
}

func (g *Gateway) handleCredentialHealth(c *okapi.Context) error {
	return c.OK(CredentialHealthResponse{Slots: g.vault.HealthReport(time.Now())})
}

// --- Audit queries (launcher only) ---

func (g *Gateway) handleAuditRecent(c *okapi.Context) error {
	limit := 100
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}
	entries, err := g.auditLog.Recent(c.Context(), limit)
	if err != nil {
		return c.AbortServiceUnavailable("audit store not available")
	}
	return c.OK(entries)
}

// --- Health ---

// HealthResponse is the JSON response for liveness.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// recordDecision writes exactly one audit entry for a validated
// operation and returns the correlation ID it was recorded under.
func (g *Gateway) recordDecision(c *okapi.Context, sess *session.Session, operation, repo string, d policy.Decision, start time.Time) string {
	correlationID := uuid.New().String()
	if err := g.auditLog.Record(c.Context(), audit.Entry{
		CorrelationID: correlationID,
		Source:        audit.SourceControlAPI,
		SessionID:     sess.ID,
		Operation:     operation,
		Repo:          repo,
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		LatencyMS:     time.Since(start).Milliseconds(),
	}); err != nil {
		g.logger.Error("audit record failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
	return correlationID
}

func decisionResponse(c *okapi.Context, d policy.Decision, correlationID string) error {
	resp := OperationResponse{
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		CorrelationID: correlationID,
	}
	if !d.Allowed {
		return c.JSON(http.StatusForbidden, resp)
	}
	return c.OK(resp)
}
