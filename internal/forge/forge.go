// Package forge is the repo-hosting API client. It performs the three
// upstream call shapes the gateway needs: repository visibility probes,
// app installation token refresh, and the restricted passthrough.
// Every call carries a bounded timeout; idempotent reads are retried a
// small bounded number of times with backoff, writes never are.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jibdev/jib/internal/credential"
)

var (
	// ErrUpstream wraps network failures and 5xx responses.
	ErrUpstream = errors.New("upstream error")
	// ErrNotFound is a 404 — for visibility probes this means the
	// credential cannot see the repository, not that it does not exist.
	ErrNotFound = errors.New("repository not visible")
	// ErrForbidden is a 403 from the forge.
	ErrForbidden = errors.New("forbidden")
)

const (
	maxReadRetries = 2
	retryBackoff   = 250 * time.Millisecond
)

// RepoInfo is the classification result for one credential's view of a
// repository.
type RepoInfo struct {
	Visibility string // "public", "private", or "internal".
	CanPush    bool   // Whether this credential has push permission.
}

// Token is refreshed short-lived credential material.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Client talks to the repo-hosting API.
type Client struct {
	baseURL        string
	installationID int64
	http           *http.Client
	logger         *slog.Logger
}

// New creates a forge client with a bounded per-request timeout.
func New(baseURL string, installationID int64, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		installationID: installationID,
		http:           &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

// RepoVisibility probes GET /repos/{owner}/{repo} with the given
// credential. A 404 or 403 means this credential cannot classify the
// repository; the caller decides whether another credential can.
func (c *Client) RepoVisibility(ctx context.Context, cred credential.Credential, owner, repo string) (RepoInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)

	var lastErr error
	for attempt := 0; attempt <= maxReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return RepoInfo{}, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		info, retryable, err := c.repoVisibilityOnce(ctx, cred, path)
		if err == nil {
			return info, nil
		}
		if !retryable {
			return RepoInfo{}, err
		}
		lastErr = err
	}
	return RepoInfo{}, lastErr
}

func (c *Client) repoVisibilityOnce(ctx context.Context, cred credential.Credential, path string) (RepoInfo, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return RepoInfo{}, false, fmt.Errorf("building visibility request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	credential.AuthorizeForge(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return RepoInfo{}, true, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			Private     bool   `json:"private"`
			Visibility  string `json:"visibility"`
			Permissions struct {
				Push bool `json:"push"`
			} `json:"permissions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return RepoInfo{}, false, fmt.Errorf("%w: decoding repo response: %v", ErrUpstream, err)
		}
		vis := body.Visibility
		if vis == "" {
			if body.Private {
				vis = "private"
			} else {
				vis = "public"
			}
		}
		return RepoInfo{Visibility: vis, CanPush: body.Permissions.Push}, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return RepoInfo{}, false, ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return RepoInfo{}, false, ErrForbidden
	case resp.StatusCode >= 500:
		return RepoInfo{}, true, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	default:
		return RepoInfo{}, false, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}
}

// RefreshInstallationToken mints a fresh app installation token. This is
// a write and is never retried: on failure the caller keeps the current
// token's true state rather than masking it.
func (c *Client) RefreshInstallationToken(ctx context.Context, appCred credential.Credential) (Token, error) {
	path := fmt.Sprintf("/app/installations/%d/access_tokens", c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return Token{}, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	credential.AuthorizeForge(req, appCred)

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: token refresh status %d", ErrUpstream, resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("%w: decoding token response: %v", ErrUpstream, err)
	}
	if body.Token == "" {
		return Token{}, fmt.Errorf("%w: token refresh returned empty token", ErrUpstream)
	}
	return Token{Value: body.Token, ExpiresAt: body.ExpiresAt}, nil
}

// maxPassthroughBody bounds both directions of a passthrough exchange.
const maxPassthroughBody = 1 << 20

// Passthrough forwards a pre-validated request to the forge API and
// returns status plus body. The policy engine has already checked the
// method and path against the passthrough allowlist; this method only
// executes. body may be nil for reads; write endpoints on the allowlist
// (issue comments) require a JSON payload. Both the request and response
// bodies are capped to keep a misbehaving caller or upstream from
// exhausting gateway memory.
func (c *Client) Passthrough(ctx context.Context, cred credential.Credential, method, path string, body []byte) (int, []byte, error) {
	if len(body) > maxPassthroughBody {
		return 0, nil, fmt.Errorf("passthrough request body exceeds %d bytes", maxPassthroughBody)
	}
	var payload io.Reader
	if len(body) > 0 {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("building passthrough request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	credential.AuthorizeForge(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxPassthroughBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading passthrough response: %v", ErrUpstream, err)
	}
	return resp.StatusCode, respBody, nil
}
