// Package ws implements the WebSocket audit stream. Operator tooling
// connects, authenticates with the launcher secret, and receives audit
// entries as they are recorded. Session tokens are deliberately not
// accepted here: the sandbox must not observe its own audit trail.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jibdev/jib/internal/audit"
)

const writeTimeout = 5 * time.Second

// LauncherVerifier checks the launcher secret, satisfied by
// *session.Manager. Failures are audited by the implementation.
type LauncherVerifier interface {
	AuthenticateLauncher(ctx context.Context, token string) bool
}

// Server streams live audit entries over WebSocket.
type Server struct {
	auditLog *audit.Logger
	launcher LauncherVerifier
	logger   *slog.Logger
}

// NewServer creates the audit stream server.
func NewServer(auditLog *audit.Logger, launcher LauncherVerifier, logger *slog.Logger) *Server {
	return &Server{auditLog: auditLog, launcher: launcher, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authorization header only. Query parameters land in access logs and
	// proxy caches, which is no place for the launcher secret.
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.launcher.AuthenticateLauncher(r.Context(), strings.TrimPrefix(auth, "Bearer ")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"jib-audit-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	entries, cancel := s.auditLog.Subscribe()
	defer cancel()

	s.logger.Info("audit stream subscriber connected")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := s.writeEntry(ctx, conn, e); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.logger.Debug("audit stream write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *Server) writeEntry(ctx context.Context, conn *websocket.Conn, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
