package tlsproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jibdev/jib/internal/audit"
)

// handleBump terminates the client's TLS with a leaf minted by the
// interception CA, then re-originates each HTTP request to the real
// upstream with the gateway's credential attached. The client's own
// Authorization header never leaves the gateway; the injected one never
// enters the sandbox.
func (p *Proxy) handleBump(ctx context.Context, conn net.Conn, peeked []byte, host string) {
	tlsConn := tls.Server(newReplayConn(conn, peeked), &tls.Config{
		GetCertificate: p.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	defer tlsConn.Close()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		p.logger.Debug("bump handshake failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return
	}

	transport := &http.Transport{
		DialContext:           p.dial,
		TLSHandshakeTimeout:   handshakeTimeout,
		ResponseHeaderTimeout: 60 * time.Second,
		ForceAttemptHTTP2:     false,
	}
	defer transport.CloseIdleConnections()

	reader := bufio.NewReader(tlsConn)
	for {
		_ = tlsConn.SetReadDeadline(time.Now().Add(idleTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("bump request read ended",
					slog.String("host", host),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = tlsConn.SetReadDeadline(time.Time{})

		if !p.forwardRequest(ctx, tlsConn, transport, req, host) {
			return
		}
	}
}

// forwardRequest proxies one decrypted request upstream. Returns false
// when the connection should close.
func (p *Proxy) forwardRequest(ctx context.Context, tlsConn *tls.Conn, transport *http.Transport, req *http.Request, host string) bool {
	start := time.Now()
	correlationID := uuid.New().String()

	outReq := req.Clone(ctx)
	outReq.RequestURI = ""
	outReq.URL.Scheme = "https"
	outReq.URL.Host = host
	outReq.Host = host

	// Strip client auth and attach the gateway's credential. When no
	// valid credential exists the request goes out WITHOUT a header —
	// the upstream's 401 is the honest answer, never a stale token.
	injected := p.injector.Inject(outReq, host, time.Now())
	if !injected {
		p.logger.Warn("forwarding without credential",
			slog.String("host", host),
			slog.String("correlation_id", correlationID),
		)
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		p.recordRequest(ctx, correlationID, host, req, http.StatusBadGateway, start)
		p.writeBadGateway(tlsConn)
		return false
	}
	defer resp.Body.Close()

	p.recordRequest(ctx, correlationID, host, req, resp.StatusCode, start)

	if err := resp.Write(tlsConn); err != nil {
		return false
	}
	return resp.StatusCode != http.StatusSwitchingProtocols && !req.Close && !resp.Close
}

func (p *Proxy) recordRequest(ctx context.Context, correlationID, host string, req *http.Request, status int, start time.Time) {
	if err := p.auditLog.Record(ctx, audit.Entry{
		CorrelationID: correlationID,
		Source:        audit.SourceProxy,
		Operation:     req.Method + " https://" + host + req.URL.Path,
		Allowed:       true,
		Reason:        http.StatusText(status),
		LatencyMS:     time.Since(start).Milliseconds(),
	}); err != nil {
		p.logger.Error("audit record failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Proxy) writeBadGateway(w io.Writer) {
	resp := http.Response{
		StatusCode: http.StatusBadGateway,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       http.NoBody,
	}
	_ = resp.Write(w)
}
