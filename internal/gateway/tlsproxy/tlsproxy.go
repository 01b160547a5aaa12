// Package tlsproxy implements the TLS interception listener the sandbox's
// outbound traffic is redirected through. Each connection's SNI picks one
// of three fates: bump (terminate TLS with a minted leaf, inject
// credentials per request, re-originate upstream), splice (tunnel the raw
// bytes untouched), or deny (close). Hosts absent from both lists are
// always denied.
package tlsproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jibdev/jib/internal/audit"
	"github.com/jibdev/jib/internal/ca"
	"github.com/jibdev/jib/internal/credential"
)

// Mode is the handling decision for one intercepted connection.
type Mode string

const (
	ModeBump   Mode = "bump"
	ModeSplice Mode = "splice"
	ModeDeny   Mode = "deny"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 10 * time.Second
	idleTimeout      = 2 * time.Minute
)

// Config configures the interception listener.
type Config struct {
	ListenAddr  string
	BumpHosts   []string // SNI names terminated and credential-injected.
	SpliceHosts []string // SNI names tunneled unmodified.
}

// Proxy is the TLS interception gateway.
type Proxy struct {
	cfg      Config
	certs    *ca.Manager
	injector *credential.Injector
	auditLog *audit.Logger
	logger   *slog.Logger

	bump   map[string]struct{}
	splice map[string]struct{}

	listener net.Listener
	wg       sync.WaitGroup

	// upstream dials are overridable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	onConnection func(mode string) // metrics hook; nil-safe
}

// New creates the interception proxy.
func New(cfg Config, certs *ca.Manager, injector *credential.Injector, auditLog *audit.Logger, logger *slog.Logger) *Proxy {
	p := &Proxy{
		cfg:      cfg,
		certs:    certs,
		injector: injector,
		auditLog: auditLog,
		logger:   logger,
		bump:     make(map[string]struct{}, len(cfg.BumpHosts)),
		splice:   make(map[string]struct{}, len(cfg.SpliceHosts)),
	}
	for _, h := range cfg.BumpHosts {
		p.bump[h] = struct{}{}
	}
	for _, h := range cfg.SpliceHosts {
		p.splice[h] = struct{}{}
	}
	d := &net.Dialer{Timeout: dialTimeout}
	p.dial = d.DialContext
	return p
}

// WithConnectionHook installs a metrics callback invoked once per
// intercepted connection.
func (p *Proxy) WithConnectionHook(hook func(mode string)) *Proxy {
	p.onConnection = hook
	return p
}

// ModeFor returns the handling mode for an SNI name. Bump wins when a
// host appears in both lists.
func (p *Proxy) ModeFor(host string) Mode {
	if _, ok := p.bump[host]; ok {
		return ModeBump
	}
	if _, ok := p.splice[host]; ok {
		return ModeSplice
	}
	return ModeDeny
}

// Start begins accepting intercepted connections and blocks until the
// listener closes or ctx is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.cfg.ListenAddr, err)
	}
	p.listener = ln

	p.logger.Info("tls interception proxy starting",
		slog.String("addr", p.cfg.ListenAddr),
		slog.Int("bump_hosts", len(p.bump)),
		slog.Int("splice_hosts", len(p.splice)),
	)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.listener != nil {
		_ = p.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Info("tls interception proxy stopped")
	return nil
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	hello, peeked, err := peekClientHello(conn)
	if err != nil {
		p.logger.Debug("client hello unreadable", slog.String("error", err.Error()))
		return
	}
	host := hello.ServerName
	_ = conn.SetDeadline(time.Time{})

	mode := p.ModeFor(host)
	if p.onConnection != nil {
		p.onConnection(string(mode))
	}

	switch mode {
	case ModeBump:
		p.handleBump(ctx, conn, peeked, host)
	case ModeSplice:
		p.recordConn(ctx, host, "splice", true, "")
		p.handleSplice(ctx, conn, peeked, host)
	default:
		p.recordConn(ctx, host, "deny", false, "host not in bump or splice list")
		// Closing without a response: the sandbox sees a TLS failure, not
		// a policy oracle it could probe.
	}
}

// handleSplice tunnels the connection byte-for-byte, replaying the
// peeked ClientHello to the real upstream first.
func (p *Proxy) handleSplice(ctx context.Context, client net.Conn, peeked []byte, host string) {
	upstream, err := p.dial(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		p.logger.Warn("splice dial failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(peeked); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close so the other direction can drain.
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(upstream, client)
	go copyHalf(client, upstream)

	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Proxy) recordConn(ctx context.Context, host, operation string, allowed bool, reason string) {
	if err := p.auditLog.Record(ctx, audit.Entry{
		CorrelationID: uuid.New().String(),
		Source:        audit.SourceProxy,
		Operation:     operation + " " + host,
		Allowed:       allowed,
		Reason:        reason,
	}); err != nil {
		p.logger.Error("audit record failed", slog.String("error", err.Error()))
	}
}

// peekClientHello reads the TLS ClientHello from the connection without
// consuming it: the bytes read are returned so they can be replayed to
// whichever side completes the handshake.
func peekClientHello(conn net.Conn) (*tls.ClientHelloInfo, []byte, error) {
	var hello *tls.ClientHelloInfo
	peeked := new(bytes.Buffer)

	// The read-only conn aborts the handshake right after the ClientHello
	// is parsed; only the captured hello matters.
	err := tls.Server(readOnlyConn{reader: io.TeeReader(conn, peeked)}, &tls.Config{
		GetConfigForClient: func(h *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = h
			return nil, nil
		},
	}).Handshake()
	if hello == nil {
		return nil, nil, fmt.Errorf("reading client hello: %w", err)
	}
	return hello, peeked.Bytes(), nil
}

// readOnlyConn lets the TLS stack parse the ClientHello and nothing
// more: writes fail, so the handshake stops after the hello.
type readOnlyConn struct {
	reader io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error)       { return c.reader.Read(p) }
func (c readOnlyConn) Write(p []byte) (int, error)      { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                     { return nil }
func (c readOnlyConn) LocalAddr() net.Addr              { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr             { return nil }
func (c readOnlyConn) SetDeadline(time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(time.Time) error { return nil }

// replayConn is a net.Conn that first drains the peeked bytes, then
// continues reading from the live connection.
type replayConn struct {
	net.Conn
	replay *bytes.Reader
}

func newReplayConn(conn net.Conn, peeked []byte) *replayConn {
	return &replayConn{Conn: conn, replay: bytes.NewReader(peeked)}
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.replay.Len() > 0 {
		return c.replay.Read(p)
	}
	return c.Conn.Read(p)
}
