package tlsproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jibdev/jib/internal/audit"
	"github.com/jibdev/jib/internal/ca"
	"github.com/jibdev/jib/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newAuditLogger(t *testing.T) (*audit.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.NewLogger(path, nil, testLogger())
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func testCA(t *testing.T) *ca.Manager {
	t.Helper()
	m, err := ca.NewManager(t.TempDir(), "", 24*time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("ca.NewManager: %v", err)
	}
	return m
}

func testInjector(t *testing.T) *credential.Injector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets")
	if err := os.WriteFile(path, []byte("LLM_API_KEY=sk-test00000000000000000000\n"), 0600); err != nil {
		t.Fatalf("writing secrets: %v", err)
	}
	v, err := credential.Load(path, testLogger())
	if err != nil {
		t.Fatalf("loading vault: %v", err)
	}
	return credential.NewInjector(v, map[string]string{"api.anthropic.com": credential.SlotLLMAPIKey})
}

func newTestProxy(t *testing.T, cfg Config) (*Proxy, string) {
	t.Helper()
	auditLog, auditPath := newAuditLogger(t)
	p := New(cfg, testCA(t), testInjector(t), auditLog, testLogger())
	return p, auditPath
}

func TestModeFor(t *testing.T) {
	p, _ := newTestProxy(t, Config{
		BumpHosts:   []string{"api.anthropic.com", "both.example.com"},
		SpliceHosts: []string{"github.com", "both.example.com"},
	})

	cases := []struct {
		host string
		want Mode
	}{
		{"api.anthropic.com", ModeBump},
		{"github.com", ModeSplice},
		{"both.example.com", ModeBump}, // Bump wins when listed twice.
		{"evil.example.com", ModeDeny},
		{"", ModeDeny},
	}
	for _, tc := range cases {
		if got := p.ModeFor(tc.host); got != tc.want {
			t.Errorf("ModeFor(%q) = %s, want %s", tc.host, got, tc.want)
		}
	}
}

func TestReplayConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	rc := newReplayConn(server, []byte("peeked-"))

	go func() {
		_, _ = client.Write([]byte("live"))
		_ = client.Close()
	}()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "peeked-live" {
		t.Errorf("read %q, want peeked bytes then live bytes", got)
	}
}

func TestPeekClientHello(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// The peek aborts the handshake after the hello; the client error
		// is expected and irrelevant.
		_ = tls.Client(client, &tls.Config{
			ServerName:         "api.github.com",
			InsecureSkipVerify: true,
		}).Handshake()
	}()

	hello, peeked, err := peekClientHello(server)
	if err != nil {
		t.Fatalf("peekClientHello: %v", err)
	}
	if hello.ServerName != "api.github.com" {
		t.Errorf("server name = %q, want api.github.com", hello.ServerName)
	}
	if len(peeked) == 0 || peeked[0] != 0x16 {
		t.Errorf("peeked bytes do not start with a TLS handshake record")
	}
}

func TestHandle_DenyClosesSilently(t *testing.T) {
	p, auditPath := newTestProxy(t, Config{
		BumpHosts: []string{"api.anthropic.com"},
	})
	var modes []string
	p.WithConnectionHook(func(mode string) { modes = append(modes, mode) })

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		p.handle(context.Background(), server)
		close(done)
	}()

	err := tls.Client(client, &tls.Config{
		ServerName:         "evil.example.com",
		InsecureSkipVerify: true,
	}).Handshake()
	if err == nil {
		t.Fatal("handshake to denied host succeeded")
	}

	<-done
	if len(modes) != 1 || modes[0] != "deny" {
		t.Errorf("connection hook modes = %v, want [deny]", modes)
	}

	raw, readErr := os.ReadFile(auditPath)
	if readErr != nil {
		t.Fatalf("reading audit log: %v", readErr)
	}
	if !bytes.Contains(raw, []byte(`"deny evil.example.com"`)) {
		t.Errorf("audit log missing deny entry: %s", raw)
	}
	if !bytes.Contains(raw, []byte(`"allowed":false`)) {
		t.Errorf("deny entry not marked disallowed: %s", raw)
	}
}

// A spliced connection is tunneled byte-for-byte: the client completes
// TLS with the upstream's own certificate, not an interception leaf.
func TestHandle_SpliceTunnelsRawBytes(t *testing.T) {
	p, auditPath := newTestProxy(t, Config{
		BumpHosts:   []string{"api.anthropic.com"},
		SpliceHosts: []string{"github.com"},
	})

	// The fake upstream serves TLS with a leaf the client is told to
	// trust directly.
	upstreamCA := testCA(t)
	leaf, err := upstreamCA.LeafFor("github.com")
	if err != nil {
		t.Fatalf("minting upstream leaf: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(upstreamCA.ActivePEM())

	upstreamClientSide, upstreamServerSide := net.Pipe()
	p.dial = func(context.Context, string, string) (net.Conn, error) {
		return upstreamClientSide, nil
	}

	go func() {
		srv := tls.Server(upstreamServerSide, &tls.Config{
			Certificates: []tls.Certificate{*leaf},
			MinVersion:   tls.VersionTLS12,
		})
		defer srv.Close()
		if err := srv.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(srv, buf); err != nil {
			return
		}
		_, _ = srv.Write(append([]byte("echo:"), buf...))
	}()

	client, server := net.Pipe()
	go p.handle(context.Background(), server)

	tlsClient := tls.Client(client, &tls.Config{
		ServerName: "github.com",
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	})
	defer tlsClient.Close()
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake through splice: %v", err)
	}

	if _, err := tlsClient.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 9)
	if _, err := io.ReadFull(tlsClient, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(reply) != "echo:ping" {
		t.Errorf("reply = %q, want echo:ping", reply)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"splice github.com"`) {
		t.Errorf("audit log missing splice entry: %s", raw)
	}
}

func TestStartStop(t *testing.T) {
	p, _ := newTestProxy(t, Config{
		ListenAddr: "127.0.0.1:0",
		BumpHosts:  []string{"api.anthropic.com"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- p.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("Start returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
