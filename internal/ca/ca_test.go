package ca

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	publishDir := t.TempDir()
	m, err := NewManager(dataDir, publishDir, 24*time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, dataDir, publishDir
}

func TestNewManager_GeneratesAndPublishes(t *testing.T) {
	m, dataDir, publishDir := newTestManager(t)

	pem := m.ActivePEM()
	if len(pem) == 0 {
		t.Fatal("empty active PEM")
	}

	published, err := os.ReadFile(filepath.Join(publishDir, "jib-ca.pem"))
	if err != nil {
		t.Fatalf("reading published bundle: %v", err)
	}
	if !bytes.Equal(published, pem) {
		t.Error("published bundle differs from active PEM")
	}

	info, err := os.Stat(filepath.Join(dataDir, "ca", "ca.key"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key permissions = %o, want 0600", perm)
	}
	if _, err := os.Stat(filepath.Join(publishDir, "ca")); !os.IsNotExist(err) {
		t.Error("private material leaked into publish directory")
	}
}

// A gateway restart reloads the persisted CA instead of minting a new one.
func TestNewManager_RestartReusesPersistedCA(t *testing.T) {
	m1, dataDir, _ := newTestManager(t)

	m2, err := NewManager(dataDir, t.TempDir(), 24*time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewManager (restart): %v", err)
	}
	if !bytes.Equal(m1.ActivePEM(), m2.ActivePEM()) {
		t.Error("restart generated a new CA")
	}
}

func TestRotate_NoopBeforePeriod(t *testing.T) {
	m, _, _ := newTestManager(t)
	rotations := 0
	m.WithRotateHook(func() { rotations++ })

	before := m.ActivePEM()
	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !bytes.Equal(before, m.ActivePEM()) {
		t.Error("young CA rotated")
	}
	if rotations != 0 {
		t.Errorf("rotations = %d, want 0", rotations)
	}
}

func TestRotate_AfterPeriod(t *testing.T) {
	m, _, publishDir := newTestManager(t)
	rotations := 0
	m.WithRotateHook(func() { rotations++ })

	created := m.current.Load().active.createdAt
	m.now = func() time.Time { return created.Add(25 * time.Hour) }

	before := m.ActivePEM()
	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after := m.ActivePEM()
	if bytes.Equal(before, after) {
		t.Fatal("CA did not rotate past the period")
	}
	if rotations != 1 {
		t.Errorf("rotations = %d, want 1", rotations)
	}

	// During grace the published bundle carries both generations.
	published, err := os.ReadFile(filepath.Join(publishDir, "jib-ca.pem"))
	if err != nil {
		t.Fatalf("reading published bundle: %v", err)
	}
	if !bytes.Contains(published, after) || !bytes.Contains(published, before) {
		t.Error("published bundle missing a generation during grace")
	}

	m.expirePrevious()
	if m.current.Load().previous != nil {
		t.Error("previous generation not retired")
	}
}

func TestLeafVerifiesAgainstActiveCA(t *testing.T) {
	m, _, _ := newTestManager(t)

	leaf, err := m.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(m.ActivePEM()) {
		t.Fatal("adding active CA to pool")
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   "api.github.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("leaf does not verify against active CA: %v", err)
	}
}

func TestLeafCacheClearedOnRotation(t *testing.T) {
	m, _, _ := newTestManager(t)

	first, err := m.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	again, err := m.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if first != again {
		t.Error("fresh leaf minted for cached host")
	}

	created := m.current.Load().active.createdAt
	m.now = func() time.Time { return created.Add(25 * time.Hour) }
	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	rotated, err := m.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor after rotate: %v", err)
	}
	if rotated == first {
		t.Fatal("stale leaf survived rotation")
	}

	cert, err := x509.ParseCertificate(rotated.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(m.ActivePEM())
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		DNSName:     "api.github.com",
		CurrentTime: m.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("rotated leaf does not verify against new CA: %v", err)
	}
}

func TestGetCertificate_RequiresServerName(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatal("hello without SNI should fail")
	}
}
