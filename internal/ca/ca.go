// Package ca owns the interception certificate authority: generation,
// scheduled rotation with a grace overlap, per-hostname leaf minting,
// and publication of the public certificates to a sandbox-readable
// directory. Private keys never leave the gateway's data directory.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	caCommonName = "jib interception CA"
	leafValidity = 24 * time.Hour
)

// material is one generation of CA key+cert. Immutable once built.
type material struct {
	cert      *x509.Certificate
	key       *ecdsa.PrivateKey
	certPEM   []byte
	createdAt time.Time
}

// bundle is the published CA state: the active generation plus the
// previous one, which stays trusted through the grace window so
// in-flight connections and slow-reloading clients do not break at the
// rotation instant.
type bundle struct {
	active   *material
	previous *material // nil outside the grace window
}

// Manager mints leaves and rotates the CA on schedule. Readers see an
// immutable bundle snapshot; rotation swaps the whole bundle atomically.
type Manager struct {
	dataDir        string
	publishDir     string
	rotationPeriod time.Duration
	grace          time.Duration
	logger         *slog.Logger

	current atomic.Pointer[bundle]

	leafMu sync.Mutex
	leaves map[string]*tls.Certificate // host → leaf, cleared on rotation

	now func() time.Time

	onRotate func() // metrics hook; nil-safe
}

// NewManager loads the persisted CA from dataDir or generates a fresh
// one, then publishes the public certificate.
func NewManager(dataDir, publishDir string, rotationPeriod, grace time.Duration, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		dataDir:        dataDir,
		publishDir:     publishDir,
		rotationPeriod: rotationPeriod,
		grace:          grace,
		logger:         logger,
		leaves:         make(map[string]*tls.Certificate),
		now:            time.Now,
	}

	mat, err := m.loadOrGenerate()
	if err != nil {
		return nil, err
	}
	m.current.Store(&bundle{active: mat})
	if err := m.publish(); err != nil {
		return nil, err
	}
	return m, nil
}

// WithRotateHook installs a metrics callback invoked once per rotation.
func (m *Manager) WithRotateHook(hook func()) *Manager {
	m.onRotate = hook
	return m
}

// ActivePEM returns the active CA certificate in PEM form.
func (m *Manager) ActivePEM() []byte {
	b := m.current.Load()
	out := make([]byte, len(b.active.certPEM))
	copy(out, b.active.certPEM)
	return out
}

// Rotate generates a new CA generation if the active one is old enough.
// Restarting the gateway must not force a rotation, so age is measured
// from the persisted certificate's NotBefore, not process start.
func (m *Manager) Rotate() error {
	now := m.now()
	cur := m.current.Load()
	if now.Sub(cur.active.createdAt) < m.rotationPeriod {
		return nil
	}

	next, err := generate(now)
	if err != nil {
		return fmt.Errorf("generating rotated CA: %w", err)
	}
	if err := m.persist(next); err != nil {
		return fmt.Errorf("persisting rotated CA: %w", err)
	}

	m.current.Store(&bundle{active: next, previous: cur.active})
	m.clearLeaves()
	if err := m.publish(); err != nil {
		return err
	}

	m.logger.Info("interception CA rotated",
		slog.Time("not_before", next.cert.NotBefore),
		slog.Duration("grace", m.grace),
	)
	if m.onRotate != nil {
		m.onRotate()
	}

	// Drop the previous generation after the grace window.
	time.AfterFunc(m.grace, m.expirePrevious)
	return nil
}

func (m *Manager) expirePrevious() {
	for {
		cur := m.current.Load()
		if cur.previous == nil {
			return
		}
		if m.current.CompareAndSwap(cur, &bundle{active: cur.active}) {
			m.logger.Debug("previous CA generation retired")
			return
		}
	}
}

func (m *Manager) clearLeaves() {
	m.leafMu.Lock()
	m.leaves = make(map[string]*tls.Certificate)
	m.leafMu.Unlock()
}

// GetCertificate implements tls.Config.GetCertificate: it mints (or
// reuses) a leaf for the requested server name, signed by the active CA.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("client hello carries no server name")
	}
	return m.LeafFor(host)
}

// LeafFor returns a cached or freshly minted leaf certificate for host.
func (m *Manager) LeafFor(host string) (*tls.Certificate, error) {
	m.leafMu.Lock()
	defer m.leafMu.Unlock()

	if leaf, ok := m.leaves[host]; ok {
		x, _ := x509.ParseCertificate(leaf.Certificate[0])
		if x != nil && m.now().Before(x.NotAfter.Add(-time.Hour)) {
			return leaf, nil
		}
	}

	leaf, err := m.mintLeaf(host)
	if err != nil {
		return nil, err
	}
	m.leaves[host] = leaf
	return leaf, nil
}

func (m *Manager) mintLeaf(host string) (*tls.Certificate, error) {
	active := m.current.Load().active
	now := m.now()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, active.cert, &key.PublicKey, active.key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, active.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// publish writes the trustable public certificates (active plus, during
// grace, previous) to the publish directory for the sandbox to install.
func (m *Manager) publish() error {
	if m.publishDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.publishDir, 0755); err != nil {
		return fmt.Errorf("creating CA publish directory: %w", err)
	}

	cur := m.current.Load()
	pemBytes := append([]byte(nil), cur.active.certPEM...)
	if cur.previous != nil {
		pemBytes = append(pemBytes, cur.previous.certPEM...)
	}

	tmp := filepath.Join(m.publishDir, ".jib-ca.pem.tmp")
	if err := os.WriteFile(tmp, pemBytes, 0644); err != nil {
		return fmt.Errorf("writing CA bundle: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.publishDir, "jib-ca.pem")); err != nil {
		return fmt.Errorf("publishing CA bundle: %w", err)
	}
	return nil
}

func (m *Manager) keyPath() string  { return filepath.Join(m.dataDir, "ca", "ca.key") }
func (m *Manager) certPath() string { return filepath.Join(m.dataDir, "ca", "ca.crt") }

func (m *Manager) loadOrGenerate() (*material, error) {
	mat, err := m.load()
	if err == nil {
		return mat, nil
	}
	if !os.IsNotExist(err) {
		m.logger.Warn("persisted CA unreadable, regenerating", slog.String("error", err.Error()))
	}

	mat, err = generate(m.now())
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}
	if err := m.persist(mat); err != nil {
		return nil, fmt.Errorf("persisting CA: %w", err)
	}
	return mat, nil
}

func (m *Manager) load() (*material, error) {
	keyPEM, err := os.ReadFile(m.keyPath())
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(m.certPath())
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA key file is not PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("CA cert file is not PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}

	return &material{
		cert:      cert,
		key:       key,
		certPEM:   certPEM,
		createdAt: cert.NotBefore,
	}, nil
}

func (m *Manager) persist(mat *material) error {
	dir := filepath.Join(m.dataDir, "ca")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(mat.key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(m.keyPath(), keyPEM, 0600); err != nil {
		return err
	}
	return os.WriteFile(m.certPath(), mat.certPEM, 0644)
}

func generate(now time.Time) (*material, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(90 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &material{
		cert:      cert,
		key:       key,
		certPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		createdAt: cert.NotBefore,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}
