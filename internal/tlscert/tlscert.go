// Package tlscert provides the HTTPS server's certificates, either from files on disk or from
// a self-signed pair generated for local development.
package tlscert

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
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Mode selects where certificates come from.
type Mode string

const (
	ModeFile Mode = "file"
	ModeAuto Mode = "auto"
)

// MinTLSVersion is the minimum supported TLS version for the server.
const MinTLSVersion = tls.VersionTLS13

// Config holds TLS certificate configuration.
type Config struct {
	Mode Mode

	CertFile string
	KeyFile  string

	// AutoDir holds the generated pair in auto mode.
	AutoDir   string
	AutoHosts []string
}

// ServerConfig returns a tls.Config for the configured mode and a short description of the
// certificate source for startup logs.
func ServerConfig(cfg Config, logger *slog.Logger) (*tls.Config, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var certFile, keyFile, desc string
	switch cfg.Mode {
	case ModeFile:
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, "", fmt.Errorf("tls cert and key files are required in file mode")
		}
		if err := checkKeyFilePermissions(cfg.KeyFile); err != nil {
			return nil, "", fmt.Errorf("insecure key file permissions: %w", err)
		}
		certFile, keyFile = cfg.CertFile, cfg.KeyFile
		desc = fmt.Sprintf("file (cert=%s)", certFile)
	case ModeAuto:
		var err error
		certFile, keyFile, err = ensureSelfSigned(cfg.AutoDir, cfg.AutoHosts, logger)
		if err != nil {
			return nil, "", err
		}
		desc = fmt.Sprintf("self-signed (cert=%s) - development only", certFile)
	default:
		return nil, "", fmt.Errorf("unsupported TLS mode %q (valid modes: file, auto)", cfg.Mode)
	}

	r := &reloader{certFile: certFile, keyFile: keyFile, logger: logger}
	if _, err := r.load(); err != nil {
		return nil, "", err
	}
	return &tls.Config{
		MinVersion:     MinTLSVersion,
		GetCertificate: r.getCertificate,
	}, desc, nil
}

// reloader serves the pair from disk and reloads it when the certificate file changes.
type reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func (r *reloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := r.load()
	if err != nil {
		r.logger.Error("failed to reload certificate",
			slog.String("cert_file", r.certFile),
			slog.String("error", err.Error()))
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.cert != nil {
			return r.cert, nil
		}
		return nil, err
	}
	return cert, nil
}

func (r *reloader) load() (*tls.Certificate, error) {
	info, err := os.Stat(r.certFile)
	if err != nil {
		return nil, fmt.Errorf("certificate file not accessible: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cert != nil && info.ModTime().Equal(r.modTime) {
		return r.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	r.cert = &cert
	r.modTime = info.ModTime()
	return r.cert, nil
}

func checkKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("key file has permissions %o (should be 0600 or 0400)", mode)
	}
	return nil
}

var defaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// ensureSelfSigned reuses the pair in dir when it is still valid for hosts and regenerates it
// otherwise.
func ensureSelfSigned(dir string, hosts []string, logger *slog.Logger) (string, string, error) {
	if dir == "" {
		dir = ".tls"
	}
	if len(hosts) == 0 {
		hosts = defaultHosts
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create certificate directory: %w", err)
	}
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	if reusable(certPath, keyPath, hosts, time.Now()) {
		logger.Info("using existing self-signed certificate", slog.String("cert_path", certPath))
		return certPath, keyPath, nil
	}

	logger.Warn("generating self-signed certificate, not suitable for production",
		slog.String("cert_path", certPath),
		slog.Any("hosts", hosts))
	if err := generate(certPath, keyPath, hosts, time.Now()); err != nil {
		return "", "", fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return certPath, keyPath, nil
}

func generate(certPath, keyPath string, hosts []string, now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"pmquery (self-signed)"}, CommonName: hosts[0]},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// reusable reports whether the pair at certPath/keyPath loads, is within its validity window
// and names exactly hosts.
func reusable(certPath, keyPath string, hosts []string, now time.Time) bool {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil || len(pair.Certificate) == 0 {
		return false
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return false
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}

	var names []string
	names = append(names, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	want := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			host = ip.String()
		}
		want = append(want, host)
	}
	slices.Sort(names)
	slices.Sort(want)
	return slices.Equal(names, want)
}
