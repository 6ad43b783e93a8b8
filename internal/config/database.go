package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "pmquery-custom"

// Supported values for DatabaseConfig.Dialect.
const (
	DialectMemory   = "memory"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// IsMemory reports whether rows are kept in process instead of a SQL database.
func (d *DatabaseConfig) IsMemory() bool {
	return d.Dialect == DialectMemory
}

// DSN returns the driver data source name for the configured dialect.
// If ConnectionString is set, it is used directly (with TLS settings applied).
// Otherwise, the DSN is built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	switch d.Dialect {
	case DialectPostgres:
		return d.postgresDSN()
	case DialectSQLite:
		if d.ConnectionString != "" {
			return d.ConnectionString
		}
		if d.Database == "" {
			return ":memory:"
		}
		return "file:" + d.Database
	default:
		return d.mysqlDSN()
	}
}

func (d *DatabaseConfig) mysqlDSN() string {
	cfg := mysql.NewConfig()
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			// Returned unchanged so the store reports the parse error with context.
			return d.ConnectionString
		}
		cfg = parsed
	} else {
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.effectiveTLSParam()
	}
	return cfg.FormatDSN()
}

func (d *DatabaseConfig) postgresDSN() string {
	var u *url.URL
	if d.ConnectionString != "" {
		parsed, err := url.Parse(d.ConnectionString)
		if err != nil || parsed.Scheme == "" {
			// Keyword/value DSNs are passed through untouched.
			return d.ConnectionString
		}
		u = parsed
	} else {
		u = &url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:   "/" + d.Database,
		}
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else if d.User != "" {
			u.User = url.User(d.User)
		}
	}

	q := u.Query()
	if q.Get("sslmode") == "" {
		if mode := postgresSSLMode(d.TLS.Mode); mode != "" {
			q.Set("sslmode", mode)
		}
	}
	if ca := d.TLS.resolveCAFile(); ca != "" && q.Get("sslrootcert") == "" {
		q.Set("sslrootcert", ca)
	}
	if cert := d.TLS.resolveCertFile(); cert != "" && q.Get("sslcert") == "" {
		q.Set("sslcert", cert)
	}
	if key := d.TLS.resolveKeyFile(); key != "" && q.Get("sslkey") == "" {
		q.Set("sslkey", key)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func postgresSSLMode(mode string) string {
	switch mode {
	case "off":
		return "disable"
	case "skip-verify":
		return "require"
	case "verify-ca", "verify-full":
		return mode
	default:
		return ""
	}
}

// effectiveTLSParam returns the MySQL tls parameter value.
// Returns the registered config name for custom TLS, or empty string if no TLS is configured.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		// Unknown mode, let the driver handle it
		return d.TLS.Mode
	}
}

// RegisterTLS registers a custom TLS configuration with the MySQL driver.
// Must be called before opening the database connection when using verify-ca or verify-full modes.
// Returns nil if no custom TLS configuration is needed.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.Dialect != DialectMySQL {
		return nil
	}
	mode := d.TLS.Mode
	if mode != "verify-ca" && mode != "verify-full" {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

// buildTLSConfig creates a tls.Config based on the DatabaseTLSConfig settings.
func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	caFile := d.TLS.resolveCAFile()
	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	// mTLS
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else if certFile != "" || keyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}
	if d.TLS.Mode == "verify-ca" {
		// Chain verification without the hostname check.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChainOnly(tlsCfg.RootCAs)
	}
	return tlsCfg, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificates")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs[i] = cert
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

// resolveCAFile returns the effective CA file path, checking env var indirection.
func (t *DatabaseTLSConfig) resolveCAFile() string {
	return resolveEnvPath(t.CAFileEnv, t.CAFile)
}

func (t *DatabaseTLSConfig) resolveCertFile() string {
	return resolveEnvPath(t.CertFileEnv, t.CertFile)
}

func (t *DatabaseTLSConfig) resolveKeyFile() string {
	return resolveEnvPath(t.KeyFileEnv, t.KeyFile)
}

func resolveEnvPath(envName, fallback string) string {
	if envName != "" {
		if path := os.Getenv(envName); path != "" {
			return path
		}
	}
	return fallback
}

// ParseDeletePolicies turns the "Entity.relation=policy" entries into the map form the schema
// registry accepts.
func (e *EngineConfig) ParseDeletePolicies() (map[string]string, error) {
	out := make(map[string]string, len(e.DeletePolicies))
	for _, entry := range e.DeletePolicies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, policy, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		policy = strings.TrimSpace(policy)
		if !ok || key == "" || policy == "" {
			return nil, fmt.Errorf("delete policy %q must be Entity.relation=policy", entry)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("delete policy for %q given more than once", key)
		}
		out[key] = policy
	}
	return out, nil
}
