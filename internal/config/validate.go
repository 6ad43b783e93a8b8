package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"pmquery/internal/naming"
	"pmquery/internal/schema"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Engine.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	validDialects := map[string]bool{DialectMemory: true, DialectMySQL: true, DialectPostgres: true, DialectSQLite: true}
	if !validDialects[d.Dialect] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.dialect",
			Message: fmt.Sprintf("invalid dialect %q", d.Dialect),
			Hint:    "valid values are: memory, mysql, postgres, sqlite",
		})
		return
	}
	if d.IsMemory() {
		if d.ConnectionString != "" {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "database.dsn",
				Message: "dsn is ignored by the memory dialect",
			})
		}
		return
	}

	if d.ConnectionString != "" && d.ConnectionStringFile != "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.dsn_file",
			Message: "dsn and dsn_file are both set",
			Hint:    "dsn takes precedence; remove one of them",
		})
	}

	// Port range validation (only for networked dialects without a connection string)
	networked := d.Dialect == DialectMySQL || d.Dialect == DialectPostgres
	if networked && d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port),
		})
	}
	if networked && d.ConnectionString == "" && strings.TrimSpace(d.Database) == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.database",
			Message: "database name is required",
			Hint:    "set database.database or provide a complete database.dsn",
		})
	}

	if d.Dialect == DialectSQLite && d.TLS.Mode != "" && d.TLS.Mode != "off" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.tls.mode",
			Message: "TLS settings are ignored by the sqlite dialect",
		})
	} else {
		d.TLS.validate(result)
	}

	if d.Pool.MaxOpen < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_open",
			Message: "max_open cannot be negative",
		})
	}
	if d.Pool.MaxIdle < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_idle",
			Message: "max_idle cannot be negative",
		})
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.pool.max_idle",
			Message: "max_idle is greater than max_open",
			Hint:    "idle connections will be limited to max_open",
		})
	}

	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.connection_retry_interval",
			Message: "connection_retry_interval is greater than connection_timeout",
			Hint:    "only one connection attempt will be made",
		})
	}
	if d.ConnectionRetryInterval < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.connection_retry_interval",
			Message: "connection_retry_interval cannot be negative",
		})
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.connection_retry_interval",
			Message: "connection_retry_interval must be greater than 0 when connection_timeout is set",
			Hint:    "set a retry interval such as 2s, or set connection_timeout to 0 to disable retries",
		})
	}
	if d.ConnectionTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.connection_timeout",
			Message: "connection_timeout cannot be negative",
		})
	}

	validateNamingConfig(result, d.Naming)
}

func validateNamingConfig(result *ValidationResult, cfg naming.Config) {
	for key, value := range cfg.TableOverrides {
		if strings.TrimSpace(value) == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.naming.table_overrides." + key,
				Message: "table override cannot be empty",
			})
		}
	}
	for entity, columns := range cfg.ColumnOverrides {
		for field, column := range columns {
			if strings.TrimSpace(column) == "" {
				result.Errors = append(result.Errors, ValidationError{
					Field:   "database.naming.column_overrides." + entity + "." + field,
					Message: "column override cannot be empty",
				})
			}
		}
	}
	for key, value := range cfg.PluralOverrides {
		if strings.TrimSpace(value) == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.naming.plural_overrides." + key,
				Message: "plural override cannot be empty",
			})
		}
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[t.Mode] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.tls.mode",
			Message: fmt.Sprintf("invalid TLS mode %q", t.Mode),
			Hint:    "valid values are: off, skip-verify, verify-ca, verify-full",
		})
	}

	caFile := t.resolveCAFile()
	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && caFile == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.tls.ca_file",
			Message: "CA file is required for verify-ca and verify-full modes",
			Hint:    "set ca_file or ca_file_env to specify the CA certificate",
		})
	}

	certFile := t.resolveCertFile()
	keyFile := t.resolveKeyFile()
	if (certFile != "" && keyFile == "") || (certFile == "" && keyFile != "") {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.tls.cert_file",
			Message: "both cert_file and key_file must be specified for client certificate authentication",
			Hint:    "provide both cert_file and key_file, or neither",
		})
	}

	if t.Mode == "skip-verify" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.tls.mode",
			Message: "skip-verify mode does not verify server certificates",
			Hint:    "use verify-ca or verify-full in production",
		})
	}
}

func (e *EngineConfig) validate(result *ValidationResult) {
	if e.MaxDepth < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "engine.max_depth",
			Message: "max_depth must be at least 1",
		})
	}
	if e.MaxSelfDepth < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "engine.max_self_depth",
			Message: "max_self_depth cannot be negative",
		})
	}
	if e.MaxDepth > 0 && e.MaxSelfDepth > e.MaxDepth {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "engine.max_self_depth",
			Message: "max_self_depth is greater than max_depth",
			Hint:    "self relations are still bounded by max_depth",
		})
	}
	if e.UpsertRetries < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "engine.upsert_retries",
			Message: "upsert_retries cannot be negative",
		})
	}

	policies, err := e.ParseDeletePolicies()
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "engine.delete_policies",
			Message: err.Error(),
			Hint:    "use entries such as Task.assignee=setNull",
		})
		return
	}
	if _, err := schema.Default().WithDeletePolicies(policies); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "engine.delete_policies",
			Message: err.Error(),
			Hint:    "policies are restrict, setNull or cascade on an owning relation",
		})
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port),
		})
	}
	if s.MaxBodyBytes <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "max_body_bytes must be greater than 0",
		})
	}
	if s.RequestTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.request_timeout",
			Message: "request_timeout cannot be negative",
		})
	}

	// Rate limit validation
	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.rate_limit_rps",
				Message: "rate_limit_rps must be greater than 0 when rate limiting is enabled",
			})
		}
		if s.RateLimitBurst <= 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.rate_limit_burst",
				Message: "rate_limit_burst must be greater than 0 when rate limiting is enabled",
			})
		}
	}
	if !s.RateLimitEnabled && (s.RateLimitRPS > 0 || s.RateLimitBurst > 0) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "server.rate_limit_enabled",
			Message: "rate limit values are set but rate limiting is disabled",
			Hint:    "enable server.rate_limit_enabled to apply rate limits",
		})
	}

	// CORS validation
	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.cors_allowed_origins",
				Message: "CORS enabled but no allowed origins configured",
				Hint:    "set cors_allowed_origins or disable CORS",
			})
		}

		hasWildcard := false
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) == "*" {
				hasWildcard = true
				break
			}
		}
		if hasWildcard && s.CORSAllowCredentials {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.cors_allowed_origins",
				Message: "wildcard origin (*) cannot be used with credentials",
				Hint:    "use specific origins with credentials, or wildcard without credentials",
			})
		}
		if hasWildcard {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "server.cors_allowed_origins",
				Message: "CORS wildcard origin enabled",
				Hint:    "use specific origins in production for better security",
			})
		}
	}

	validTLSModes := map[string]bool{"": true, "off": true, "auto": true, "file": true}
	if !validTLSModes[s.TLSMode] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.tls_mode",
			Message: fmt.Sprintf("invalid TLS mode %q", s.TLSMode),
			Hint:    "valid values are: off, auto, file",
		})
	}
	if s.TLSMode == "file" {
		if s.TLSCertFile == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.tls_cert_file",
				Message: "TLS cert file required when tls_mode is 'file'",
			})
		}
		if s.TLSKeyFile == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.tls_key_file",
				Message: "TLS key file required when tls_mode is 'file'",
			})
		}
	}

	if s.AuthEnabled {
		hasSecret := strings.TrimSpace(s.AuthJWTSecretFile) != ""
		hasPublicKey := strings.TrimSpace(s.AuthJWTPublicKeyFile) != ""
		if hasSecret == hasPublicKey {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.auth_jwt_secret_file",
				Message: "auth requires exactly one of auth_jwt_secret_file or auth_jwt_public_key_file",
			})
		}
		if s.AuthAudience == "" {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "server.auth_audience",
				Message: "tokens are accepted for any audience",
				Hint:    "set server.auth_audience to bind tokens to this service",
			})
		}
		if s.TLSMode == "" || s.TLSMode == "off" {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "server.tls_mode",
				Message: "bearer tokens are sent over plain HTTP",
				Hint:    "enable TLS or terminate it in front of the server",
			})
		}
	}
	if s.AuthClockSkew < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.auth_clock_skew",
			Message: "auth_clock_skew cannot be negative",
		})
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v is outside 0.0-1.0", o.TraceSampleRatio),
		})
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".endpoint",
			Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			Hint:    "use host:port or a full URL",
		})
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}

	if o.RetryMaxAttempts < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".retry_max_attempts",
			Message: "retry_max_attempts cannot be negative",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
