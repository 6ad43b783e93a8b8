package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pmquery/internal/logging"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JWTAuthConfig controls bearer token validation. Exactly one of Secret or PublicKeyPEM
// selects the verification key.
type JWTAuthConfig struct {
	Enabled      bool
	Secret       []byte
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	ClockSkew    time.Duration
	// Exempt paths skip authentication entirely.
	Exempt []string
}

type authContextKey struct{}

// AuthContext carries validated JWT claims.
type AuthContext struct {
	Subject string
	Claims  jwt.MapClaims
}

// AuthFromContext returns the auth context from a request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

// JWTAuthMiddleware validates Bearer tokens when enabled.
func JWTAuthMiddleware(cfg JWTAuthConfig, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	keyFunc, methods, err := verificationKey(cfg)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, path := range cfg.Exempt {
		exempt[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				if logger != nil {
					logging.FromContext(r.Context()).Warn("authentication failed: missing bearer token",
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(tokenString, claims, keyFunc); err != nil {
				if logger != nil {
					logging.FromContext(r.Context()).Warn("authentication failed: invalid token",
						slog.String("error", err.Error()),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				writeUnauthorized(w, "invalid token")
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), authContextKey{}, AuthContext{Subject: subject, Claims: claims})
			if subject != "" {
				ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithFields(slog.String("subject", subject)))
				span := trace.SpanFromContext(ctx)
				if span.SpanContext().IsValid() {
					span.SetAttributes(attribute.String("enduser.id", subject))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

// verificationKey resolves the key function and the signing methods it accepts.
func verificationKey(cfg JWTAuthConfig) (jwt.Keyfunc, []string, error) {
	hasSecret := len(cfg.Secret) > 0
	hasPublicKey := len(cfg.PublicKeyPEM) > 0
	switch {
	case hasSecret && hasPublicKey:
		return nil, nil, errors.New("jwt auth accepts a secret or a public key, not both")
	case hasSecret:
		secret := cfg.Secret
		return func(*jwt.Token) (any, error) { return secret, nil },
			[]string{"HS256", "HS384", "HS512"}, nil
	case hasPublicKey:
		if key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			return func(*jwt.Token) (any, error) { return key, nil },
				[]string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}, nil
		}
		if key, err := jwt.ParseECPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			return func(*jwt.Token) (any, error) { return key, nil },
				[]string{"ES256", "ES384", "ES512"}, nil
		}
		return nil, nil, errors.New("jwt public key is neither an RSA nor an EC PEM key")
	default:
		return nil, nil, errors.New("jwt auth enabled but no verification key configured")
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	WriteError(w, http.StatusUnauthorized, ErrorDetail{Kind: "Unauthorized", Message: message})
}
