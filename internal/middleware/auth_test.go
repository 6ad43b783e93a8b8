package middleware

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mintHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func authHandler(t *testing.T, cfg JWTAuthConfig) (http.Handler, *AuthContext) {
	t.Helper()
	mw, err := JWTAuthMiddleware(cfg, nil)
	require.NoError(t, err)
	seen := &AuthContext{}
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth, ok := AuthFromContext(r.Context()); ok {
			*seen = auth
		}
		w.WriteHeader(http.StatusOK)
	})), seen
}

func authRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/Task/findMany", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestJWTAuthMiddleware_Disabled(t *testing.T) {
	handler, _ := authHandler(t, JWTAuthConfig{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authRequest(""))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestJWTAuthMiddleware_ValidToken(t *testing.T) {
	handler, seen := authHandler(t, JWTAuthConfig{
		Enabled:  true,
		Secret:   testSecret,
		Issuer:   "https://issuer.example.com",
		Audience: "pmquery",
	})
	token := mintHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://issuer.example.com",
		"aud": "pmquery",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authRequest(token))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-1", seen.Subject)
	assert.Equal(t, "pmquery", seen.Claims["aud"])
}

func TestJWTAuthMiddleware_Rejects(t *testing.T) {
	handler, _ := authHandler(t, JWTAuthConfig{
		Enabled:   true,
		Secret:    testSecret,
		Audience:  "pmquery",
		ClockSkew: time.Minute,
	})
	future := time.Now().Add(time.Hour).Unix()

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"aud": "pmquery", "exp": future,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "pmquery", "exp": future,
	}).SignedString([]byte("not-the-configured-secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{name: "missing", token: "", message: "missing bearer token"},
		{name: "garbage", token: "not.a.jwt", message: "invalid token"},
		{name: "expired", token: mintHS256(t, jwt.MapClaims{
			"aud": "pmquery", "exp": time.Now().Add(-2 * time.Minute).Unix(),
		}), message: "invalid token"},
		{name: "no expiry", token: mintHS256(t, jwt.MapClaims{"aud": "pmquery"}), message: "invalid token"},
		{name: "wrong audience", token: mintHS256(t, jwt.MapClaims{
			"aud": "someone-else", "exp": future,
		}), message: "invalid token"},
		{name: "unsigned", token: noneToken, message: "invalid token"},
		{name: "wrong secret", token: otherKey, message: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, authRequest(tt.token))
			require.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")

			var body ErrorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, "Unauthorized", body.Error.Kind)
			assert.Equal(t, tt.message, body.Error.Message)
		})
	}
}

func TestJWTAuthMiddleware_ClockSkewTolerance(t *testing.T) {
	handler, _ := authHandler(t, JWTAuthConfig{Enabled: true, Secret: testSecret, ClockSkew: time.Minute})
	token := mintHS256(t, jwt.MapClaims{"exp": time.Now().Add(-30 * time.Second).Unix()})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authRequest(token))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestJWTAuthMiddleware_ExemptPaths(t *testing.T) {
	handler, _ := authHandler(t, JWTAuthConfig{Enabled: true, Secret: testSecret, Exempt: []string{"/healthz"}})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestJWTAuthMiddleware_ECPublicKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	handler, seen := authHandler(t, JWTAuthConfig{Enabled: true, PublicKeyPEM: pubPEM})
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": "svc", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(priv)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authRequest(token))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "svc", seen.Subject)

	// HMAC tokens are refused once an asymmetric key is configured.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, authRequest(mintHS256(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestJWTAuthMiddleware_KeyConfiguration(t *testing.T) {
	_, err := JWTAuthMiddleware(JWTAuthConfig{Enabled: true}, nil)
	assert.ErrorContains(t, err, "no verification key")

	_, err = JWTAuthMiddleware(JWTAuthConfig{Enabled: true, Secret: testSecret, PublicKeyPEM: []byte("x")}, nil)
	assert.ErrorContains(t, err, "not both")

	_, err = JWTAuthMiddleware(JWTAuthConfig{Enabled: true, PublicKeyPEM: []byte("not pem")}, nil)
	assert.ErrorContains(t, err, "neither an RSA nor an EC")
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer"))
	assert.Empty(t, bearerToken(""))
}
