package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/backoffice/internal/capability"
	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/model"
)

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

// jwksServer serves keys and counts fetches. Setting fail makes it return 500.
type jwksServer struct {
	*httptest.Server
	fetches atomic.Int32
	fail    atomic.Bool
}

func startJWKS(t *testing.T, keys ...map[string]any) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		if s.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(s.Close)
	return s
}

// staticKeys is a KeySource backed by a map.
type staticKeys map[string]crypto.PublicKey

func (k staticKeys) GetKey(_ context.Context, kid string) (crypto.PublicKey, error) {
	key, ok := k[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

func identityConfig() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://id.lender.test",
		Audience:   "backoffice",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func staffClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "staff-7",
		"tenant_id": "tenant-au",
		"roles":     []string{"onboarding_officer"},
		"iss":       "https://id.lender.test",
		"aud":       "backoffice",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srv := startJWKS(t,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-1", "kty": "oct", "k": "c2VjcmV0"},
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)
	ctx := context.Background()

	key, err := client.GetKey(ctx, "rsa-1")
	require.NoError(t, err)
	assert.True(t, rsaKey.PublicKey.Equal(key))

	key, err = client.GetKey(ctx, "ec-1")
	require.NoError(t, err)
	assert.True(t, ecKey.PublicKey.Equal(key))

	_, err = client.GetKey(ctx, "oct-1")
	assert.Error(t, err, "symmetric keys are skipped")
	assert.Equal(t, int32(1), srv.fetches.Load(), "keys are cached and refreshes rate limited")
}

func TestJWKSClient_staleCacheFallback(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := startJWKS(t, rsaJWK("rsa-1", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Nanosecond, nil)
	client.minRefresh = 0
	ctx := context.Background()

	_, err = client.GetKey(ctx, "rsa-1")
	require.NoError(t, err)

	srv.fail.Store(true)
	key, err := client.GetKey(ctx, "rsa-1")
	require.NoError(t, err, "a cached key survives a failed refresh")
	assert.True(t, rsaKey.PublicKey.Equal(key))

	_, err = client.GetKey(ctx, "rsa-2")
	assert.Error(t, err)
}

func TestJWTAuthenticator(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keys := staticKeys{"rsa-1": &rsaKey.PublicKey, "ec-1": &ecKey.PublicKey}

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := staffClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"rsa", "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", staffClaims()), ""},
		{"ec", "Bearer " + sign(t, jwt.SigningMethodES256, ecKey, "ec-1", staffClaims()), ""},
		{
			name:   "within clock skew",
			header: "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second)) })),
		},
		{"missing header", "", "Missing or malformed bearer token"},
		{"basic auth", "Basic dXNlcjpwYXNz", "Missing or malformed bearer token"},
		{
			name:    "expired",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })),
			wantMsg: "Token expired",
		},
		{
			name:    "wrong issuer",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", with(func(c jwt.MapClaims) { c["iss"] = "https://evil.test" })),
			wantMsg: "Invalid token issuer",
		},
		{
			name:    "wrong audience",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", with(func(c jwt.MapClaims) { c["aud"] = "other" })),
			wantMsg: "Invalid token audience",
		},
		{
			name:    "no expiry",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", with(func(c jwt.MapClaims) { delete(c, "exp") })),
			wantMsg: "Token is missing a required claim",
		},
		{
			name:    "disallowed algorithm",
			header:  "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("secret"), "rsa-1", staffClaims()),
			wantMsg: "Disallowed signing algorithm",
		},
		{
			name:    "unknown kid",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-9", staffClaims()),
			wantMsg: "Unknown signing key",
		},
		{
			name:    "no kid",
			header:  "Bearer " + sign(t, jwt.SigningMethodRS256, rsaKey, "", staffClaims()),
			wantMsg: "Unknown signing key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var claims map[string]any
			var token string
			handler := JWTAuthenticator(identityConfig(), keys)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				claims = ClaimsFrom(r.Context())
				token = tokenFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if tt.wantMsg == "" {
				require.Equal(t, http.StatusOK, w.Code, w.Body.String())
				assert.Equal(t, "staff-7", claims["sub"])
				assert.Equal(t, tt.header[len("Bearer "):], token)
				return
			}
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var body struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantMsg, body.Error.Message)
			assert.Nil(t, claims)
		})
	}
}

func TestJWTAuthenticator_startsSession(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := startJWKS(t, rsaJWK("rsa-1", &rsaKey.PublicKey))

	eval, err := capability.NewStaticPolicyEvaluator("")
	require.NoError(t, err)
	engine := onboarding.NewEngine(session.NewMemoryStore(), session.NewMemoryGuard(time.Minute), &stubLending{},
		capability.NewResolver(eval, time.Minute))

	cfg := testConfig()
	cfg.Identity = identityConfig()
	router := NewRouter(Dependencies{
		Config:       cfg,
		Engine:       engine,
		Authenticate: JWTAuthenticator(cfg.Identity, NewJWKSClient(srv.URL, time.Hour, nil)),
		Readiness:    testReadiness(),
	})

	req := httptest.NewRequest(http.MethodPost, "/ui/onboarding/customers/cust-1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodRS256, rsaKey, "rsa-1", staffClaims()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/ui/onboarding/customers/cust-1/sessions", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClaimAt(t *testing.T) {
	claims := map[string]any{
		"sub":          "staff-7",
		"scope":        "onboarding_officer auditor",
		"realm_access": map[string]any{"roles": []any{"onboarding_manager", 7}},
	}

	assert.Equal(t, "staff-7", claimString(claims, "sub"))
	assert.Equal(t, []string{"onboarding_manager"}, claimStrings(claims, "realm_access.roles"))
	assert.Equal(t, []string{"onboarding_officer", "auditor"}, claimStrings(claims, "scope"))
	assert.Empty(t, claimString(claims, "realm_access.missing.deep"))
	assert.Empty(t, claimString(nil, "sub"))
}
