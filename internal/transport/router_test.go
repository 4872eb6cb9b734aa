package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/model"
)

func testDeps() Dependencies {
	return Dependencies{Config: testConfig(), Readiness: testReadiness()}
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

func TestNewRouter_publicRoutes(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	for _, path := range []string{"/ui/health", "/ui/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code, "public routes bypass auth")
		})
	}
}

func TestNewRouter_health(t *testing.T) {
	w := httptest.NewRecorder()
	NewRouter(testDeps()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	var body observability.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"), "health should still get X-Correlation-Id")
}

func TestNewRouter_notReadyWithoutContract(t *testing.T) {
	deps := testDeps()
	deps.Readiness = observability.ReadinessChecks{ContractLoaded: func() bool { return false }}

	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ui/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false

	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewRouter_onboardingRoutesRequireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/ui/onboarding/customers/cust-1/sessions"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1"},
		{http.MethodDelete, "/ui/onboarding/sessions/s-1"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/steps/bank-verification"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/retreat"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1/summary"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/complete"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1/history"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

// --- middleware ---

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://console.lender.test"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         600,
	}
	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://console.lender.test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, called, "preflight should not reach the handler")
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.True(t, called, "handler should be called for a simple request")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "corr-123", seen)
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-Id"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 32, "generated ids are 32 hex chars")
}

func TestBuildRequestContext(t *testing.T) {
	var got *model.RequestContext
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))

	ctx := WithClaims(t.Context(), map[string]any{
		"sub":       "staff-7",
		"email":     "officer@lender.test",
		"tenant_id": "tenant-au",
		"roles":     []any{"onboarding_officer", "auditor"},
	})
	ctx = withToken(ctx, "raw-token")
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got, "RequestContext should be in context")
	assert.Equal(t, "staff-7", got.SubjectID)
	assert.Equal(t, "tenant-au", got.TenantID)
	assert.Equal(t, "officer@lender.test", got.Email)
	assert.Equal(t, []string{"onboarding_officer", "auditor"}, got.Roles)
	assert.Equal(t, "raw-token", got.Token)
}

func TestBuildRequestContext_customPaths(t *testing.T) {
	var got *model.RequestContext
	handler := BuildRequestContext(map[string]string{
		"tenant_id": "org.id",
		"roles":     "realm_access.roles",
	})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))

	ctx := WithClaims(t.Context(), map[string]any{
		"sub":          "staff-1",
		"org":          map[string]any{"id": "tenant-nz"},
		"realm_access": map[string]any{"roles": []any{"onboarding_manager"}},
	})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	require.NotNil(t, got)
	assert.Equal(t, "tenant-nz", got.TenantID)
	assert.Equal(t, []string{"onboarding_manager"}, got.Roles)
}

func TestBuildRequestContext_missingTenant(t *testing.T) {
	handler := BuildRequestContext(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not be called without a tenant")
	}))

	ctx := WithClaims(t.Context(), map[string]any{"sub": "staff-7"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlerTimeout(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		assert.True(t, ok, "deadline should be set")
		assert.LessOrEqual(t, time.Until(deadline), 200*time.Millisecond)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	handler = HandlerTimeout(0)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		assert.False(t, ok, "a zero timeout should not set a deadline")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	handler := RequestLogging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, observability.LoggerFrom(r.Context(), nil), "request logger should be in context")
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
