package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct{ method, path string }{
		{http.MethodPost, "/ui/onboarding/customers/cust-1/sessions"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/steps/1"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/retreat"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1/summary"},
		{http.MethodPost, "/ui/onboarding/sessions/s-1/complete"},
		{http.MethodGet, "/ui/onboarding/sessions/s-1/history"},
		{http.MethodDelete, "/ui/onboarding/sessions/s-1"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := h.doRequest(ep.method, ep.path, nil, "", nil)
			h.AssertStatus(t, resp, http.StatusUnauthorized)
		})
	}
	h.Lending.AssertNotCalled(t, "getUser")
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(OfficerClaims())

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Sign with a key that is not in the JWKS.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":       h.issuer.Issuer(),
		"aud":       h.issuer.Audience(),
		"sub":       "staff-1",
		"tenant_id": "lender-au",
		"roles":     []any{"onboarding_manager"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","tenant_id":"lender-au","iss":"https://id.lender.test","aud":"backoffice-test","roles":["onboarding_manager"]}`))
	noneToken := header + "." + payload + "."

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/ui/onboarding/sessions/s-1", "not.a.valid.jwt.token")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MissingTenantClaim_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := OfficerClaims()
	claims.TenantID = ""

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, h.GenerateToken(claims))
	h.AssertStatus(t, resp, http.StatusUnauthorized)
	h.Lending.AssertNotCalled(t, "getUser")
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_UnknownRoleIsForbidden(t *testing.T) {
	h := NewTestHarness(t)
	claims := OfficerClaims()
	claims.Roles = []string{"marketing"}

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, h.GenerateToken(claims))
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
	h.Lending.AssertNotCalled(t, "getUser")
}

// ==========================================================================
// Cross-Tenant Isolation Tests
// ==========================================================================

func TestSecurity_TenantIsolation_SessionAccessDenied(t *testing.T) {
	h := NewTestHarness(t)
	officer := h.GenerateToken(OfficerClaims())
	other := h.GenerateToken(OtherTenantClaims())

	var view onboarding.SessionView
	h.AssertJSON(t, h.POST("/ui/onboarding/customers/cust-1/sessions", nil, officer), http.StatusCreated, &view)

	// Another lender's staff cannot tell the session exists.
	h.AssertError(t, h.GET(sessionPath(view.ID, ""), other), http.StatusNotFound, model.ErrSessionNotFound)
	h.AssertError(t, h.GET(sessionPath(view.ID, "/history"), other), http.StatusNotFound, model.ErrSessionNotFound)
	h.AssertError(t, h.POST(sessionPath(view.ID, "/steps/1"), bankValues(), other), http.StatusNotFound, model.ErrSessionNotFound)
	h.AssertError(t, h.POST(sessionPath(view.ID, "/complete"), map[string]any{"approved": false}, other),
		http.StatusNotFound, model.ErrSessionNotFound)
	h.Lending.AssertNotCalled(t, "updateBankAccount")
}

func TestSecurity_BackendCallsCarryTokenTenant(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token)
	h.AssertStatus(t, resp, http.StatusCreated)

	req := h.Lending.LastRequest("getUser")
	if req == nil {
		t.Fatal("getUser not called")
	}
	if got := req.Headers.Get("X-Tenant-Id"); got != "lender-au" {
		t.Errorf("X-Tenant-Id = %q, want lender-au", got)
	}
	if got := req.Headers.Get("X-Request-Subject"); got != "staff-officer" {
		t.Errorf("X-Request-Subject = %q, want staff-officer", got)
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoBackendDetails(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	h.Lending.OnOperation("getUser").RespondWithConnectionError()
	resp := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token)
	body := h.AssertError(t, resp, http.StatusBadGateway, model.ErrBackendUnavailable)

	for _, pattern := range []string{"goroutine", ".go:", "panic", "127.0.0.1", "/users/", "getUser"} {
		if strings.Contains(body.Error.Message, pattern) {
			t.Errorf("error message contains %q: %s", pattern, body.Error.Message)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_Headers(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	responses := map[string]*http.Response{
		"authenticated": h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token),
		"unauthorized":  h.GET("/ui/onboarding/sessions/s-1", ""),
		"public":        h.GET("/ui/health", ""),
	}
	for name, resp := range responses {
		resp.Body.Close()
		for header, want := range expected {
			if got := resp.Header.Get(header); got != want {
				t.Errorf("%s: header %s = %q, want %q", name, header, got, want)
			}
		}
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	resp1 := h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token)
	resp1.Body.Close()
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/ui/onboarding/sessions/s-1", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}

	// The id travels on to the lending API.
	if got := h.Lending.LastRequest("getUser").Headers.Get("X-Correlation-Id"); got != resp1.Header.Get("X-Correlation-Id") {
		t.Errorf("lending X-Correlation-Id = %q, want %q", got, resp1.Header.Get("X-Correlation-Id"))
	}
}

// ==========================================================================
// Input Sanitization Tests
// ==========================================================================

func TestSecurity_HeaderInjectionPrevented(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateToken(TestClaims{
		SubjectID: "staff-1",
		TenantID:  "lender-au\r\nX-Injected: evil-header",
		Roles:     []string{"onboarding_officer"},
	})

	h.POST("/ui/onboarding/customers/cust-1/sessions", nil, token).Body.Close()

	req := h.Lending.LastRequest("getUser")
	if req == nil {
		t.Fatal("getUser not called")
	}
	tenant := req.Headers.Get("X-Tenant-Id")
	if strings.ContainsAny(tenant, "\r\n") {
		t.Errorf("header injection not prevented: X-Tenant-Id = %q", tenant)
	}
	if req.Headers.Get("X-Injected") != "" {
		t.Error("header injection succeeded: X-Injected header was set")
	}
}

func TestSecurity_PathTraversalInCustomerID(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OfficerClaims())

	resp := h.POST("/ui/onboarding/customers/..%2F..%2Fadmin/sessions", nil, token)
	resp.Body.Close()

	// The escaped id stays a single segment of the getUser path.
	req := h.Lending.LastRequest("getUser")
	if req == nil {
		t.Fatal("getUser not called; the customer id misrouted the request")
	}
	if !strings.HasPrefix(req.Path, "/users/") || strings.Count(req.Path, "/") != 2 {
		t.Errorf("lending path = %q", req.Path)
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORS(t *testing.T) {
	h := NewTestHarness(t)

	allowed := h.GETWithHeaders("/ui/health", "", map[string]string{"Origin": "http://localhost:3000"})
	allowed.Body.Close()
	if allowed.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}

	denied := h.GETWithHeaders("/ui/health", "", map[string]string{"Origin": "https://evil.example.com"})
	denied.Body.Close()
	if denied.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
