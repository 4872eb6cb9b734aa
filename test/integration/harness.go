// Package integration provides a reusable test harness for end-to-end
// testing of the onboarding BFF. It starts the full HTTP server against a
// mock lending API, an in-memory session store, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/backoffice/api"
	"github.com/pitabwire/backoffice/internal/capability"
	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/lending"
	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/internal/openapi"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/internal/transport"
)

// TestHarness encapsulates a fully wired BFF instance with a mock lending
// API for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Lending *MockLending
	Store   *session.MemoryStore
	Engine  *onboarding.Engine
	Metrics *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	lendingTimeout time.Duration
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
	policyFile     string
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLendingTimeout sets the lending API client timeout.
func WithLendingTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.lendingTimeout = d
	}
}

// WithCircuitBreaker replaces the lending client's circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithRetry replaces the lending client's retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// NewTestHarness creates and starts a full BFF test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		lendingTimeout: 5 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Start the mock lending API with routes from the contract.
	h.Lending = newMockLending(t, api.LendingSpec)

	// Step 2: Index the contract against the mock's URL.
	idx := openapi.NewIndex()
	err := idx.Load([]openapi.SpecSource{{
		ServiceID: lending.ServiceID,
		BaseURL:   h.Lending.URL(),
		Data:      api.LendingSpec,
	}})
	if err != nil {
		t.Fatalf("load lending contract: %v", err)
	}

	// Step 3: Build the lending client.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	lendingCfg := config.LendingConfig{
		BaseURL:        h.Lending.URL(),
		Timeout:        hc.lendingTimeout,
		CircuitBreaker: hc.breaker,
		Retry:          hc.retry,
	}
	client, err := lending.NewClient(idx, lendingCfg, lending.WithMetrics(h.Metrics))
	if err != nil {
		t.Fatalf("lending client: %v", err)
	}

	// Step 4: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	caps := capability.NewResolver(evaluator, 0).WithMetrics(h.Metrics) // no caching in tests

	// Step 5: Build the engine over in-memory sessions.
	h.Store = session.NewMemoryStore()
	guard := session.NewMemoryGuard(time.Minute)
	h.Engine = onboarding.NewEngine(h.Store, guard, client, caps,
		onboarding.WithMetrics(h.Metrics),
	)

	// Step 6: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 7: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}
	h.cfg.Lending = lendingCfg

	// Step 8: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			ContractLoaded: func() bool { return len(idx.AllOperationIDs(lending.ServiceID)) > 0 },
			SessionStore:   h.Store,
			InFlightGuard:  guard,
			LendingCircuit: client,
		},
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) ErrorBody {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body
}

// ErrorBody is the decoded error response.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field string `json:"field"`
			Code  string `json:"code"`
		} `json:"details"`
	} `json:"error"`
}

// --- Default test claims ---

// OfficerClaims returns TestClaims for an onboarding officer.
func OfficerClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-officer",
		TenantID:  "lender-au",
		Email:     "officer@lender.example.com",
		Roles:     []string{"onboarding_officer"},
	}
}

// ManagerClaims returns TestClaims for an onboarding manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-manager",
		TenantID:  "lender-au",
		Email:     "manager@lender.example.com",
		Roles:     []string{"onboarding_manager"},
	}
}

// OtherTenantClaims returns TestClaims for a manager of another lender.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-other",
		TenantID:  "lender-nz",
		Email:     "manager@other.example.com",
		Roles:     []string{"onboarding_manager"},
	}
}

// --- Fixtures ---

// CustomerFixture returns a lending API user with a bank account, an
// unverified identity, and declared income.
func CustomerFixture(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"firstName": "Jo",
		"lastName":  "Citizen",
		"email":     "jo@example.com",
		"bankAccount": map[string]any{
			"id":            "ba-1",
			"bsb":           "123456",
			"accountNumber": "7654321",
			"verified":      false,
		},
		"identity": map[string]any{"id": "id-1", "verified": false},
		"income":   map[string]any{"income": 5200, "expenses": 2100},
	}
}

// ErrorFixture returns a lending API error body with the given titles.
func ErrorFixture(titles ...string) map[string]any {
	errs := make([]map[string]any, len(titles))
	for i, title := range titles {
		errs[i] = map[string]any{"title": title}
	}
	return map[string]any{"errors": errs}
}
