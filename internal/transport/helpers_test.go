package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/backoffice/internal/capability"
	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/model"
)

// stubLending serves a single customer and records advance calls.
type stubLending struct {
	mu       sync.Mutex
	advances []model.OnboardingAdvance
	fail     error
}

func (s *stubLending) GetUser(_ context.Context, _ *model.RequestContext, userID string) (*model.Customer, error) {
	if userID != "cust-1" {
		return nil, model.NewNotFoundError("customer not found")
	}
	return &model.Customer{
		ID:          "cust-1",
		BankAccount: &model.BankAccount{ID: "ba-1", Bsb: "123456", AccountNumber: "7654321"},
		Identity:    &model.Identity{ID: "id-1"},
		Income:      &model.Income{Income: 5200, Expenses: 2100},
	}, nil
}

func (s *stubLending) UpdateBankAccount(context.Context, *model.RequestContext, string, bool) error {
	return nil
}

func (s *stubLending) PatchIdentity(context.Context, *model.RequestContext, string, bool) error {
	return nil
}

func (s *stubLending) CreateRiskAssessment(context.Context, *model.RequestContext, model.RiskAssessment) (string, error) {
	return "ra-1", nil
}

func (s *stubLending) UpdateRiskAssessment(_ context.Context, _ *model.RequestContext, id string, _ model.RiskAssessment) (string, error) {
	return id, nil
}

func (s *stubLending) AdvanceOnboarding(_ context.Context, _ *model.RequestContext, _ string, adv model.OnboardingAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.advances = append(s.advances, adv)
	return nil
}

func (s *stubLending) last() model.OnboardingAdvance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.advances) == 0 {
		return model.OnboardingAdvance{}
	}
	return s.advances[len(s.advances)-1]
}

// withClaims stands in for the JWT authenticator, taking the roles from the
// X-Test-Roles header.
func withClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roles := []any{}
		if role := r.Header.Get("X-Test-Roles"); role != "" {
			roles = append(roles, role)
		}
		ctx := WithClaims(r.Context(), map[string]any{
			"sub":       "staff-7",
			"email":     "officer@lender.test",
			"tenant_id": "tenant-au",
			"roles":     roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://console.lender.test"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return cfg
}

func contractLoaded() bool { return true }

type testServer struct {
	router http.Handler
	api    *stubLending
	guard  *session.MemoryGuard
	store  *session.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	eval, err := capability.NewStaticPolicyEvaluator("")
	require.NoError(t, err)

	ts := &testServer{
		api:   &stubLending{},
		guard: session.NewMemoryGuard(time.Minute),
		store: session.NewMemoryStore(),
	}
	engine := onboarding.NewEngine(ts.store, ts.guard, ts.api, capability.NewResolver(eval, time.Minute))
	ts.router = NewRouter(Dependencies{
		Config:       testConfig(),
		Engine:       engine,
		Authenticate: withClaims,
		Readiness:    testReadiness(),
	})
	return ts
}

func testReadiness() observability.ReadinessChecks {
	return observability.ReadinessChecks{ContractLoaded: contractLoaded}
}

// do sends a request as the given role and decodes the JSON response into
// out when out is non-nil.
func (ts *testServer) do(t *testing.T, role, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Test-Roles", role)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
	}
	return w.Code
}

// errorBody is the decoded error response.
type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}
