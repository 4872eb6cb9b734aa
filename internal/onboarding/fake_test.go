package onboarding

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/backoffice/internal/capability"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// fakeLending records every call and can fail or intercept named operations.
type fakeLending struct {
	mu       sync.Mutex
	customer model.Customer
	calls    []string
	advances []model.OnboardingAdvance
	risks    []model.RiskAssessment
	bank     []bool
	identity []bool
	nextID   string
	failOn   map[string]error
	before   func(op string)
}

func newFakeLending() *fakeLending {
	return &fakeLending{
		customer: testCustomer(),
		nextID:   "ra-1",
		failOn:   make(map[string]error),
	}
}

func testCustomer() model.Customer {
	return model.Customer{
		ID:        "cust-1",
		FirstName: "Jo",
		LastName:  "Citizen",
		BankAccount: &model.BankAccount{
			ID:            "ba-1",
			Bsb:           "123456",
			AccountNumber: "7654321",
		},
		Identity: &model.Identity{ID: "id-1"},
		Income:   &model.Income{Income: 5200, Expenses: 2100},
	}
}

func (f *fakeLending) record(op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	before := f.before
	err := f.failOn[op]
	f.mu.Unlock()

	if before != nil {
		before(op)
	}
	return err
}

func (f *fakeLending) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeLending) GetUser(_ context.Context, _ *model.RequestContext, userID string) (*model.Customer, error) {
	if err := f.record("getUser"); err != nil {
		return nil, err
	}
	if userID != f.customer.ID {
		return nil, model.NewNotFoundError("customer not found")
	}
	c := f.customer
	return &c, nil
}

func (f *fakeLending) UpdateBankAccount(_ context.Context, _ *model.RequestContext, _ string, verified bool) error {
	if err := f.record("updateBankAccount"); err != nil {
		return err
	}
	f.mu.Lock()
	f.bank = append(f.bank, verified)
	f.mu.Unlock()
	return nil
}

func (f *fakeLending) PatchIdentity(_ context.Context, _ *model.RequestContext, _ string, verified bool) error {
	if err := f.record("patchIdentity"); err != nil {
		return err
	}
	f.mu.Lock()
	f.identity = append(f.identity, verified)
	f.mu.Unlock()
	return nil
}

func (f *fakeLending) CreateRiskAssessment(_ context.Context, _ *model.RequestContext, ra model.RiskAssessment) (string, error) {
	if err := f.record("createRiskAssessment"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.risks = append(f.risks, ra)
	return f.nextID, nil
}

func (f *fakeLending) UpdateRiskAssessment(_ context.Context, _ *model.RequestContext, id string, ra model.RiskAssessment) (string, error) {
	if err := f.record("updateRiskAssessment"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.risks = append(f.risks, ra)
	return id, nil
}

func (f *fakeLending) AdvanceOnboarding(_ context.Context, _ *model.RequestContext, _ string, adv model.OnboardingAdvance) error {
	if err := f.record("advanceOnboarding"); err != nil {
		return err
	}
	f.mu.Lock()
	f.advances = append(f.advances, adv)
	f.mu.Unlock()
	return nil
}

func (f *fakeLending) lastAdvance(t *testing.T) model.OnboardingAdvance {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.advances, "no advanceOnboarding call recorded")
	return f.advances[len(f.advances)-1]
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func officer() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "staff-7",
		Email:     "officer@lender.test",
		TenantID:  "tenant-au",
		Roles:     []string{"onboarding_officer"},
	}
}

func manager() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "staff-1",
		Email:     "manager@lender.test",
		TenantID:  "tenant-au",
		Roles:     []string{"onboarding_manager"},
	}
}

type testEnv struct {
	engine *Engine
	api    *fakeLending
	store  *session.MemoryStore
	guard  *session.MemoryGuard
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eval, err := capability.NewStaticPolicyEvaluator("")
	require.NoError(t, err)

	env := &testEnv{
		api:   newFakeLending(),
		store: session.NewMemoryStore(),
		guard: session.NewMemoryGuard(time.Minute),
		clock: newTestClock(),
	}
	env.engine = NewEngine(env.store, env.guard, env.api,
		capability.NewResolver(eval, time.Minute),
		WithClock(env.clock.Now),
		WithIdleTTL(2*time.Hour),
		WithSteps(map[wizard.StepID]Step{
			wizard.StepBankVerification: BankStep{},
			wizard.StepRiskAssessment:   RiskStep{},
			wizard.StepIdentification:   NewIdentityStep(env.clock.Now),
		}),
	)
	return env
}
