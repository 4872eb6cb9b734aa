// Package onboarding runs the onboarding wizard server-side: it validates
// and plans each step submission, performs the resulting lending API calls
// in order, and applies the outcome to the persisted session.
package onboarding

import (
	"context"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// Lending is the part of the lending API the wizard calls.
type Lending interface {
	GetUser(ctx context.Context, rctx *model.RequestContext, userID string) (*model.Customer, error)
	UpdateBankAccount(ctx context.Context, rctx *model.RequestContext, bankAccountID string, verified bool) error
	PatchIdentity(ctx context.Context, rctx *model.RequestContext, identityID string, verified bool) error
	CreateRiskAssessment(ctx context.Context, rctx *model.RequestContext, ra model.RiskAssessment) (string, error)
	UpdateRiskAssessment(ctx context.Context, rctx *model.RequestContext, id string, ra model.RiskAssessment) (string, error)
	AdvanceOnboarding(ctx context.Context, rctx *model.RequestContext, userID string, adv model.OnboardingAdvance) error
}

// SubmitRequest is everything a step needs to plan a submission.
type SubmitRequest struct {
	CustomerID string
	// Customer is the record on file, fetched for this submission.
	Customer *model.Customer
	// Values are the step's complete values after the submission is merged.
	Values wizard.Values
	// Previous is the step's stored state before the submission.
	Previous   wizard.StepState
	NotifyUser bool
}

// Outcome is the result of a step's business check.
type Outcome struct {
	Completed bool
	Meta      wizard.StepMeta
}

// Effect is one external call of a submission. Effects read and write the
// outcome's meta so a later effect can use an id created by an earlier one.
type Effect struct {
	Name string
	Run  func(ctx context.Context, api Lending, rctx *model.RequestContext, meta *wizard.StepMeta) error
}

// Step is the contract every wizard step implements. Validate and Plan are
// pure; all I/O happens when the planned effects are run.
type Step interface {
	Definition() wizard.Definition
	Validate(values wizard.Values) []model.FieldError
	Plan(req SubmitRequest) (Outcome, []Effect, error)
}

// advanceEffect posts the server-side onboarding advance for a step.
func advanceEffect(customerID, slug string, notify bool, build func(meta wizard.StepMeta, adv *model.OnboardingAdvance)) Effect {
	return Effect{
		Name: "advanceOnboarding",
		Run: func(ctx context.Context, api Lending, rctx *model.RequestContext, meta *wizard.StepMeta) error {
			adv := model.OnboardingAdvance{Step: slug, NotifyUser: notify}
			if build != nil {
				build(*meta, &adv)
			}
			return api.AdvanceOnboarding(ctx, rctx, customerID, adv)
		},
	}
}

// DefaultSteps returns the production step set keyed by id.
func DefaultSteps() map[wizard.StepID]Step {
	return map[wizard.StepID]Step{
		wizard.StepBankVerification: BankStep{},
		wizard.StepRiskAssessment:   RiskStep{},
		wizard.StepIdentification:   NewIdentityStep(nil),
	}
}
