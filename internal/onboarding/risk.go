package onboarding

import (
	"context"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

var riskSchema = fieldSchema(map[string]*openapi3.Schema{
	wizard.FieldIncome:         openapi3.NewFloat64Schema().WithMin(0),
	wizard.FieldExpenses:       openapi3.NewFloat64Schema().WithMin(0),
	wizard.FieldApproved:       openapi3.NewBoolSchema(),
	wizard.FieldApprovedAmount: openapi3.NewFloat64Schema().WithMin(0),
	wizard.FieldRejectedReasons: openapi3.NewArraySchema().
		WithItems(openapi3.NewStringSchema().WithEnum(optionValues(wizard.RejectionReasons)...)),
})

// RiskStep records the staff member's risk assessment of the customer.
type RiskStep struct{}

// Definition returns the risk assessment step.
func (RiskStep) Definition() wizard.Definition {
	def, _ := wizard.Lookup(wizard.StepRiskAssessment)
	return def
}

// Validate requires income, expenses and an approved amount for approvals,
// and at least one reason for declines. A decline does not need income or
// expenses on file.
func (s RiskStep) Validate(values wizard.Values) []model.FieldError {
	def := s.Definition()
	fe := newFieldErrors(def)
	fe.add(schemaErrors(riskSchema, def, values)...)

	fe.required(values, wizard.FieldApproved)
	approved, ok := values.Bool(wizard.FieldApproved)
	switch {
	case !ok:
		fe.required(values, wizard.FieldIncome, wizard.FieldExpenses)
	case approved:
		fe.required(values, wizard.FieldIncome, wizard.FieldExpenses, wizard.FieldApprovedAmount)
	default:
		fe.required(values, wizard.FieldRejectedReasons)
	}
	return fe.list()
}

// Plan creates the risk assessment, or updates the one created by an earlier
// submission, then advances onboarding with its id.
func (RiskStep) Plan(req SubmitRequest) (Outcome, []Effect, error) {
	approved, _ := req.Values.Bool(wizard.FieldApproved)

	ra := model.RiskAssessment{
		UserID:   req.CustomerID,
		Approved: approved,
	}
	if income, ok := req.Values.Number(wizard.FieldIncome); ok {
		ra.Income = &income
	}
	if expenses, ok := req.Values.Number(wizard.FieldExpenses); ok {
		ra.Expenses = &expenses
	}
	if approved {
		if amount, ok := req.Values.Number(wizard.FieldApprovedAmount); ok {
			ra.ApprovedAmount = &amount
		}
	} else {
		ra.RejectedReasons = slices.Clone(req.Values.Strings(wizard.FieldRejectedReasons))
	}

	out := Outcome{
		Completed: approved,
		Meta:      wizard.StepMeta{RiskAssessmentID: req.Previous.Meta.RiskAssessmentID},
	}
	effects := []Effect{
		{
			Name: "saveRiskAssessment",
			Run: func(ctx context.Context, api Lending, rctx *model.RequestContext, meta *wizard.StepMeta) error {
				if meta.RiskAssessmentID != "" {
					id, err := api.UpdateRiskAssessment(ctx, rctx, meta.RiskAssessmentID, ra)
					if err != nil {
						return err
					}
					meta.RiskAssessmentID = id
					return nil
				}
				id, err := api.CreateRiskAssessment(ctx, rctx, ra)
				if err != nil {
					return err
				}
				meta.RiskAssessmentID = id
				return nil
			},
		},
		advanceEffect(req.CustomerID, RiskStep{}.Definition().Slug, req.NotifyUser,
			func(meta wizard.StepMeta, adv *model.OnboardingAdvance) {
				adv.RiskAssessmentID = meta.RiskAssessmentID
			}),
	}
	return out, effects, nil
}
