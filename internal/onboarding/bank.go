package onboarding

import (
	"context"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

var bankSchema = fieldSchema(map[string]*openapi3.Schema{
	wizard.FieldBankDetailsAvailable: openapi3.NewBoolSchema(),
	wizard.FieldAccountBsb:           openapi3.NewStringSchema(),
	wizard.FieldAccountNumber:        openapi3.NewStringSchema(),
})

// BankStep verifies the bank account the customer gave against the one on
// file.
type BankStep struct{}

// Definition returns the bank verification step.
func (BankStep) Definition() wizard.Definition {
	def, _ := wizard.Lookup(wizard.StepBankVerification)
	return def
}

// Validate checks that bank details are present and well formed whenever
// the customer says they are available.
func (s BankStep) Validate(values wizard.Values) []model.FieldError {
	def := s.Definition()
	fe := newFieldErrors(def)
	fe.add(schemaErrors(bankSchema, def, values)...)

	fe.required(values, wizard.FieldBankDetailsAvailable)
	if available, _ := values.Bool(wizard.FieldBankDetailsAvailable); !available {
		return fe.list()
	}

	fe.required(values, wizard.FieldAccountBsb, wizard.FieldAccountNumber)
	if bsb := values.String(wizard.FieldAccountBsb); bsb != "" && !bsbPattern.MatchString(bsb) {
		fe.invalid(wizard.FieldAccountBsb, "must be 6 digits")
	}
	if acct := values.String(wizard.FieldAccountNumber); acct != "" && !accountNumberPattern.MatchString(acct) {
		fe.invalid(wizard.FieldAccountNumber, "must be 6 to 10 digits")
	}
	return fe.list()
}

// Plan marks the account verified only when the entered BSB and account
// number both match the account on file.
func (BankStep) Plan(req SubmitRequest) (Outcome, []Effect, error) {
	available, _ := req.Values.Bool(wizard.FieldBankDetailsAvailable)

	var onFile *model.BankAccount
	if req.Customer != nil {
		onFile = req.Customer.BankAccount
	}

	verified := available && onFile != nil &&
		req.Values.String(wizard.FieldAccountBsb) == onFile.Bsb &&
		req.Values.String(wizard.FieldAccountNumber) == onFile.AccountNumber

	out := Outcome{Completed: verified}
	var effects []Effect
	if onFile != nil && onFile.ID != "" {
		id := onFile.ID
		out.Meta.BankAccountID = id
		effects = append(effects, Effect{
			Name: "updateBankAccount",
			Run: func(ctx context.Context, api Lending, rctx *model.RequestContext, _ *wizard.StepMeta) error {
				return api.UpdateBankAccount(ctx, rctx, id, verified)
			},
		})
	}
	effects = append(effects, advanceEffect(req.CustomerID, BankStep{}.Definition().Slug, req.NotifyUser,
		func(meta wizard.StepMeta, adv *model.OnboardingAdvance) {
			adv.BankAccountID = meta.BankAccountID
		}))
	return out, effects, nil
}
