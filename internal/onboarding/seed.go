package onboarding

import (
	"fmt"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// Seed builds the initial wizard state for a customer, pre-filling steps
// from the records already on file. A verified bank account or identity
// pre-fills and completes its step.
func Seed(cust *model.Customer) (wizard.State, error) {
	state := wizard.NewState()
	if cust == nil {
		return state, nil
	}

	var actions []wizard.Action
	if ba := cust.BankAccount; ba != nil {
		actions = append(actions, wizard.SetStepMeta{
			Step: wizard.StepBankVerification,
			Meta: wizard.StepMeta{BankAccountID: ba.ID},
		})
		// An unverified account on file is what the staff member checks the
		// customer's answers against, so it is not pre-filled.
		if ba.Verified {
			actions = append(actions,
				wizard.SetValues{Step: wizard.StepBankVerification, Values: wizard.Values{
					wizard.FieldBankDetailsAvailable: true,
					wizard.FieldAccountBsb:           ba.Bsb,
					wizard.FieldAccountNumber:        ba.AccountNumber,
				}},
				wizard.SetCompleted{Step: wizard.StepBankVerification, Completed: true},
			)
		}
	}

	if inc := cust.Income; inc != nil {
		actions = append(actions, wizard.SetValues{Step: wizard.StepRiskAssessment, Values: wizard.Values{
			wizard.FieldIncome:   inc.Income,
			wizard.FieldExpenses: inc.Expenses,
		}})
	}
	if ob := cust.Onboarding; ob != nil && ob.RiskAssessmentID != "" {
		actions = append(actions, wizard.SetStepMeta{
			Step: wizard.StepRiskAssessment,
			Meta: wizard.StepMeta{RiskAssessmentID: ob.RiskAssessmentID},
		})
	}

	if id := cust.Identity; id != nil {
		vals := wizard.Values{}
		setIfPresent(vals, wizard.FieldDocumentType, id.DocumentType)
		setIfPresent(vals, wizard.FieldDocumentNumber, id.DocumentNumber)
		setIfPresent(vals, wizard.FieldDocumentExpiry, id.DocumentExpiry)
		setIfPresent(vals, wizard.FieldDateOfBirth, id.DateOfBirth)
		if id.Verified {
			vals[wizard.FieldIdentityVerified] = true
		}
		actions = append(actions,
			wizard.SetValues{Step: wizard.StepIdentification, Values: vals},
			wizard.SetStepMeta{Step: wizard.StepIdentification, Meta: wizard.StepMeta{IdentityID: id.ID}},
		)
		if id.Verified {
			actions = append(actions, wizard.SetCompleted{Step: wizard.StepIdentification, Completed: true})
		}
	}

	for _, a := range actions {
		next, err := wizard.Reduce(state, a)
		if err != nil {
			return wizard.State{}, fmt.Errorf("onboarding: seed %s: %w", cust.ID, err)
		}
		state = next
	}
	return state, nil
}

func setIfPresent(vals wizard.Values, key, v string) {
	if v != "" {
		vals[key] = v
	}
}
