package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

func TestSeed_nilCustomer(t *testing.T) {
	state, err := Seed(nil)
	require.NoError(t, err)
	assert.Equal(t, wizard.NewState(), state)
}

func TestSeed_unverifiedRecords(t *testing.T) {
	cust := testCustomer()
	state, err := Seed(&cust)
	require.NoError(t, err)

	assert.Equal(t, wizard.StepBankVerification, state.Navigation.Component())

	bank, _ := state.Steps.Step(wizard.StepBankVerification)
	assert.Nil(t, bank.Completed)
	assert.Nil(t, bank.Values[wizard.FieldBankDetailsAvailable])
	assert.Equal(t, "ba-1", bank.Meta.BankAccountID)

	risk, _ := state.Steps.Step(wizard.StepRiskAssessment)
	assert.Equal(t, 5200.0, risk.Values[wizard.FieldIncome])
	assert.Equal(t, 2100.0, risk.Values[wizard.FieldExpenses])
	assert.Nil(t, risk.Completed)

	ident, _ := state.Steps.Step(wizard.StepIdentification)
	assert.Nil(t, ident.Completed)
	assert.Nil(t, ident.Values[wizard.FieldIdentityVerified])
	assert.Equal(t, "id-1", ident.Meta.IdentityID)
}

func TestSeed_verifiedRecords(t *testing.T) {
	cust := testCustomer()
	cust.BankAccount.Verified = true
	cust.Identity = &model.Identity{
		ID:             "id-2",
		DocumentType:   "passport",
		DocumentNumber: "PA1234567",
		DocumentExpiry: "2030-01-01",
		DateOfBirth:    "1990-05-01",
		Verified:       true,
	}
	cust.Onboarding = &model.Onboarding{Step: "risk-assessment", RiskAssessmentID: "ra-3"}

	state, err := Seed(&cust)
	require.NoError(t, err)

	bank, _ := state.Steps.Step(wizard.StepBankVerification)
	require.NotNil(t, bank.Completed)
	assert.True(t, *bank.Completed)
	assert.Equal(t, "123456", bank.Values[wizard.FieldAccountBsb])
	assert.Equal(t, "7654321", bank.Values[wizard.FieldAccountNumber])

	risk, _ := state.Steps.Step(wizard.StepRiskAssessment)
	assert.Equal(t, "ra-3", risk.Meta.RiskAssessmentID)

	ident, _ := state.Steps.Step(wizard.StepIdentification)
	require.NotNil(t, ident.Completed)
	assert.True(t, *ident.Completed)
	assert.Equal(t, true, ident.Values[wizard.FieldIdentityVerified])
	assert.Equal(t, "passport", ident.Values[wizard.FieldDocumentType])
	assert.Equal(t, "id-2", ident.Meta.IdentityID)

	// Seeding never moves the wizard off the first step.
	assert.Equal(t, wizard.NewNavigator(), state.Navigation)
}
