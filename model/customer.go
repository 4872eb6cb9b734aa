package model

// Customer is the lending API's view of a customer, as returned by
// GET /users/:id. Only the fields the onboarding wizard reads are mapped.
type Customer struct {
	ID          string       `json:"id"`
	FirstName   string       `json:"firstName"`
	LastName    string       `json:"lastName"`
	Email       string       `json:"email"`
	BankAccount *BankAccount `json:"bankAccount,omitempty"`
	Identity    *Identity    `json:"identity,omitempty"`
	Income      *Income      `json:"income,omitempty"`
	Onboarding  *Onboarding  `json:"onboarding,omitempty"`
}

// BankAccount is the bank account on file for a customer.
type BankAccount struct {
	ID            string `json:"id"`
	Bsb           string `json:"bsb"`
	AccountNumber string `json:"accountNumber"`
	Verified      bool   `json:"verified"`
}

// Identity is the customer's identity record.
type Identity struct {
	ID             string `json:"id"`
	DocumentType   string `json:"documentType,omitempty"`
	DocumentNumber string `json:"documentNumber,omitempty"`
	DocumentExpiry string `json:"documentExpiry,omitempty"`
	DateOfBirth    string `json:"dateOfBirth,omitempty"`
	Verified       bool   `json:"verified"`
}

// Income is the customer's declared income and expenses.
type Income struct {
	Income   float64 `json:"income"`
	Expenses float64 `json:"expenses"`
}

// Onboarding is the server-side onboarding state for a customer.
type Onboarding struct {
	Step             string `json:"step,omitempty"`
	RiskAssessmentID string `json:"riskAssessmentId,omitempty"`
}

// RiskAssessment is the body of POST /risk-assessments and
// PATCH /risk-assessments/:id.
type RiskAssessment struct {
	UserID          string   `json:"userId"`
	Income          *float64 `json:"income,omitempty"`
	Expenses        *float64 `json:"expenses,omitempty"`
	Approved        bool     `json:"approved"`
	ApprovedAmount  *float64 `json:"approvedAmount,omitempty"`
	RejectedReasons []string `json:"rejectedReasons,omitempty"`
	UpdatedBy       string   `json:"updatedBy"`
}

// OnboardingAdvance is the body of POST /onboarding/:userId.
type OnboardingAdvance struct {
	Step             string `json:"step"`
	NotifyUser       bool   `json:"notifyUser,omitempty"`
	Approved         *bool  `json:"approved,omitempty"`
	UpdatedBy        string `json:"updatedBy"`
	RiskAssessmentID string `json:"riskAssessmentId,omitempty"`
	BankAccountID    string `json:"bankAccountId,omitempty"`
}

// OnboardingStepComplete is the step name for the terminal completion call.
const OnboardingStepComplete = "complete"
