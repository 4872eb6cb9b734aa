// Package wizard holds the onboarding wizard's pure state model: the static
// step table, the per-step value store, the navigation pointers, and the
// reducer that combines them. Nothing here performs I/O.
package wizard

import (
	"fmt"
	"slices"
	"strconv"
)

// StepID identifies a wizard step. The set is closed: the three onboarding
// steps in linear order followed by the Summary pseudo-step.
type StepID int

const (
	StepBankVerification StepID = iota + 1
	StepRiskAssessment
	StepIdentification
	StepSummary
)

// SummaryIndex is one past the last defined step.
const SummaryIndex = StepSummary

var stepNames = map[StepID]string{
	StepBankVerification: "bank-verification",
	StepRiskAssessment:   "risk-assessment",
	StepIdentification:   "identification",
	StepSummary:          "summary",
}

// String returns the step's URL name.
func (s StepID) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "step-" + strconv.Itoa(int(s))
}

// IsSummary reports whether s resolves to the Summary view.
func (s StepID) IsSummary() bool {
	return s >= SummaryIndex
}

// Defined reports whether s is one of the data-carrying steps.
func (s StepID) Defined() bool {
	return s >= StepBankVerification && s < SummaryIndex
}

// ParseStepID accepts a step's URL name or its 1-based index.
func ParseStepID(v string) (StepID, error) {
	for id, name := range stepNames {
		if name == v {
			return id, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err == nil && n >= int(StepBankVerification) && n <= int(SummaryIndex) {
		return StepID(n), nil
	}
	return 0, fmt.Errorf("wizard: unknown step %q", v)
}

// FieldKind is the value shape of a step field.
type FieldKind string

const (
	KindBool       FieldKind = "bool"
	KindString     FieldKind = "string"
	KindNumber     FieldKind = "number"
	KindStringList FieldKind = "string_list"
	KindDate       FieldKind = "date"
)

// Option is a label/value pair for choice fields.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes one value-field of a step.
type Field struct {
	Key     string    `json:"key"`
	Label   string    `json:"label"`
	Kind    FieldKind `json:"kind"`
	Options []Option  `json:"options,omitempty"`
	Initial any       `json:"initial,omitempty"`
}

// Definition is the static description of a step.
type Definition struct {
	ID     StepID  `json:"id"`
	Name   string  `json:"name"`
	Slug   string  `json:"slug"`
	Fields []Field `json:"fields"`
}

// Labels maps each field key to its human-readable label.
func (d Definition) Labels() map[string]string {
	labels := make(map[string]string, len(d.Fields))
	for _, f := range d.Fields {
		labels[f.Key] = f.Label
	}
	return labels
}

// InitialValues returns a fresh copy of the step's initial values. Its key
// set is the step's field set.
func (d Definition) InitialValues() Values {
	vals := make(Values, len(d.Fields))
	for _, f := range d.Fields {
		vals[f.Key] = cloneValue(f.Initial)
	}
	return vals
}

// Field returns the field with the given key.
func (d Definition) Field(key string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Field keys.
const (
	FieldBankDetailsAvailable = "bankDetailsAvailable"
	FieldAccountBsb           = "accountBsb"
	FieldAccountNumber        = "accountNumber"

	FieldIncome          = "income"
	FieldExpenses        = "expenses"
	FieldApproved        = "approved"
	FieldApprovedAmount  = "approvedAmount"
	FieldRejectedReasons = "rejectedReasons"

	FieldIdentityVerified = "identityVerified"
	FieldDocumentType     = "documentType"
	FieldDocumentNumber   = "documentNumber"
	FieldDocumentExpiry   = "documentExpiry"
	FieldDateOfBirth      = "dateOfBirth"
)

// RejectionReasons are the decline codes accepted by the risk assessment.
var RejectionReasons = []Option{
	{Value: "I1", Label: "Insufficient income"},
	{Value: "I2", Label: "Irregular income"},
	{Value: "E1", Label: "Expenses exceed income"},
	{Value: "C1", Label: "Adverse credit history"},
	{Value: "O1", Label: "Other"},
}

// DocumentTypes are the identity documents accepted for identification.
var DocumentTypes = []Option{
	{Value: "passport", Label: "Passport"},
	{Value: "drivers_licence", Label: "Driver's licence"},
	{Value: "medicare", Label: "Medicare card"},
}

var definitions = []Definition{
	{
		ID:   StepBankVerification,
		Name: "Bank verification",
		Slug: "bank-account",
		Fields: []Field{
			{Key: FieldBankDetailsAvailable, Label: "Bank details available", Kind: KindBool},
			{Key: FieldAccountBsb, Label: "BSB", Kind: KindString},
			{Key: FieldAccountNumber, Label: "Account number", Kind: KindString},
		},
	},
	{
		ID:   StepRiskAssessment,
		Name: "Risk assessment",
		Slug: "risk-assessment",
		Fields: []Field{
			{Key: FieldIncome, Label: "Monthly income", Kind: KindNumber},
			{Key: FieldExpenses, Label: "Monthly expenses", Kind: KindNumber},
			{Key: FieldApproved, Label: "Approved", Kind: KindBool},
			{Key: FieldApprovedAmount, Label: "Approved amount", Kind: KindNumber},
			{Key: FieldRejectedReasons, Label: "Rejected reasons", Kind: KindStringList, Options: RejectionReasons},
		},
	},
	{
		ID:   StepIdentification,
		Name: "Identification",
		Slug: "identity",
		Fields: []Field{
			{Key: FieldIdentityVerified, Label: "Identity verified", Kind: KindBool},
			{Key: FieldDocumentType, Label: "Document type", Kind: KindString, Options: DocumentTypes},
			{Key: FieldDocumentNumber, Label: "Document number", Kind: KindString},
			{Key: FieldDocumentExpiry, Label: "Document expiry", Kind: KindDate},
			{Key: FieldDateOfBirth, Label: "Date of birth", Kind: KindDate},
		},
	},
}

// Definitions returns a copy of the step table in linear order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	for i, d := range definitions {
		out[i] = d.clone()
	}
	return out
}

// Lookup returns a copy of the definition for a data-carrying step.
func Lookup(id StepID) (Definition, bool) {
	if !id.Defined() {
		return Definition{}, false
	}
	return definitions[int(id)-1].clone(), true
}

// clone copies the field and option lists so callers cannot alter the table.
func (d Definition) clone() Definition {
	fields := make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		f.Options = slices.Clone(f.Options)
		f.Initial = cloneValue(f.Initial)
		fields[i] = f
	}
	d.Fields = fields
	return d
}

// Steps returns the data-carrying step ids in linear order.
func Steps() []StepID {
	ids := make([]StepID, len(definitions))
	for i, d := range definitions {
		ids[i] = d.ID
	}
	return ids
}
