package onboarding

import (
	"context"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

var identitySchema = fieldSchema(map[string]*openapi3.Schema{
	wizard.FieldIdentityVerified: openapi3.NewBoolSchema(),
	wizard.FieldDocumentType: openapi3.NewStringSchema().
		WithEnum(optionValues(wizard.DocumentTypes)...),
	wizard.FieldDocumentNumber: openapi3.NewStringSchema().WithMaxLength(32),
	wizard.FieldDocumentExpiry: openapi3.NewStringSchema(),
	wizard.FieldDateOfBirth:    openapi3.NewStringSchema(),
})

// IdentityStep records whether the customer's identity document was
// verified.
type IdentityStep struct {
	now func() time.Time
}

// NewIdentityStep creates the identification step. now defaults to
// time.Now.
func NewIdentityStep(now func() time.Time) IdentityStep {
	if now == nil {
		now = time.Now
	}
	return IdentityStep{now: now}
}

// Definition returns the identification step.
func (IdentityStep) Definition() wizard.Definition {
	def, _ := wizard.Lookup(wizard.StepIdentification)
	return def
}

// Validate requires full document details for a verified identity: a date
// of birth in the past and an expiry in the future.
func (s IdentityStep) Validate(values wizard.Values) []model.FieldError {
	def := s.Definition()
	fe := newFieldErrors(def)
	fe.add(schemaErrors(identitySchema, def, values)...)

	fe.required(values, wizard.FieldIdentityVerified)
	if verified, _ := values.Bool(wizard.FieldIdentityVerified); !verified {
		return fe.list()
	}

	fe.required(values,
		wizard.FieldDocumentType,
		wizard.FieldDocumentNumber,
		wizard.FieldDocumentExpiry,
		wizard.FieldDateOfBirth,
	)

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	today := now().UTC().Truncate(24 * time.Hour)

	if v := values.String(wizard.FieldDateOfBirth); v != "" && !fe.has(wizard.FieldDateOfBirth) {
		if dob, ok := parseDate(v); !ok {
			fe.invalid(wizard.FieldDateOfBirth, "must be a date (YYYY-MM-DD)")
		} else if !dob.Before(today) {
			fe.invalid(wizard.FieldDateOfBirth, "must be in the past")
		}
	}
	if v := values.String(wizard.FieldDocumentExpiry); v != "" && !fe.has(wizard.FieldDocumentExpiry) {
		if exp, ok := parseDate(v); !ok {
			fe.invalid(wizard.FieldDocumentExpiry, "must be a date (YYYY-MM-DD)")
		} else if !exp.After(today) {
			fe.invalid(wizard.FieldDocumentExpiry, "must be in the future")
		}
	}
	return fe.list()
}

// Plan records the verification decision on the identity on file, then
// advances onboarding.
func (IdentityStep) Plan(req SubmitRequest) (Outcome, []Effect, error) {
	verified, _ := req.Values.Bool(wizard.FieldIdentityVerified)

	id := req.Previous.Meta.IdentityID
	if req.Customer != nil && req.Customer.Identity != nil && req.Customer.Identity.ID != "" {
		id = req.Customer.Identity.ID
	}

	out := Outcome{Completed: verified, Meta: wizard.StepMeta{IdentityID: id}}
	var effects []Effect
	if id != "" {
		effects = append(effects, Effect{
			Name: "patchIdentity",
			Run: func(ctx context.Context, api Lending, rctx *model.RequestContext, _ *wizard.StepMeta) error {
				return api.PatchIdentity(ctx, rctx, id, verified)
			},
		})
	}
	effects = append(effects, advanceEffect(req.CustomerID, IdentityStep{}.Definition().Slug, req.NotifyUser, nil))
	return out, effects, nil
}
