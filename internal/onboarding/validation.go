package onboarding

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/backoffice/internal/openapi"
	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// DateLayout is the wire format of date fields.
const DateLayout = "2006-01-02"

var (
	bsbPattern           = regexp.MustCompile(`^\d{6}$`)
	accountNumberPattern = regexp.MustCompile(`^\d{6,10}$`)
)

// fieldSchema builds an object schema whose properties are all nullable, so
// that unset fields pass and only shape and range are checked here. Presence
// rules depend on other fields and are checked in Go.
func fieldSchema(props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for name, p := range props {
		p.Nullable = true
		s.WithProperty(name, p)
	}
	return s
}

// schemaErrors validates values against a step schema.
func schemaErrors(schema *openapi3.Schema, def wizard.Definition, values wizard.Values) []model.FieldError {
	verrs := openapi.ValidateValue(schema, map[string]any(values))
	out := make([]model.FieldError, 0, len(verrs))
	for _, v := range verrs {
		// Errors inside a list are reported against the list field.
		field, _, _ := strings.Cut(v.Field, ".")
		label := field
		if f, ok := def.Field(field); ok {
			label = f.Label
		}
		out = append(out, model.FieldError{
			Field:   field,
			Code:    model.FieldInvalid,
			Message: fmt.Sprintf("%s: %s", label, v.Message),
		})
	}
	return out
}

// fieldErrors accumulates per-field validation errors, keeping the first
// error reported for each field.
type fieldErrors struct {
	def  wizard.Definition
	errs map[string]model.FieldError
}

func newFieldErrors(def wizard.Definition) *fieldErrors {
	return &fieldErrors{def: def, errs: make(map[string]model.FieldError)}
}

func (f *fieldErrors) add(errs ...model.FieldError) {
	for _, e := range errs {
		if _, seen := f.errs[e.Field]; !seen {
			f.errs[e.Field] = e
		}
	}
}

func (f *fieldErrors) label(key string) string {
	if fd, ok := f.def.Field(key); ok {
		return fd.Label
	}
	return key
}

func (f *fieldErrors) required(values wizard.Values, keys ...string) {
	for _, key := range keys {
		if isBlank(values[key]) {
			f.add(model.FieldError{
				Field:   key,
				Code:    model.FieldRequired,
				Message: f.label(key) + " is required",
			})
		}
	}
}

func (f *fieldErrors) invalid(key, msg string) {
	f.add(model.FieldError{Field: key, Code: model.FieldInvalid, Message: f.label(key) + " " + msg})
}

func (f *fieldErrors) has(key string) bool {
	_, ok := f.errs[key]
	return ok
}

func (f *fieldErrors) list() []model.FieldError {
	if len(f.errs) == 0 {
		return nil
	}
	out := make([]model.FieldError, 0, len(f.errs))
	for _, e := range f.errs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	}
	return false
}

func parseDate(v string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, v)
	return t, err == nil
}

func optionValues(opts []wizard.Option) []any {
	out := make([]any, len(opts))
	for i, o := range opts {
		out[i] = o.Value
	}
	return out
}
