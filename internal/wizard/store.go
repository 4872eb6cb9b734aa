package wizard

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownStep is returned for a step id outside the step table.
	ErrUnknownStep = errors.New("wizard: unknown step")
	// ErrUnknownField is returned when a value is not declared by the step.
	ErrUnknownField = errors.New("wizard: unknown field")
)

// StepMeta holds external resource ids created or discovered while
// submitting a step, so a resubmission updates rather than recreates them.
type StepMeta struct {
	BankAccountID    string `json:"bank_account_id,omitempty"`
	RiskAssessmentID string `json:"risk_assessment_id,omitempty"`
	IdentityID       string `json:"identity_id,omitempty"`
}

func (m StepMeta) merge(o StepMeta) StepMeta {
	if o.BankAccountID != "" {
		m.BankAccountID = o.BankAccountID
	}
	if o.RiskAssessmentID != "" {
		m.RiskAssessmentID = o.RiskAssessmentID
	}
	if o.IdentityID != "" {
		m.IdentityID = o.IdentityID
	}
	return m
}

// StepState is the stored state of one step.
type StepState struct {
	Values Values `json:"values"`
	// Completed is nil until the step has been submitted, then the outcome
	// of its business check.
	Completed *bool    `json:"completed"`
	Meta      StepMeta `json:"meta"`
}

// Attempted reports whether the step has been submitted at least once.
func (s StepState) Attempted() bool {
	return s.Completed != nil
}

// Passed reports whether the step's business check passed.
func (s StepState) Passed() bool {
	return s.Completed != nil && *s.Completed
}

func (s StepState) clone() StepState {
	out := StepState{Values: s.Values.Clone(), Meta: s.Meta}
	if s.Completed != nil {
		c := *s.Completed
		out.Completed = &c
	}
	return out
}

// Store holds the state of every defined step. All operations return a new
// Store and leave the receiver untouched.
type Store map[StepID]StepState

// NewStore returns a store with every step at its initial values.
func NewStore() Store {
	st := make(Store, len(definitions))
	for _, d := range definitions {
		st[d.ID] = StepState{Values: d.InitialValues()}
	}
	return st
}

// Step returns the state of a step.
func (s Store) Step(id StepID) (StepState, bool) {
	st, ok := s[id]
	return st, ok
}

// with copies the store, giving the named step a private copy of its state.
func (s Store) with(id StepID, fn func(*StepState) error) (Store, error) {
	def, ok := Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, int(id))
	}

	out := make(Store, len(s))
	for k, v := range s {
		out[k] = v
	}

	st, ok := s[id]
	if ok {
		st = st.clone()
	} else {
		st = StepState{Values: def.InitialValues()}
	}
	if err := fn(&st); err != nil {
		return nil, err
	}
	out[id] = st
	return out, nil
}

// SetValues merges values into the step's values. Keys absent from values
// keep their current value.
func (s Store) SetValues(id StepID, values Values) (Store, error) {
	def, ok := Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, int(id))
	}
	for key := range values {
		if _, ok := def.Field(key); !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownField, key, id)
		}
	}
	return s.with(id, func(st *StepState) error {
		for k, v := range values {
			st.Values[k] = cloneValue(v)
		}
		return nil
	})
}

// SetField sets exactly one field of the step's values.
func (s Store) SetField(id StepID, key string, value any) (Store, error) {
	return s.SetValues(id, Values{key: value})
}

// SetCompleted records the outcome of the step's business check.
func (s Store) SetCompleted(id StepID, completed bool) (Store, error) {
	return s.with(id, func(st *StepState) error {
		st.Completed = &completed
		return nil
	})
}

// SetStepMeta merges the non-empty ids of meta into the step's metadata.
func (s Store) SetStepMeta(id StepID, meta StepMeta) (Store, error) {
	return s.with(id, func(st *StepState) error {
		st.Meta = st.Meta.merge(meta)
		return nil
	})
}

// UnmarshalJSON decodes a stored Store and restores value shapes, since a
// JSON round trip turns string lists into []any.
func (s *Store) UnmarshalJSON(data []byte) error {
	var raw map[StepID]struct {
		Values    map[string]any `json:"values"`
		Completed *bool          `json:"completed"`
		Meta      StepMeta       `json:"meta"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Store, len(raw))
	for id, r := range raw {
		def, ok := Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownStep, int(id))
		}
		vals, errs := Normalize(def, r.Values)
		if len(errs) > 0 {
			return fmt.Errorf("wizard: stored values for %s: %s", id, errs[0].Message)
		}
		full := def.InitialValues()
		for k, v := range vals {
			full[k] = v
		}
		out[id] = StepState{Values: full, Completed: r.Completed, Meta: r.Meta}
	}
	*s = out
	return nil
}
