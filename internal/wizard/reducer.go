package wizard

import "fmt"

// State is the complete wizard state for one session.
type State struct {
	Steps      Store     `json:"steps"`
	Navigation Navigator `json:"navigation"`
}

// NewState returns the state of a freshly mounted wizard.
func NewState() State {
	return State{Steps: NewStore(), Navigation: NewNavigator()}
}

// Action is a wizard state transition. The set of actions is closed.
type Action interface {
	action()
}

// SetValues merges Values into a step, or sets the single Field to Value
// when Field is non-empty.
type SetValues struct {
	Step   StepID
	Values Values
	Field  string
	Value  any
}

// SetCompleted records a step's business check outcome.
type SetCompleted struct {
	Step      StepID
	Completed bool
}

// SetStepMeta merges correlation ids into a step.
type SetStepMeta struct {
	Step StepID
	Meta StepMeta
}

// Advance moves forward one step, or to the Summary.
type Advance struct {
	GoToSummary bool
}

// Retreat moves back using the single previous pointer.
type Retreat struct{}

// ApplyOutcome applies the result of one step submission as a single
// transition: values, completion, metadata, then navigation. A nil
// Completed leaves the flag untouched.
type ApplyOutcome struct {
	Step        StepID
	Values      Values
	Completed   *bool
	Meta        StepMeta
	GoToSummary bool
}

func (SetValues) action()    {}
func (SetCompleted) action() {}
func (SetStepMeta) action()  {}
func (Advance) action()      {}
func (Retreat) action()      {}
func (ApplyOutcome) action() {}

// Reduce applies an action to a state and returns the new state. The input
// state is never modified; on error it is returned unchanged.
func Reduce(s State, a Action) (State, error) {
	var (
		steps Store
		err   error
	)
	switch act := a.(type) {
	case SetValues:
		if act.Field != "" {
			steps, err = s.Steps.SetField(act.Step, act.Field, act.Value)
		} else {
			steps, err = s.Steps.SetValues(act.Step, act.Values)
		}
		if err != nil {
			return s, err
		}
		return State{Steps: steps, Navigation: s.Navigation}, nil

	case SetCompleted:
		if steps, err = s.Steps.SetCompleted(act.Step, act.Completed); err != nil {
			return s, err
		}
		return State{Steps: steps, Navigation: s.Navigation}, nil

	case SetStepMeta:
		if steps, err = s.Steps.SetStepMeta(act.Step, act.Meta); err != nil {
			return s, err
		}
		return State{Steps: steps, Navigation: s.Navigation}, nil

	case Advance:
		return State{Steps: s.Steps, Navigation: s.Navigation.Advance(act.GoToSummary)}, nil

	case Retreat:
		return State{Steps: s.Steps, Navigation: s.Navigation.Retreat()}, nil

	case ApplyOutcome:
		if steps, err = s.Steps.SetValues(act.Step, act.Values); err != nil {
			return s, err
		}
		if act.Completed != nil {
			if steps, err = steps.SetCompleted(act.Step, *act.Completed); err != nil {
				return s, err
			}
		}
		if steps, err = steps.SetStepMeta(act.Step, act.Meta); err != nil {
			return s, err
		}
		return State{Steps: steps, Navigation: s.Navigation.Advance(act.GoToSummary)}, nil
	}
	return s, fmt.Errorf("wizard: unsupported action %T", a)
}
