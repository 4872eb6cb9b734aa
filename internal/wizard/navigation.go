package wizard

// Navigator holds the wizard's step pointers. Only one previous step is
// remembered, and it can be used once: after a retreat, further retreats are
// no-ops until the next advance.
type Navigator struct {
	Current  StepID `json:"current"`
	Previous StepID `json:"previous"`
	// HopUsed is set once the previous pointer has been consumed.
	HopUsed bool `json:"hop_used"`
}

// NewNavigator returns a navigator on the first step.
func NewNavigator() Navigator {
	return Navigator{Current: StepBankVerification, Previous: StepBankVerification}
}

// Advance moves to the next step, or straight to the Summary when
// goToSummary is set. The step being left becomes the previous step.
func (n Navigator) Advance(goToSummary bool) Navigator {
	next := n.Current + 1
	if goToSummary || next > SummaryIndex {
		next = SummaryIndex
	}
	return Navigator{Current: next, Previous: n.Current}
}

// Retreat returns to the previous step. Without a usable previous pointer it
// steps back linearly, never below the first step.
func (n Navigator) Retreat() Navigator {
	if n.HopUsed {
		return n
	}
	if n.Previous != n.Current {
		return Navigator{Current: n.Previous, Previous: n.Previous, HopUsed: true}
	}
	if n.Current > StepBankVerification {
		return Navigator{Current: n.Current - 1, Previous: n.Previous, HopUsed: true}
	}
	return n
}

// Component resolves the current pointer to the step to render.
func (n Navigator) Component() StepID {
	if n.Current.IsSummary() {
		return StepSummary
	}
	return n.Current
}

// CanRetreat reports whether Retreat would move.
func (n Navigator) CanRetreat() bool {
	return n.Retreat() != n
}
