package onboarding

import (
	"time"

	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/internal/wizard"
)

// StepView describes the step the console should render.
type StepView struct {
	ID        wizard.StepID  `json:"id"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	Fields    []wizard.Field `json:"fields"`
	Values    wizard.Values  `json:"values"`
	Completed *bool          `json:"completed"`
}

// SessionView is the console's view of an onboarding session. Exactly one of
// Step and Summary is set while the session is active.
type SessionView struct {
	ID          string               `json:"id"`
	CustomerID  string               `json:"customer_id"`
	Status      string               `json:"status"`
	Version     int                  `json:"version"`
	CurrentStep wizard.StepID        `json:"current_step"`
	CanRetreat  bool                 `json:"can_retreat"`
	Step        *StepView            `json:"step,omitempty"`
	Summary     *wizard.Summary      `json:"summary,omitempty"`
	Sidebar     []wizard.SidebarItem `json:"sidebar"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// NewSessionView renders a session for the console.
func NewSessionView(sess session.Session) SessionView {
	nav := sess.State.Navigation
	current := nav.Component()
	v := SessionView{
		ID:          sess.ID,
		CustomerID:  sess.CustomerID,
		Status:      sess.Status,
		Version:     sess.Version,
		CurrentStep: current,
		CanRetreat:  sess.Active() && nav.CanRetreat(),
		Sidebar:     wizard.Sidebar(sess.State),
		ExpiresAt:   sess.ExpiresAt,
	}

	if current.IsSummary() {
		sum := wizard.BuildSummary(sess.State.Steps)
		v.Summary = &sum
		return v
	}
	if def, ok := wizard.Lookup(current); ok {
		st, _ := sess.State.Steps.Step(current)
		v.Step = &StepView{
			ID:        def.ID,
			Name:      def.Name,
			Slug:      def.Slug,
			Fields:    def.Fields,
			Values:    st.Values.Clone(),
			Completed: st.Completed,
		}
	}
	return v
}
