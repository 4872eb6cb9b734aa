package wizard

import "strconv"

// StepStatus is the sidebar status of a step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusCompleted StepStatus = "completed"
	StatusDeclined  StepStatus = "declined"
)

// Summary actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionDone    = "done"
)

// StatusOf derives the sidebar status from a step's completed flag.
func StatusOf(st StepState) StepStatus {
	switch {
	case st.Completed == nil:
		return StatusPending
	case *st.Completed:
		return StatusCompleted
	default:
		return StatusDeclined
	}
}

// SidebarItem is one entry of the progress sidebar.
type SidebarItem struct {
	Step    StepID     `json:"step"`
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Current bool       `json:"current"`
}

// Sidebar lists every step with its status, independent of which step is
// displayed.
func Sidebar(s State) []SidebarItem {
	current := s.Navigation.Component()
	items := make([]SidebarItem, 0, len(definitions)+1)
	for _, d := range definitions {
		items = append(items, SidebarItem{
			Step:    d.ID,
			Name:    d.Name,
			Status:  StatusOf(s.Steps[d.ID]),
			Current: d.ID == current,
		})
	}
	items = append(items, SidebarItem{
		Step:    StepSummary,
		Name:    "Summary",
		Status:  StatusPending,
		Current: current == StepSummary,
	})
	return items
}

// AllCompleted reports whether every defined step passed its business check.
func AllCompleted(s Store) bool {
	for _, d := range definitions {
		if !s[d.ID].Passed() {
			return false
		}
	}
	return true
}

// SummaryRow is one label/value line of the summary.
type SummaryRow struct {
	Field string `json:"field"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// SummarySection is the summary of one step.
type SummarySection struct {
	Step   StepID       `json:"step"`
	Name   string       `json:"name"`
	Status StepStatus   `json:"status"`
	Rows   []SummaryRow `json:"rows"`
}

// Summary is the read-only aggregation shown on the Summary step.
type Summary struct {
	Sections     []SummarySection `json:"sections"`
	AllCompleted bool             `json:"all_completed"`
	Actions      []string         `json:"actions"`
}

// BuildSummary renders every step's labels against its values and derives
// the available completion actions.
func BuildSummary(s Store) Summary {
	sum := Summary{AllCompleted: AllCompleted(s)}
	for _, d := range definitions {
		st := s[d.ID]
		sec := SummarySection{Step: d.ID, Name: d.Name, Status: StatusOf(st)}
		for _, f := range d.Fields {
			sec.Rows = append(sec.Rows, SummaryRow{
				Field: f.Key,
				Label: f.Label,
				Value: FormatValue(st.Values[f.Key]),
			})
		}
		sum.Sections = append(sum.Sections, sec)
	}

	if sum.AllCompleted {
		sum.Actions = []string{ActionApprove}
	} else {
		sum.Actions = []string{ActionReject, ActionDone}
	}
	return sum
}

// FormatValue renders a value for the summary: booleans as Yes/No, strings
// and numbers as text, anything else as "-".
func FormatValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "Yes"
		}
		return "No"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	}
	return "-"
}
