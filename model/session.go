package model

import "time"

// Onboarding session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusDiscarded = "discarded"
	SessionStatusExpired   = "expired"
)

// Session audit event names.
const (
	EventSessionStarted   = "session_started"
	EventStepSubmitted    = "step_submitted"
	EventStepAcknowledged = "step_acknowledged"
	EventStepFailed       = "step_failed"
	EventStepRetreated    = "step_retreated"
	EventCustomerApproved = "customer_approved"
	EventCustomerRejected = "customer_rejected"
	EventSessionDiscarded = "session_discarded"
	EventSessionExpired   = "session_expired"
)

// SessionEvent records an event in an onboarding session's audit trail.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Step      string         `json:"step,omitempty"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
