// Package session persists onboarding wizard sessions and their audit trail,
// and guards each session against concurrent submissions.
package session

import (
	"context"
	"time"

	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// Session is one mount of the onboarding wizard for a customer.
type Session struct {
	ID         string       `json:"id"`
	CustomerID string       `json:"customer_id"`
	TenantID   string       `json:"tenant_id"`
	StaffID    string       `json:"staff_id"`
	State      wizard.State `json:"state"`
	Status     string       `json:"status"`
	Version    int          `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// Active reports whether the session still accepts submissions.
func (s Session) Active() bool {
	return s.Status == model.SessionStatusActive
}

// Store persists sessions and their events.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, sess Session) error

	// Get retrieves a session by ID, scoped to a tenant. Returns
	// SESSION_NOT_FOUND if the session doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, sessionID string) (Session, error)

	// Update persists an updated session with optimistic locking. The
	// session's Version must match the stored version; the stored version is
	// then incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, sess Session) error

	// AppendEvent adds an event to the session's audit trail.
	AppendEvent(ctx context.Context, event model.SessionEvent) error

	// GetEvents retrieves all events for a session in timestamp order,
	// scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, sessionID string) ([]model.SessionEvent, error)

	// FindExpired returns active sessions whose expires_at is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]Session, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, tenantID, sessionID string) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
