package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/backoffice/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Wizard state is immutable, so sessions are stored by value.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	events   map[string][]model.SessionEvent
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		events:   make(map[string][]model.SessionEvent),
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("session %q already exists", sess.ID))
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.TenantID != tenantID {
		return Session{}, model.NewSessionNotFoundError()
	}
	return sess, nil
}

// Update persists an updated session with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return model.NewSessionNotFoundError()
	}
	if existing.Version != sess.Version {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess
	return nil
}

// AppendEvent adds an event to the session's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

// GetEvents retrieves all events for a session, ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, sessionID string) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.TenantID != tenantID {
		return nil, model.NewSessionNotFoundError()
	}

	events := s.events[sessionID]
	result := make([]model.SessionEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindExpired returns active sessions past their expiration time, oldest
// first.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Session
	for _, sess := range s.sessions {
		if !sess.Active() || !sess.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

// Delete removes a session and its events.
func (s *MemoryStore) Delete(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.TenantID != tenantID {
		return model.NewSessionNotFoundError()
	}
	delete(s.sessions, sessionID)
	delete(s.events, sessionID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
