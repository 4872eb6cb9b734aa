package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/backoffice/model"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS onboarding_sessions (
	id          TEXT PRIMARY KEY,
	customer_id TEXT        NOT NULL,
	tenant_id   TEXT        NOT NULL,
	staff_id    TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	state       JSONB       NOT NULL,
	version     INTEGER     NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS onboarding_sessions_expiry
	ON onboarding_sessions (expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS onboarding_session_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT        NOT NULL REFERENCES onboarding_sessions (id) ON DELETE CASCADE,
	step       TEXT        NOT NULL,
	event      TEXT        NOT NULL,
	actor_id   TEXT        NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS onboarding_session_events_session
	ON onboarding_session_events (session_id, created_at);
`

const sessionColumns = `id, customer_id, tenant_id, staff_id, status, state, version,
	created_at, updated_at, expires_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the session tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create session tables: %w", err)
	}
	return nil
}

// Create inserts a new session.
func (s *PgStore) Create(ctx context.Context, sess Session) error {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO onboarding_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.CustomerID, sess.TenantID, sess.StaffID, sess.Status, stateJSON, sess.Version,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM onboarding_sessions
		WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, model.NewSessionNotFoundError()
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// Update persists an updated session with optimistic locking.
func (s *PgStore) Update(ctx context.Context, sess Session) error {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE onboarding_sessions SET
			status = $1,
			state = $2,
			version = $3,
			updated_at = $4,
			expires_at = $5
		WHERE id = $6 AND version = $7`,
		sess.Status, stateJSON, sess.Version+1,
		time.Now().UTC(), sess.ExpiresAt,
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the session audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.SessionEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO onboarding_session_events (
			id, session_id, step, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SessionID, event.Step, event.Event,
		event.ActorID, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a session.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, sessionID string) ([]model.SessionEvent, error) {
	if _, err := s.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, step, event, actor_id, data, created_at
		FROM onboarding_session_events
		WHERE session_id = $1
		ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var evt model.SessionEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.SessionID, &evt.Step, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindExpired returns active sessions past their expiration time.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM onboarding_sessions
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Delete removes a session. Its events are removed by the foreign key
// cascade.
func (s *PgStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM onboarding_sessions
		WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewSessionNotFoundError()
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	var stateJSON []byte
	if err := row.Scan(
		&sess.ID, &sess.CustomerID, &sess.TenantID, &sess.StaffID, &sess.Status, &stateJSON, &sess.Version,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
	); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
		return Session{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return sess, nil
}
