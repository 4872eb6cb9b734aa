package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/backoffice/model"
)

// DefaultRetention is how long a finished session is kept in Redis.
const DefaultRetention = 24 * time.Hour

// RedisStore is a Redis-backed Store. Each session is a JSON string, its
// events a list, and active sessions are indexed by expiry in a sorted set.
//
// Key layout under prefix:
//
//	{prefix}session:{id}   session JSON
//	{prefix}events:{id}    list of event JSON
//	{prefix}expiry         zset of active session ids scored by expires_at
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, retention: DefaultRetention}
}

// WithRetention sets how long finished sessions are kept.
func (s *RedisStore) WithRetention(d time.Duration) *RedisStore {
	s.retention = d
	return s
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) eventsKey(id string) string  { return s.prefix + "events:" + id }
func (s *RedisStore) expiryKey() string           { return s.prefix + "expiry" }

// Create persists a new session.
func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", sess.ID, err)
	}
	if !ok {
		return model.NewConflictError(fmt.Sprintf("session %q already exists", sess.ID))
	}
	if sess.Active() {
		if err := s.client.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(sess.ExpiresAt.Unix()),
			Member: sess.ID,
		}).Err(); err != nil {
			return fmt.Errorf("redis zadd %q: %w", sess.ID, err)
		}
	}
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *RedisStore) Get(ctx context.Context, tenantID, sessionID string) (Session, error) {
	sess, err := s.load(ctx, s.client, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.TenantID != tenantID {
		return Session{}, model.NewSessionNotFoundError()
	}
	return sess, nil
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, sessionID string) (Session, error) {
	raw, err := c.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, model.NewSessionNotFoundError()
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis get %q: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session %q: %w", sessionID, err)
	}
	return sess, nil
}

// Update persists an updated session with optimistic locking. The version
// check and the write run in one WATCH/MULTI transaction.
func (s *RedisStore) Update(ctx context.Context, sess Session) error {
	key := s.sessionKey(sess.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		if existing.Version != sess.Version {
			return model.NewConflictError(
				fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
			)
		}

		next := sess
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.Active() {
				pipe.Set(ctx, key, data, 0)
				pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
					Score:  float64(next.ExpiresAt.Unix()),
					Member: next.ID,
				})
				return nil
			}
			pipe.Set(ctx, key, data, s.retention)
			pipe.Expire(ctx, s.eventsKey(next.ID), s.retention)
			pipe.ZRem(ctx, s.expiryKey(), next.ID)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(fmt.Sprintf("session %q was modified concurrently", sess.ID))
	}
	return err
}

// AppendEvent adds an event to the session's audit trail.
func (s *RedisStore) AppendEvent(ctx context.Context, event model.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("redis rpush %q: %w", event.SessionID, err)
	}
	return nil
}

// GetEvents retrieves all events for a session in append order.
func (s *RedisStore) GetEvents(ctx context.Context, tenantID, sessionID string) ([]model.SessionEvent, error) {
	if _, err := s.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}

	raws, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", sessionID, err)
	}

	events := make([]model.SessionEvent, 0, len(raws))
	for _, raw := range raws {
		var evt model.SessionEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal session event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// FindExpired returns active sessions past their expiration time, oldest
// first.
func (s *RedisStore) FindExpired(ctx context.Context, cutoff time.Time) ([]Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	var result []Session
	for _, id := range ids {
		sess, err := s.load(ctx, s.client, id)
		if err != nil {
			var env *model.ErrorEnvelope
			if errors.As(err, &env) && env.Code == model.ErrSessionNotFound {
				s.client.ZRem(ctx, s.expiryKey(), id)
				continue
			}
			return nil, err
		}
		if sess.Active() && sess.ExpiresAt.Before(cutoff) {
			result = append(result, sess)
		}
	}
	return result, nil
}

// Delete removes a session and its events.
func (s *RedisStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	if _, err := s.Get(ctx, tenantID, sessionID); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID), s.eventsKey(sessionID))
		pipe.ZRem(ctx, s.expiryKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %q: %w", sessionID, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
