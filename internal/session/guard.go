package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/backoffice/model"
)

// Guard allows at most one in-flight mutation per session.
type Guard interface {
	// Acquire claims the session. It returns STEP_IN_FLIGHT if the session
	// is already claimed. The returned release func must be called once the
	// mutation has finished.
	Acquire(ctx context.Context, sessionID string) (release func(), err error)

	// HealthCheck reports whether the guard's backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// MemoryGuard is a process-local Guard. Claims lapse after the TTL so a
// crashed request cannot wedge a session.
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	held map[string]memClaim
}

type memClaim struct {
	token     string
	expiresAt time.Time
}

// NewMemoryGuard creates a process-local guard.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryGuard{ttl: ttl, now: time.Now, held: make(map[string]memClaim)}
}

// Acquire claims the session.
func (g *MemoryGuard) Acquire(_ context.Context, sessionID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.held[sessionID]; ok && now.Before(c.expiresAt) {
		return nil, model.NewStepInFlightError()
	}

	token := uuid.NewString()
	g.held[sessionID] = memClaim{token: token, expiresAt: now.Add(g.ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if c, ok := g.held[sessionID]; ok && c.token == token {
				delete(g.held, sessionID)
			}
		})
	}, nil
}

// HealthCheck always succeeds.
func (g *MemoryGuard) HealthCheck(context.Context) error { return nil }

// releaseScript deletes the claim only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a Guard shared across BFF instances, built on SET NX with a
// TTL.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) key(sessionID string) string {
	return g.prefix + "inflight:" + sessionID
}

// Acquire claims the session.
func (g *RedisGuard) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := g.key(sessionID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return nil, model.NewStepInFlightError()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(ctx, g.client, []string{key}, token)
		})
	}, nil
}

// HealthCheck pings Redis.
func (g *RedisGuard) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
