package mfa

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// replayTTL covers the whole ±1 step acceptance window plus one step of slack.
const replayTTL = (2*Skew + 2) * Period

// StepGuard records TOTP time steps already used by an identity so one code cannot open two sessions.
type StepGuard interface {
	// Claim marks step as used for key. Returns false if it was already claimed.
	Claim(ctx context.Context, key string, step int64) (bool, error)
}

// StepKey builds the guard key for an identity.
func StepKey(domain, identityID string) string {
	return domain + ":" + identityID
}

// RedisStepGuard stores claimed steps in Redis with SET NX and a TTL spanning the acceptance window.
type RedisStepGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisStepGuard returns a guard using client. Keys are namespaced with "totp:used:".
func NewRedisStepGuard(client *redis.Client) *RedisStepGuard {
	return &RedisStepGuard{client: client, prefix: "totp:used:"}
}

func (g *RedisStepGuard) Claim(ctx context.Context, key string, step int64) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key+":"+strconv.FormatInt(step, 10), 1, replayTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming totp step: %w", err)
	}
	return ok, nil
}

type stepEntry struct {
	expiresAt time.Time
}

// MemoryStepGuard is an in-process StepGuard for single-instance deployments and tests.
type MemoryStepGuard struct {
	mu   sync.Mutex
	m    map[string]stepEntry
	nowF func() time.Time
}

// NewMemoryStepGuard returns an empty in-memory guard.
func NewMemoryStepGuard() *MemoryStepGuard {
	return &MemoryStepGuard{m: make(map[string]stepEntry), nowF: time.Now}
}

// WithClock replaces the guard's time source. Returns g for chaining.
func (g *MemoryStepGuard) WithClock(now func() time.Time) *MemoryStepGuard {
	if now != nil {
		g.nowF = now
	}
	return g
}

func (g *MemoryStepGuard) Claim(ctx context.Context, key string, step int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowF()
	for k, e := range g.m {
		if !e.expiresAt.After(now) {
			delete(g.m, k)
		}
	}
	k := key + ":" + strconv.FormatInt(step, 10)
	if _, ok := g.m[k]; ok {
		return false, nil
	}
	g.m[k] = stepEntry{expiresAt: now.Add(replayTTL)}
	return true, nil
}

// HealthCheck pings Redis. Used by the readiness probe.
func (g *RedisStepGuard) HealthCheck(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}
