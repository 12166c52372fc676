package reaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TriggerGuard debounces duplicate publish hooks for one post. It only saves
// work: a batch that starts anyway is still safe.
type TriggerGuard interface {
	// Acquire reports whether the caller should start a batch for postID.
	Acquire(ctx context.Context, postID uuid.UUID) (bool, error)
	// Release lets the next trigger for postID through.
	Release(ctx context.Context, postID uuid.UUID) error
}

// RedisGuard implements TriggerGuard with a TTL'd SET NX key per post.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisGuard creates a RedisGuard.
func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func triggerKey(postID uuid.UUID) string {
	return "react:trigger:" + postID.String()
}

// Acquire sets the post's trigger key if it is absent.
func (g *RedisGuard) Acquire(ctx context.Context, postID uuid.UUID) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, triggerKey(postID), time.Now().UTC().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reaction: trigger guard: %w", err)
	}
	return ok, nil
}

// Release drops the post's trigger key so the next hook starts a batch.
func (g *RedisGuard) Release(ctx context.Context, postID uuid.UUID) error {
	return g.rdb.Del(ctx, triggerKey(postID)).Err()
}

// openGuard lets every trigger through.
type openGuard struct{}

func (openGuard) Acquire(context.Context, uuid.UUID) (bool, error) { return true, nil }
func (openGuard) Release(context.Context, uuid.UUID) error { return nil }
