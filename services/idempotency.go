package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pocketbase/dbx"
	"github.com/redis/go-redis/v9"

	"concert-ticketing/clock"
	"concert-ticketing/models"
)

// IdempotencyGuard pairs the durable dedup table with a Redis result cache.
// The table decides who executes; the cache makes the replay cheap.
type IdempotencyGuard struct {
	Redis  *redis.Client
	keys   IdempotencyKeyStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewIdempotencyGuard(redisClient *redis.Client, keys IdempotencyKeyStore, clk clock.Clock, logger *slog.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{Redis: redisClient, keys: keys, clock: clk, logger: logger}
}

func resultKey(resource models.ResourceType, userID, requestID string) string {
	return fmt.Sprintf("idem:%s:%s:%s", resource, userID, requestID)
}

// Claim inserts the dedup row inside the caller's transaction. When two
// requests race, exactly one Claim succeeds; the loser sees ErrDuplicateKey
// and resolves the replay.
func (g *IdempotencyGuard) Claim(db dbx.Builder, requestID, userID string, resource models.ResourceType) error {
	key, err := models.NewIdempotencyKey(requestID, userID, resource, g.clock.Now())
	if err != nil {
		return err
	}
	return g.keys.Insert(db, key)
}

// BindResource attaches the created row's id to the claim, in the same
// transaction. A later Get on the claim then names the resource directly.
func (g *IdempotencyGuard) BindResource(db dbx.Builder, requestID, userID string, resource models.ResourceType, resourceID int64) error {
	return g.keys.BindResource(db, requestID, userID, resource, resourceID)
}

// Resolve looks up an earlier claim, typically after losing the Claim race.
func (g *IdempotencyGuard) Resolve(db dbx.Builder, requestID, userID string, resource models.ResourceType) (*models.IdempotencyKey, error) {
	return g.keys.Get(db, requestID, userID, resource)
}

// CachedResult loads a previously stored outcome into dest, reporting
// whether it hit. Cache trouble of any kind degrades to a miss; the durable
// record is the source of truth.
func (g *IdempotencyGuard) CachedResult(ctx context.Context, resource models.ResourceType, userID, requestID string, dest any) bool {
	data, err := g.Redis.Get(ctx, resultKey(resource, userID, requestID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.Warn("idempotency cache read failed", "request_id", requestID, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		g.logger.Warn("idempotency cache entry unreadable", "request_id", requestID, "error", err)
		return false
	}
	return true
}

// StoreResult caches the outcome for replays. Cache failures are logged,
// not returned: the durable record already guarantees correctness.
func (g *IdempotencyGuard) StoreResult(ctx context.Context, resource models.ResourceType, userID, requestID string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		g.logger.Warn("idempotency result not serializable", "request_id", requestID, "error", err)
		return
	}
	if err := g.Redis.Set(ctx, resultKey(resource, userID, requestID), data, resource.CacheTTL()).Err(); err != nil {
		g.logger.Warn("idempotency cache write failed", "request_id", requestID, "error", err)
	}
}
