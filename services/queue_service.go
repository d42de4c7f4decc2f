package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"

	"concert-ticketing/clock"
	"concert-ticketing/config"
	"concert-ticketing/models"
	"concert-ticketing/monitoring"
	"concert-ticketing/status"
	"concert-ticketing/utils"
)

const queueTokenLength = 32

// QueueService is the waiting room. Joiners land in a per-target ZSET scored
// by join time; admission moves the oldest entries into the entered ZSET
// scored by expiry, so both FIFO order and lazy expiry are plain range ops.
type QueueService struct {
	Redis  *redis.Client
	pubnub *pubnub.PubNub
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	newToken func() (string, error)
}

func NewQueueService(redisClient *redis.Client, pn *pubnub.PubNub, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *QueueService {
	return &QueueService{
		Redis:    redisClient,
		pubnub:   pn,
		config:   cfg,
		clock:    clk,
		logger:   logger,
		newToken: func() (string, error) { return utils.GenerateToken(queueTokenLength) },
	}
}

func waitingKey(targetID int64) string { return fmt.Sprintf("queue:%d:waiting", targetID) }
func enteredKey(targetID int64) string { return fmt.Sprintf("queue:%d:entered", targetID) }
func tokenKey(token string) string     { return "queue:token:" + token }
func userKey(targetID int64, userID string) string {
	return fmt.Sprintf("queue:user:%d:%s", targetID, userID)
}

// Issue hands out a waiting token. A user who already holds one for the same
// target gets that token back, never a second place in line; the request id
// rides along for correlation with the transactional calls that follow.
func (s *QueueService) Issue(ctx context.Context, targetID int64, userID, requestID string) (*models.QueueToken, error) {
	if targetID <= 0 || userID == "" {
		return nil, fmt.Errorf("%w: target id and user id are required", status.ErrValidation)
	}
	if err := models.ValidateRequestID(requestID); err != nil {
		return nil, err
	}

	token, err := s.newToken()
	if err != nil {
		return nil, err
	}

	ok, err := s.Redis.SetNX(ctx, userKey(targetID, userID), token, s.config.TokenWaitingTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		existing, err := s.Redis.Get(ctx, userKey(targetID, userID)).Result()
		if err != nil {
			return nil, err
		}
		return s.Status(ctx, existing)
	}

	if s.config.QueueWaitingMax > 0 {
		waiting, err := s.Redis.ZCard(ctx, waitingKey(targetID)).Result()
		if err != nil {
			return nil, err
		}
		if waiting >= int64(s.config.QueueWaitingMax) {
			s.Redis.Del(ctx, userKey(targetID, userID))
			monitoring.QueueOperations.WithLabelValues("issue", "rejected").Inc()
			return nil, fmt.Errorf("%w: target %d", status.ErrCapacityUnavailable, targetID)
		}
	}

	now := s.clock.Now()
	joined := float64(now.UnixMilli())
	if err := s.Redis.ZAdd(ctx, waitingKey(targetID), redis.Z{Score: joined, Member: token}).Err(); err != nil {
		return nil, err
	}
	if err := s.Redis.HSet(ctx, tokenKey(token),
		"token", token,
		"user_id", userID,
		"target_id", targetID,
		"request_id", requestID,
		"status", string(models.QueueWaiting),
		"joined_at", now.UnixMilli(),
	).Err(); err != nil {
		return nil, err
	}
	if err := s.Redis.Expire(ctx, tokenKey(token), s.config.TokenWaitingTTL).Err(); err != nil {
		return nil, err
	}

	rank, err := s.Redis.ZRank(ctx, waitingKey(targetID), token).Result()
	if err != nil {
		return nil, err
	}

	monitoring.QueueOperations.WithLabelValues("issue", "accepted").Inc()
	return &models.QueueToken{
		Token:                token,
		UserID:               userID,
		TargetID:             targetID,
		RequestID:            requestID,
		Status:               models.QueueWaiting,
		Position:             rank + 1,
		EstimatedWaitSeconds: s.estimateWait(rank + 1),
	}, nil
}

// Status resolves a token to its current place in line or its remaining
// active time. Expired entries are purged on the way.
func (s *QueueService) Status(ctx context.Context, token string) (*models.QueueToken, error) {
	tok, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}

	switch tok.Status {
	case models.QueueWaiting:
		rank, err := s.Redis.ZRank(ctx, waitingKey(tok.TargetID), token).Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token %s", status.ErrTokenExpired, token)
		}
		if err != nil {
			return nil, err
		}
		tok.Position = rank + 1
		tok.EstimatedWaitSeconds = s.estimateWait(tok.Position)
	case models.QueueEntered:
		if tok.IsExpired(s.clock.Now()) {
			s.discard(ctx, tok)
			return nil, fmt.Errorf("%w: token %s", status.ErrTokenExpired, token)
		}
	}
	return tok, nil
}

// estimateWait projects how long a waiting token has until promotion, from
// its position and how many tokens each scheduler cycle can admit.
func (s *QueueService) estimateWait(position int64) int64 {
	perCycle := int64(s.config.QueueBatchSize)
	if capacity := int64(s.config.QueueCapacity); capacity < perCycle {
		perCycle = capacity
	}
	if perCycle <= 0 {
		return 0
	}
	cycles := (position + perCycle - 1) / perCycle
	return cycles * int64(s.config.ScheduleInterval.Seconds())
}

// Validate admits a request into the protected zone: the token must be
// ENTERED and still inside its active window.
func (s *QueueService) Validate(ctx context.Context, token string) (*models.QueueToken, error) {
	tok, err := s.Status(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.Status != models.QueueEntered {
		return nil, fmt.Errorf("%w: token %s is still waiting", status.ErrTokenExpired, token)
	}
	return tok, nil
}

// Leave removes the caller from the queue entirely.
func (s *QueueService) Leave(ctx context.Context, token string) error {
	tok, err := s.load(ctx, token)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil
		}
		return err
	}
	s.discard(ctx, tok)
	return nil
}

// Promote admits as many waiting tokens as the target has free capacity,
// oldest first.
func (s *QueueService) Promote(ctx context.Context, targetID int64) (int, error) {
	now := s.clock.Now()

	// Purge lapsed active slots before counting. The waiting line gets the
	// same treatment: a member whose join time predates the waiting TTL has
	// a lapsed token hash and must not hold a place or get admitted.
	if err := s.Redis.ZRemRangeByScore(ctx, enteredKey(targetID),
		"-inf", strconv.FormatInt(now.UnixMilli(), 10)).Err(); err != nil {
		return 0, err
	}
	stale := now.Add(-s.config.TokenWaitingTTL).UnixMilli()
	if err := s.Redis.ZRemRangeByScore(ctx, waitingKey(targetID),
		"-inf", strconv.FormatInt(stale, 10)).Err(); err != nil {
		return 0, err
	}

	active, err := s.Redis.ZCard(ctx, enteredKey(targetID)).Result()
	if err != nil {
		return 0, err
	}
	free := int64(s.config.QueueCapacity) - active
	if free <= 0 {
		return 0, nil
	}
	if batch := int64(s.config.QueueBatchSize); free > batch {
		free = batch
	}

	popped, err := s.Redis.ZPopMin(ctx, waitingKey(targetID), free).Result()
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, z := range popped {
		token, _ := z.Member.(string)
		if token == "" {
			continue
		}
		// The token hash can lapse between the stale sweep and the pop.
		// Writing fields onto a gone hash would resurrect it, so check first.
		userID, err := s.Redis.HGet(ctx, tokenKey(token), "user_id").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return admitted, err
		}
		expiresAt := now.Add(s.config.TokenActiveTTL)
		if err := s.Redis.ZAdd(ctx, enteredKey(targetID), redis.Z{
			Score:  float64(expiresAt.UnixMilli()),
			Member: token,
		}).Err(); err != nil {
			return admitted, err
		}
		if err := s.Redis.HSet(ctx, tokenKey(token),
			"status", string(models.QueueEntered),
			"expires_at", expiresAt.UnixMilli(),
		).Err(); err != nil {
			return admitted, err
		}
		if err := s.Redis.Expire(ctx, tokenKey(token), s.config.TokenActiveTTL).Err(); err != nil {
			return admitted, err
		}
		// Keep the one-token-per-user guard alive for the active window too,
		// or the user could rejoin the line while still admitted.
		if err := s.Redis.Expire(ctx, userKey(targetID, userID), s.config.TokenActiveTTL).Err(); err != nil {
			return admitted, err
		}
		admitted++
		monitoring.QueueOperations.WithLabelValues("promote", "admitted").Inc()
		s.notifyEntered(token, targetID)
	}
	return admitted, nil
}

// RunScheduler drives admission for every live queue until ctx is cancelled.
func (s *QueueService) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.config.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteAll(ctx)
		}
	}
}

func (s *QueueService) promoteAll(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := s.Redis.Scan(ctx, cursor, "queue:*:waiting", 100).Result()
		if err != nil {
			s.logger.Error("queue scan failed", "error", err)
			return
		}
		for _, key := range keys {
			var targetID int64
			if _, err := fmt.Sscanf(key, "queue:%d:waiting", &targetID); err != nil {
				continue
			}
			admitted, err := s.Promote(ctx, targetID)
			if err != nil {
				s.logger.Error("queue promote failed", "target_id", targetID, "error", err)
				continue
			}
			if admitted > 0 {
				s.logger.Info("queue admitted", "target_id", targetID, "count", admitted)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (s *QueueService) load(ctx context.Context, token string) (*models.QueueToken, error) {
	fields, err := s.Redis.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: token %s", status.ErrNotFound, token)
	}

	targetID, _ := strconv.ParseInt(fields["target_id"], 10, 64)
	tok := &models.QueueToken{
		Token:     token,
		UserID:    fields["user_id"],
		TargetID:  targetID,
		RequestID: fields["request_id"],
		Status:    models.QueueStatus(fields["status"]),
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && ms > 0 {
		tok.ExpiresAt = time.UnixMilli(ms)
	}
	return tok, nil
}

// discard drops every trace of the token.
func (s *QueueService) discard(ctx context.Context, tok *models.QueueToken) {
	s.Redis.ZRem(ctx, waitingKey(tok.TargetID), tok.Token)
	s.Redis.ZRem(ctx, enteredKey(tok.TargetID), tok.Token)
	s.Redis.Del(ctx, tokenKey(tok.Token))
	s.Redis.Del(ctx, userKey(tok.TargetID, tok.UserID))
}

func (s *QueueService) notifyEntered(token string, targetID int64) {
	if s.pubnub == nil {
		return
	}
	s.pubnub.Publish().
		Channel("queue-" + token).
		Message(map[string]any{
			"type":      "queue_status",
			"status":    "entered",
			"target_id": targetID,
		}).
		Execute()
}
