package usage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisUsageKeyPrefix = "dailydoom:usage:"
	defaultRetention    = 24 * time.Hour
)

// RedisLedgerConfig describes the dependencies of the Redis-backed ledger.
type RedisLedgerConfig struct {
	Client     redis.UniversalClient
	IDProvider IDProvider
	Clock      func() time.Time
	// Retention must cover the longest quota window; idle keys expire after it.
	Retention time.Duration
}

// RedisLedger keeps one sorted set per user and feature, scored by unix millis.
type RedisLedger struct {
	client    redis.UniversalClient
	ids       IDProvider
	clock     func() time.Time
	retention time.Duration
}

// NewRedisLedger validates dependencies and constructs the ledger.
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Client == nil {
		return nil, errors.New("usage: redis client required")
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisLedger{client: cfg.Client, ids: ids, clock: clock, retention: retention}, nil
}

// CheckQuota reads the scores inside the rolling window.
func (l *RedisLedger) CheckQuota(ctx context.Context, userID string, feature Feature, limit int, window time.Duration) (QuotaStatus, error) {
	if err := ValidateUserID(userID); err != nil {
		return QuotaStatus{}, err
	}
	members, err := l.client.ZRangeByScoreWithScores(ctx, redisUsageKey(userID, feature), &redis.ZRangeBy{
		Min: strconv.FormatInt(windowStartMillis(l.clock(), window), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return QuotaStatus{}, err
	}
	timestamps := make([]int64, 0, len(members))
	for _, member := range members {
		timestamps = append(timestamps, int64(member.Score))
	}
	return statusFromWindow(timestamps, limit, window), nil
}

// RecordUsage adds one member and refreshes the key expiry.
func (l *RedisLedger) RecordUsage(ctx context.Context, userID string, feature Feature) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	eventID, err := l.ids.NewID()
	if err != nil {
		return err
	}
	key := redisUsageKey(userID, feature)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(l.clock().UnixMilli()), Member: eventID})
	pipe.PExpire(ctx, key, l.retention)
	_, err = pipe.Exec(ctx)
	return err
}

func redisUsageKey(userID string, feature Feature) string {
	return redisUsageKeyPrefix + feature.String() + ":" + userID
}
