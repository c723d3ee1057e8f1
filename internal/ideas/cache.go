package ideas

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
	"github.com/redis/go-redis/v9"
)

const (
	redisIdeaKeyPrefix = "dailydoom:idea:"
	defaultIdeaTTL     = 24 * time.Hour
)

// RedisCache keeps persisted records in Redis so that replicas skip the database on hot dates.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache wraps client; a non-positive ttl falls back to one day.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultIdeaTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, date calendar.DateKey) (Record, bool, error) {
	payload, err := c.client.Get(ctx, redisIdeaKey(date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, err
	}
	if record.Placeholder || record.Date != date {
		return Record{}, false, nil
	}
	record.Cached = true
	return record, true, nil
}

func (c *RedisCache) Set(ctx context.Context, record Record) error {
	if record.Placeholder {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisIdeaKey(record.Date), payload, c.ttl).Err()
}

func redisIdeaKey(date calendar.DateKey) string {
	return redisIdeaKeyPrefix + date.String()
}
