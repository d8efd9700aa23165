package query

import (
	"Percolator/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// readCache is a best-effort Redis read-through cache. A nil client
// disables it; Redis errors degrade to a miss.
type readCache struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (c *readCache) enabled() bool { return c != nil && c.client != nil && c.ttl > 0 }

func (c *readCache) count(result string) {
	if c.metrics != nil {
		c.metrics.QueryCacheHits.WithLabelValues(result).Inc()
	}
}

func (c *readCache) get(ctx context.Context, key string, dst interface{}) bool {
	if !c.enabled() {
		return false
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.count("miss")
		return false
	}
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		c.count("error")
		c.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	c.count("hit")
	return true
}

func (c *readCache) set(ctx context.Context, key string, v interface{}) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
	}
	if err != nil {
		c.count("error")
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}
