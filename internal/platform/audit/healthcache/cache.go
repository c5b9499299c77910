// Package healthcache fronts the chain health report with a short-lived Redis
// cache so dashboards can poll without re-verifying the window each time.
package healthcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

const (
	DefaultTTL    = 30 * time.Second
	DefaultPrefix = "lab-audit:health"
)

// Source computes a fresh health summary.
type Source interface {
	HealthWindow(ctx context.Context, requested int64) (audit.HealthSummary, error)
}

type CachedReporter struct {
	client *redis.Client
	source Source
	TTL    time.Duration
	Prefix string
	Logger *slog.Logger
}

// Dial connects to Redis at addr and checks it is reachable.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewCachedReporter(client *redis.Client, source Source, ttl time.Duration) *CachedReporter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedReporter{client: client, source: source, TTL: ttl, Prefix: DefaultPrefix}
}

func (c *CachedReporter) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *CachedReporter) key(requested int64) string {
	if requested < 0 {
		requested = 0
	}
	return fmt.Sprintf("%s:%d", c.Prefix, requested)
}

func (c *CachedReporter) Health(ctx context.Context) (audit.HealthSummary, error) {
	return c.HealthWindow(ctx, 0)
}

// HealthWindow serves a cached summary when one is present. Redis failures
// degrade to computing the summary directly. A cached summary does not see
// appends or tampering that happen after it was stored until Invalidate runs
// or TTL expires; callers wire Invalidate to the recorder so only changes made
// outside this process can stay hidden for up to TTL.
func (c *CachedReporter) HealthWindow(ctx context.Context, requested int64) (audit.HealthSummary, error) {
	key := c.key(requested)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var sum audit.HealthSummary
		if err := json.Unmarshal(raw, &sum); err == nil {
			return sum, nil
		}
		c.logger().WarnContext(ctx, "discarding corrupt cached health summary", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger().WarnContext(ctx, "health cache read failed", "key", key, "error", err)
	}
	return c.compute(ctx, requested)
}

// Refresh recomputes the default-window summary and overwrites the cache.
func (c *CachedReporter) Refresh(ctx context.Context) (audit.HealthSummary, error) {
	return c.compute(ctx, 0)
}

func (c *CachedReporter) compute(ctx context.Context, requested int64) (audit.HealthSummary, error) {
	sum, err := c.source.HealthWindow(ctx, requested)
	if err != nil {
		return audit.HealthSummary{}, err
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return sum, nil
	}
	if err := c.client.Set(ctx, c.key(requested), data, c.TTL).Err(); err != nil {
		c.logger().WarnContext(ctx, "health cache write failed", "error", err)
	}
	return sum, nil
}

// Invalidate drops every cached window.
func (c *CachedReporter) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.Prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan health cache: %w", err)
	}
	return nil
}
