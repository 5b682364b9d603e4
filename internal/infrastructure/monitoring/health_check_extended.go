package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by *redis.Client.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// FeedHealth reports whether the presence event feed can currently publish.
type FeedHealth interface {
	Healthy() error
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client Pinger, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddEventFeedCheck marks the service unready while the event feed refuses
// to publish.
func (h *HealthChecker) AddEventFeedCheck(feed FeedHealth, interval, timeout time.Duration) {
	h.AddCheck("event_feed", func(ctx context.Context) (bool, error) {
		if err := feed.Healthy(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// ReadinessStatus runs every check and reports the per-dependency results.
func (h *HealthChecker) ReadinessStatus(ctx context.Context) (bool, map[string]string) {
	status := h.CheckAll(ctx)
	return status.Status == StatusHealthy, status.Checks
}
