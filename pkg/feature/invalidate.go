package feature

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// invalidateChannel is the Redis pub/sub channel carrying cross-process
// cache invalidation hints. The cache is best-effort, so a missed
// broadcast only means a stale entry survives until its TTL.
const invalidateChannel = "orchestrator:feature:invalidate"

// PublishInvalidate broadcasts a tenant cache invalidation to every
// process subscribed on the channel, including this one.
func PublishInvalidate(ctx context.Context, rdb *redis.Client, tenantID uuid.UUID) error {
	return rdb.Publish(ctx, invalidateChannel, tenantID.String()).Err()
}

// RunInvalidationListener subscribes to the invalidation channel and
// applies each received tenant id to the local resolver cache. It blocks
// until ctx is cancelled.
func RunInvalidationListener(ctx context.Context, rdb *redis.Client, r *Resolver, logger *slog.Logger) error {
	pubsub := rdb.Subscribe(ctx, invalidateChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	logger.Info("feature cache invalidation listener started", "channel", invalidateChannel)

	for {
		select {
		case <-ctx.Done():
			logger.Info("feature cache invalidation listener stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			tenantID, err := uuid.Parse(msg.Payload)
			if err != nil {
				logger.Warn("discarding malformed invalidation message", "payload", msg.Payload)
				continue
			}
			r.Invalidate(tenantID)
		}
	}
}
