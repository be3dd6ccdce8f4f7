// Package notify delivers throttled "the reply changed" notifications to
// whatever is observing the destination topic.
package notify

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "replystream:updates:"

// RedisNotifier publishes reply progress on a per-destination pub/sub
// channel. Delivery is fire-and-forget: observers that miss an update catch
// up on the next one, since every message carries the full accumulated text.
type RedisNotifier struct {
	client redis.UniversalClient
	logger *log.Logger
}

// NewRedisNotifier wires a notifier to a redis client.
func NewRedisNotifier(client redis.UniversalClient, logger *log.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

// Publish sends the accumulated reply for destination.
func (n *RedisNotifier) Publish(ctx context.Context, destination, content string) {
	if err := n.client.Publish(ctx, channelPrefix+destination, content).Err(); err != nil {
		if n.logger != nil {
			n.logger.Printf("notify: publish %s: %v", destination, err)
		}
	}
}

// LogNotifier writes progress to the process log. Used when no redis backend
// is configured.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier wires a notifier to a logger.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish logs the update size rather than the content.
func (n *LogNotifier) Publish(ctx context.Context, destination, content string) {
	if n.logger != nil {
		n.logger.Printf("notify: destination=%s bytes=%d", destination, len(content))
	}
}
