// Package notify delivers notifications produced by the notify pipeline
// function. Delivery runs after the action commits.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// DefaultChannel is used when a notification names no channel.
const DefaultChannel = "default"

// LogNotifier writes notifications to the log. Used when no broker is
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, msg model.Notification) error {
	observability.RequestLogger(ctx, n.logger).Info("notification",
		zap.String("channel", channelOf(msg)),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("case", model.CaseKey{EntityID: msg.EntityID, EntityCode: msg.EntityCode}.String()),
		zap.String("action", msg.ActionCode),
	)
	return nil
}

// RedisNotifier publishes notifications as JSON to a Redis channel per
// notification channel, for downstream senders to pick up.
type RedisNotifier struct {
	client redis.Cmdable
	prefix string
}

// NewRedisNotifier creates a Redis pub/sub notifier. Messages go to
// "<prefix>:<channel>".
func NewRedisNotifier(client redis.Cmdable, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "caseflow:notifications"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Topic returns the Redis channel a notification channel publishes to.
func (n *RedisNotifier) Topic(channel string) string {
	if channel == "" {
		channel = DefaultChannel
	}
	return n.prefix + ":" + channel
}

// Notify publishes the notification.
func (n *RedisNotifier) Notify(ctx context.Context, msg model.Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	topic := n.Topic(msg.Channel)
	if err := n.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

func channelOf(msg model.Notification) string {
	if msg.Channel == "" {
		return DefaultChannel
	}
	return msg.Channel
}
