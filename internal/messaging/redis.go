package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/config"
	"github.com/igwedaniel/indexwatch/internal/types"
)

// RedisPublisher fans events out over Redis pub/sub. Nothing is stored;
// subscribers that are not connected miss the event.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisPublisher(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisPublisher(client, cfg.Channel, logger), nil
}

func newRedisPublisher(client *redis.Client, prefix string, logger *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Channel returns the pub/sub channel of an event, e.g.
// indexwatch.events:indexing.snapshot.<host>
func (r *RedisPublisher) Channel(event *types.Event) string {
	if r.prefix == "" {
		return RoutingKey(event)
	}
	return r.prefix + ":" + RoutingKey(event)
}

func (r *RedisPublisher) Publish(ctx context.Context, event *types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := r.Channel(event)
	receivers, err := r.client.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"event_type": event.Type,
		"channel":    channel,
		"receivers":  receivers,
	}).Debug("Event published to Redis")

	return nil
}

func (r *RedisPublisher) PublishSnapshot(ctx context.Context, snapshot *types.SnapshotEvent, source string) error {
	return r.Publish(ctx, NewSnapshotEvent(snapshot, source))
}

func (r *RedisPublisher) PublishStall(ctx context.Context, stall *types.StallEvent, source string) error {
	return r.Publish(ctx, NewStallEvent(stall, source))
}

// Ping checks the connection
func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
