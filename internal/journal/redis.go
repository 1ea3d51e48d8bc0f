package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/pkg/types"
	"go.uber.org/zap"
)

// PublisherConfig configures the Redis run publisher.
type PublisherConfig struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	Channel   string        // Pub/sub channel runs are published on
	LatestKey string        // Key holding the last run
	LatestTTL time.Duration // Expiry of LatestKey
	Timeout   time.Duration // Per publish
}

// DefaultPublisherConfig returns sensible defaults
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Addr:      "localhost:6379",
		Channel:   "pilot:runs",
		LatestKey: "pilot:runs:latest",
		LatestTTL: 24 * time.Hour,
		Timeout:   2 * time.Second,
	}
}

// RedisPublisher pushes finished runs to Redis as JSON.
type RedisPublisher struct {
	logger *zap.Logger
	config PublisherConfig
	client *goredis.Client
}

// NewRedisPublisher creates the publisher. It does not dial until used.
func NewRedisPublisher(logger *zap.Logger, config PublisherConfig) *RedisPublisher {
	return &RedisPublisher{
		logger: logger.Named("redis-publisher"),
		config: config,
		client: goredis.NewClient(&goredis.Options{
			Addr:        config.Addr,
			Password:    config.Password,
			DB:          config.DB,
			DialTimeout: config.Timeout,
			MaxRetries:  1,
		}),
	}
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.config.Addr, err)
	}
	return nil
}

// Publish sends run on the channel and stores it under the latest key.
func (p *RedisPublisher) Publish(ctx context.Context, run *types.RunResult) error {
	if run == nil {
		return errors.New("publish: nil run")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.config.Channel, payload)
	pipe.Set(ctx, p.config.LatestKey, payload, p.config.LatestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish run %s: %w", run.ID, err)
	}
	return nil
}

// Latest returns the last published run, or nil when none is stored.
func (p *RedisPublisher) Latest(ctx context.Context) (*types.RunResult, error) {
	payload, err := p.client.Get(ctx, p.config.LatestKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.config.LatestKey, err)
	}
	var run types.RunResult
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// Subscribe publishes every finished run on bus. Publishing runs off the
// run's goroutine so an unreachable Redis never stalls the pipeline.
func (p *RedisPublisher) Subscribe(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe(events.EventTypeRunFinished, func(e events.Event) error {
		evt, ok := e.(*events.RunFinishedEvent)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()
		if err := p.Publish(ctx, evt.Result); err != nil {
			p.logger.Warn("Failed to publish run", zap.Error(err))
			return err
		}
		return nil
	}, events.SubscriptionOptions{Async: true})
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
