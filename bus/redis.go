package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/types"
)

// RedisConfig holds the connection settings of the Redis transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

var _ Bus = (*Redis)(nil)

// Redis is a Redis Pub/Sub backed bus. Suitable for distributed
// deployments where each robot runs its own process.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
	}, nil
}

// Publish sends payload on the given channel.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return types.NewError(types.ErrBusPublish, "redis publish failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// Subscribe opens a Redis subscription and dispatches messages to h on a
// dedicated goroutine until the subscription is closed.
func (b *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// 等待订阅确认，失败时立即暴露
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSub{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("handler panicked",
							zap.String("topic", topic), zap.Any("recover", r))
					}
				}()
				h(msg.Channel, []byte(msg.Payload))
			}()
		}
	}()
	return sub, nil
}

// Ping checks transport health.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the client; active subscriptions end with it.
func (b *Redis) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps        *redis.PubSub
	closeOnce sync.Once
	err       error
}

func (s *redisSub) Close() error {
	s.closeOnce.Do(func() { s.err = s.ps.Close() })
	return s.err
}
