// Package redisbus bridges the cluster bus onto Redis pub/sub channels.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
)

// Config carries the broker connection parameters from the cluster section
// of the configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bus publishes on the shared client and runs one PubSub receiver goroutine
// per subscription.
type Bus struct {
	client *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
}

var _ cluster.Bus = (*Bus)(nil)

// New connects and pings the broker; an unreachable broker is a startup
// error, not a silent degradation.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}

	logger.Info("connected to redis bus", slog.String("addr", cfg.Addr))
	return &Bus{
		client: client,
		logger: logger.With(slog.String("component", "redis_bus")),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, h cluster.Handler) (func(), error) {
	ps := b.client.Subscribe(ctx, topic)
	// Force the SUBSCRIBE round trip so a broken broker fails here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(msg.Channel, []byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				b.logger.Warn("pubsub close failed", slog.Any("error", err))
			}
		})
	}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for _, ps := range b.pubsubs {
		ps.Close()
	}
	b.pubsubs = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}
