// Package kafkabus bridges the cluster bus onto Kafka topics. Each
// subscription runs its own reader in a fresh, per-node consumer group so
// every node observes every directory fact.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
)

// Config carries the broker connection parameters.
type Config struct {
	Brokers []string
	// GroupPrefix namespaces consumer groups; the node id is appended so
	// topics behave as fan-out rather than work queues.
	GroupPrefix string
	NodeID      string
}

type Bus struct {
	cfg    Config
	writer *kafka.Writer
	logger *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

var _ cluster.Bus = (*Bus)(nil)

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	logger.Info("kafka bus ready", slog.Any("brokers", cfg.Brokers))
	return &Bus{
		cfg:    cfg,
		writer: writer,
		logger: logger.With(slog.String("component", "kafka_bus")),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: data})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, h cluster.Handler) (func(), error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.cfg.Brokers,
		Topic:   topic,
		GroupID: b.cfg.GroupPrefix + b.cfg.NodeID + "." + topic,
	})

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(subCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				b.logger.Warn("kafka read failed", slog.String("topic", topic), slog.Any("error", err))
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			h(msg.Topic, msg.Value)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.writer.Close()
}
