// Package natsbus bridges the cluster bus onto core NATS subjects.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
)

// Config carries the broker connection parameters.
type Config struct {
	URL  string
	Name string // client name, usually the node id
}

type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ cluster.Bus = (*Bus)(nil)

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	logger.Info("connected to nats bus", slog.String("url", url))
	return &Bus{
		conn:   conn,
		logger: logger.With(slog.String("component", "nats_bus")),
	}, nil
}

func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string, h cluster.Handler) (func(), error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Warn("unsubscribe failed", slog.String("topic", topic), slog.Any("error", err))
			}
		})
	}, nil
}

func (b *Bus) Close() error {
	b.conn.Drain()
	b.conn.Close()
	return nil
}
