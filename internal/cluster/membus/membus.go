// Package membus is the in-process bus used when clustering is disabled and
// in tests. Several nodes may share one Bus to simulate a cluster inside a
// single process.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
)

var ErrClosed = errors.New("membus closed")

type subscriber struct {
	id int
	h  cluster.Handler
}

// Bus fans every publish out to all handlers subscribed to the topic,
// synchronously and in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string][]subscriber
	closed bool
}

var _ cluster.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{topics: make(map[string][]subscriber)}
}

func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(topic, data)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string, h cluster.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]subscriber)
	return nil
}
