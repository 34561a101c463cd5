package membus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vevoly/Atomicio-sub001/internal/cluster/membus"
)

func TestFanOut(t *testing.T) {
	b := membus.New()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	sub := func(tag string) {
		_, err := b.Subscribe(context.Background(), "t", func(_ string, data []byte) {
			mu.Lock()
			got = append(got, tag+":"+string(data))
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	sub("a")
	sub("b")

	require.NoError(t, b.Publish(context.Background(), "t", []byte("x")))

	mu.Lock()
	assert.ElementsMatch(t, []string{"a:x", "b:x"}, got)
	mu.Unlock()
}

func TestUnsubscribe(t *testing.T) {
	b := membus.New()
	defer b.Close()

	calls := 0
	unsub, err := b.Subscribe(context.Background(), "t", func(string, []byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t", nil))
	unsub()
	unsub() // idempotent
	require.NoError(t, b.Publish(context.Background(), "t", nil))

	assert.Equal(t, 1, calls)
}

func TestTopicIsolation(t *testing.T) {
	b := membus.New()
	defer b.Close()

	calls := 0
	_, err := b.Subscribe(context.Background(), "a", func(string, []byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "b", nil))
	assert.Zero(t, calls)
}

func TestClosedBus(t *testing.T) {
	b := membus.New()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), membus.ErrClosed)
	_, err := b.Subscribe(context.Background(), "t", func(string, []byte) {})
	assert.ErrorIs(t, err, membus.ErrClosed)
}
