package redisbus_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vevoly/Atomicio-sub001/internal/cluster/redisbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) (*miniredis.Miniredis, *redisbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	bus, err := redisbus.New(redisbus.Config{Addr: mr.Addr()}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return mr, bus
}

func TestPublishSubscribe(t *testing.T) {
	_, bus := startBus(t)

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(context.Background(), "atomicio.test", func(topic string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "atomicio.test", []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hello", got[0])
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, bus := startBus(t)

	var count sync.Map
	unsub, err := bus.Subscribe(context.Background(), "t", func(string, []byte) {
		count.Store("hit", true)
	})
	require.NoError(t, err)
	unsub()

	require.NoError(t, bus.Publish(context.Background(), "t", []byte("x")))
	time.Sleep(50 * time.Millisecond)

	_, hit := count.Load("hit")
	assert.False(t, hit)
}

func TestConnectFailure(t *testing.T) {
	_, err := redisbus.New(redisbus.Config{Addr: "127.0.0.1:1"}, testLogger())
	require.Error(t, err)
}
