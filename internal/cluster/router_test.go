package cluster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
	"github.com/vevoly/Atomicio-sub001/internal/cluster/membus"
	"github.com/vevoly/Atomicio-sub001/internal/metrics"
	"github.com/vevoly/Atomicio-sub001/pkg/group"
	"github.com/vevoly/Atomicio-sub001/pkg/idgen"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
	"github.com/vevoly/Atomicio-sub001/pkg/session/sessionmanager"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// nopConn satisfies transport.Conn for router tests.
type nopConn struct {
	done chan struct{}
	once sync.Once
}

func newNopConn() *nopConn { return &nopConn{done: make(chan struct{})} }

func (c *nopConn) Run()              {}
func (c *nopConn) Send(frame []byte) {}
func (c *nopConn) Close(err error) {
	c.once.Do(func() { close(c.done) })
}
func (c *nopConn) Done() <-chan struct{}                    { return c.done }
func (c *nopConn) RemoteAddr() string                       { return "test:0" }
func (c *nopConn) SetDataHandler(h transport.DataHandler)   {}
func (c *nopConn) SetCloseHandler(h transport.CloseHandler) {}

// inbox collects messages written to one session.
type inbox struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (in *inbox) writer() func(*protocol.Message) error {
	return func(msg *protocol.Message) error {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.msgs = append(in.msgs, msg)
		return nil
	}
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) at(i int) *protocol.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[i]
}

// node bundles one simulated cluster node.
type node struct {
	id       string
	registry *sessionmanager.InMemoryRegistry
	router   *cluster.Router
	groups   *group.Store
}

func newNode(t *testing.T, id string, bus cluster.Bus) *node {
	t.Helper()
	logger := testLogger()
	registry := sessionmanager.New(id, &idgen.Counter{Prefix: id + "-s"}, logger)
	groups := group.NewStore(logger)
	directory := cluster.NewDirectory(logger)
	router := cluster.NewRouter(id, registry, directory, groups, bus, metrics.NewNop(), logger)
	require.NoError(t, router.Start(context.Background()))
	t.Cleanup(router.Stop)
	return &node{id: id, registry: registry, router: router, groups: groups}
}

func (n *node) bindUser(t *testing.T, userID, deviceID string) *inbox {
	t.Helper()
	sess, err := n.registry.Register(newNopConn())
	require.NoError(t, err)
	in := &inbox{}
	sess.SetWriter(in.writer())
	_, err = n.registry.Bind(sess.ID, session.BindRequest{UserID: userID, DeviceID: deviceID})
	require.NoError(t, err)
	return in
}

func TestRouteLocalOnlyNoBusTraffic(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)
	in := n1.bindUser(t, "alice", "phone")

	// Count inbox publishes across the whole bus.
	var publishes int
	var mu sync.Mutex
	_, err := bus.Subscribe(context.Background(), cluster.InboxTopic("node-1"), func(string, []byte) {
		mu.Lock()
		publishes++
		mu.Unlock()
	})
	require.NoError(t, err)

	err = n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"alice"},
		PayloadType: 2001,
		Payload:     []byte("hi"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, in.count())
	mu.Lock()
	assert.Zero(t, publishes, "local-only delivery must not touch the bus")
	mu.Unlock()
}

func TestRouteRemoteRecipient(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)
	n2 := newNode(t, "node-2", bus)

	// bob lives on node-2; the bind fact propagates over the shared bus.
	bobIn := n2.bindUser(t, "bob", "phone")

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"bob"},
		PayloadType: 2001,
		Payload:     []byte("hi"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bobIn.count() == 1 }, time.Second, 5*time.Millisecond)
	msg := bobIn.at(0)
	assert.Equal(t, 2001, msg.CommandID)
	assert.Equal(t, []byte("hi"), msg.Payload)
}

func TestRouteBatchesPerNode(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)
	n2 := newNode(t, "node-2", bus)
	n3 := newNode(t, "node-3", bus)

	b1 := n2.bindUser(t, "bob", "phone")
	c1 := n2.bindUser(t, "carol", "phone")
	d1 := n3.bindUser(t, "dave", "phone")

	var mu sync.Mutex
	batches := map[string]int{}
	for _, nodeID := range []string{"node-2", "node-3"} {
		topic := cluster.InboxTopic(nodeID)
		_, err := bus.Subscribe(context.Background(), topic, func(topic string, _ []byte) {
			mu.Lock()
			batches[topic]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"bob", "carol", "dave"},
		PayloadType: 2002,
		Payload:     []byte("fanout"),
	})
	require.NoError(t, err)

	// Exactly one publish per distinct remote node, never one per recipient.
	mu.Lock()
	assert.Equal(t, 1, batches[cluster.InboxTopic("node-2")])
	assert.Equal(t, 1, batches[cluster.InboxTopic("node-3")])
	mu.Unlock()

	assert.Equal(t, 1, b1.count())
	assert.Equal(t, 1, c1.count())
	assert.Equal(t, 1, d1.count())
}

func TestRouteGroupUnionAndExclude(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	aliceIn := n1.bindUser(t, "alice", "phone")
	bobIn := n1.bindUser(t, "bob", "phone")
	carolIn := n1.bindUser(t, "carol", "phone")

	n1.groups.Join("team", "alice")
	n1.groups.Join("team", "bob")

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:      []string{"carol"},
		ToGroupID:      "team",
		ExcludeUserIDs: []string{"bob"},
		PayloadType:    2003,
		Payload:        []byte("x"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, aliceIn.count())
	assert.Equal(t, 0, bobIn.count(), "excluded after group expansion")
	assert.Equal(t, 1, carolIn.count())
}

func TestRouteExcludeSparesExplicitRecipients(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	aliceIn := n1.bindUser(t, "alice", "phone")
	bobIn := n1.bindUser(t, "bob", "phone")

	n1.groups.Join("team", "alice")
	n1.groups.Join("team", "bob")

	// Exclusion applies to the group expansion only; alice is explicitly
	// named and must still be delivered.
	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:      []string{"alice"},
		ToGroupID:      "team",
		ExcludeUserIDs: []string{"alice", "bob"},
		PayloadType:    2003,
		Payload:        []byte("x"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, aliceIn.count())
	assert.Equal(t, 0, bobIn.count())
}

func TestRouteUnknownGroupReported(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToGroupID:   "ghosts",
		PayloadType: 2001,
		Payload:     []byte("x"),
	})
	require.ErrorIs(t, err, group.ErrUnknownGroup)
}

func TestRouteOfflineIsSilentNoop(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"nobody"},
		PayloadType: 2001,
		Payload:     []byte("x"),
	})
	assert.NoError(t, err)
}

func TestRouteEmptyEnvelopeRejected(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{PayloadType: 2001})
	require.ErrorIs(t, err, cluster.ErrEmptyEnvelope)
}

func TestRouteMultiDeviceFanOut(t *testing.T) {
	bus := membus.New()
	n1 := newNode(t, "node-1", bus)

	phone := n1.bindUser(t, "alice", "phone")
	laptop := n1.bindUser(t, "alice", "laptop")

	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"alice"},
		PayloadType: 2001,
		Payload:     []byte("both"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, phone.count())
	assert.Equal(t, 1, laptop.count())
}

// failBus wraps a Bus and fails every publish after Start's subscriptions.
type failBus struct {
	cluster.Bus
	failing bool
	mu      sync.Mutex
}

func (b *failBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return cluster.ErrUnavailable
	}
	return b.Bus.Publish(ctx, topic, data)
}

func (b *failBus) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func TestRouteBrokerDownLocalDeliveryContinues(t *testing.T) {
	inner := membus.New()
	fb := &failBus{Bus: inner}
	n1 := newNode(t, "node-1", fb)
	n2 := newNode(t, "node-2", fb)

	aliceIn := n1.bindUser(t, "alice", "phone")
	n2.bindUser(t, "bob", "phone")

	var warnings []error
	var mu sync.Mutex
	n1.router.OnWarning(func(err error) {
		mu.Lock()
		warnings = append(warnings, err)
		mu.Unlock()
	})

	fb.setFailing(true)
	err := n1.router.Route(context.Background(), &cluster.ForwardingEnvelope{
		ToUserIDs:   []string{"alice", "bob"},
		PayloadType: 2001,
		Payload:     []byte("x"),
	})
	require.NoError(t, err, "broker failure must not abort local delivery")

	assert.Equal(t, 1, aliceIn.count())
	mu.Lock()
	require.NotEmpty(t, warnings)
	assert.ErrorIs(t, warnings[0], cluster.ErrUnavailable)
	mu.Unlock()
}
