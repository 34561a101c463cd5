package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vevoly/Atomicio-sub001/internal/metrics"
	"github.com/vevoly/Atomicio-sub001/internal/pipeline"
	"github.com/vevoly/Atomicio-sub001/pkg/auth"
	"github.com/vevoly/Atomicio-sub001/pkg/idgen"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
	"github.com/vevoly/Atomicio-sub001/pkg/session/sessionmanager"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// scriptConn is a transport.Conn driven directly by the test: the test
// pushes inbound chunks and inspects outbound frames.
type scriptConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	reason  error
	onData  transport.DataHandler
	onClose transport.CloseHandler
	done    chan struct{}
	once    sync.Once
}

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

func newScriptConn() *scriptConn { return &scriptConn{done: make(chan struct{})} }

func (c *scriptConn) Run() {}
func (c *scriptConn) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
}
func (c *scriptConn) Close(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = err
		onClose := c.onClose
		c.mu.Unlock()
		if onClose != nil {
			onClose(err)
		}
		close(c.done)
	})
}
func (c *scriptConn) Done() <-chan struct{}                    { return c.done }
func (c *scriptConn) RemoteAddr() string                       { return "test:0" }
func (c *scriptConn) SetDataHandler(h transport.DataHandler)   { c.onData = h }
func (c *scriptConn) SetCloseHandler(h transport.CloseHandler) { c.onClose = h }

func (c *scriptConn) push(data string) { c.onData([]byte(data)) }

func (c *scriptConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frames returns outbound traffic decoded as text-protocol lines.
func (c *scriptConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = strings.TrimSuffix(string(f), "\n")
	}
	return out
}

type fixture struct {
	registry *sessionmanager.InMemoryRegistry
	auth     auth.Authenticator
	dispatch pipeline.Dispatcher
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		registry: sessionmanager.New("node-1", &idgen.Counter{Prefix: "s-"}, logger),
		auth:     &auth.Static{Users: map[string]string{"alice": "secret"}},
		dispatch: pipeline.DispatcherFunc(func(context.Context, *session.Session, *protocol.Message) error {
			return nil
		}),
	}
}

func (f *fixture) attach(t *testing.T, conn *scriptConn) *session.Session {
	t.Helper()
	sess, err := f.registry.Register(conn)
	require.NoError(t, err)
	codec := protocol.TextFactory(0)()
	pipeline.Attach(context.Background(), conn, codec, sess, f.registry, f.auth, f.dispatch, metrics.NewNop(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return sess
}

func TestLoginBindsSession(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess := f.attach(t, conn)

	conn.push("1001:alice:secret\n")

	assert.True(t, sess.Authenticated())
	assert.Equal(t, "alice", sess.UserID())
	require.Equal(t, []string{"1002:alice"}, conn.frames())
	assert.False(t, conn.isClosed())
}

func TestLoginFailureCloses(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess := f.attach(t, conn)

	conn.push("1001:alice:wrong\n")

	assert.False(t, sess.Authenticated())
	require.Equal(t, []string{"1005:invalid credentials"}, conn.frames())
	assert.True(t, conn.isClosed())
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess := f.attach(t, conn)

	conn.push("2001:hello\n")

	assert.False(t, sess.Authenticated())
	require.Equal(t, []string{"1005:unauthenticated"}, conn.frames())
	// Rejection keeps the connection open; login still possible.
	assert.False(t, conn.isClosed())

	conn.push("1001:alice:secret\n")
	assert.True(t, sess.Authenticated())
}

func TestHeartbeatAckAndTouch(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess := f.attach(t, conn)

	conn.push("1001:alice:secret\n")
	before := sess.LastActivity()
	conn.push("1003:\n")

	require.Equal(t, []string{"1002:alice", "1004:"}, conn.frames())
	assert.False(t, sess.LastActivity().Before(before))
}

func TestHeartbeatRejectedBeforeLogin(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess := f.attach(t, conn)

	conn.push("1003:\n")

	require.Equal(t, []string{"1005:unauthenticated"}, conn.frames())
	assert.False(t, sess.Authenticated())
	assert.False(t, conn.isClosed())
}

func TestDispatchAfterLogin(t *testing.T) {
	f := newFixture()
	var got []*protocol.Message
	f.dispatch = pipeline.DispatcherFunc(func(_ context.Context, _ *session.Session, msg *protocol.Message) error {
		got = append(got, msg)
		return nil
	})
	conn := newScriptConn()
	f.attach(t, conn)

	// Login and a business command arriving in one TCP segment: ordering is
	// preserved and the bind happens before dispatch.
	conn.push("1001:alice:secret\n2001:hello\n")

	require.Len(t, got, 1)
	assert.Equal(t, 2001, got[0].CommandID)
	assert.Equal(t, "hello", string(got[0].Payload))
}

func TestFrameTooLargeCloses(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	sess, err := f.registry.Register(conn)
	require.NoError(t, err)
	codec := protocol.TextFactory(16)()
	pipeline.Attach(context.Background(), conn, codec, sess, f.registry, f.auth, f.dispatch, metrics.NewNop(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	conn.push("2001:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	assert.True(t, conn.isClosed())
	_, ok := f.registry.LookupByID(sess.ID)
	assert.False(t, ok, "close must unregister the session")
}

func TestDecodeErrorCloses(t *testing.T) {
	f := newFixture()
	conn := newScriptConn()
	f.attach(t, conn)

	conn.push("not-a-frame\n")
	assert.True(t, conn.isClosed())
}

func TestRebindEvictsFirstConnection(t *testing.T) {
	f := newFixture()

	conn1 := newScriptConn()
	first := f.attach(t, conn1)
	conn1.push("1001:alice:secret:phone\n")
	require.True(t, first.Authenticated())

	// Different device: both sessions stay bound.
	conn2 := newScriptConn()
	second := f.attach(t, conn2)
	conn2.push("1001:alice:secret:laptop\n")
	require.True(t, second.Authenticated())
	assert.Len(t, f.registry.LookupByUser("alice"), 2)

	// Same device as the first: the first is evicted.
	conn3 := newScriptConn()
	third := f.attach(t, conn3)
	conn3.push("1001:alice:secret:phone\n")
	require.True(t, third.Authenticated())

	assert.True(t, first.Terminated())
	require.Eventually(t, conn1.isClosed, timeout, tick)
	assert.Len(t, f.registry.LookupByUser("alice"), 2)
}
