// Package client implements the client-side connection state machine:
// socket lifecycle, heartbeat emission and reconnection with exponential
// backoff. It speaks the same wire codecs as the server pipeline.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
)

// State of the connection machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned once Disconnect has been called; the machine is
	// terminal and a new Client must be created.
	ErrClosed = errors.New("client closed")
	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("client not connected")
)

// Config mirrors the client section of the configuration surface.
type Config struct {
	Addr           string
	Protocol       string // codec name; resolved against the registry
	ConnectTimeout time.Duration

	Heartbeat  bool
	WriterIdle time.Duration // heartbeat after this much outbound silence

	Reconnect             bool
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

// Client is one logical connection to the server, surviving transport drops
// when reconnection is enabled. Listeners run on the client's internal
// goroutines and must not block.
type Client struct {
	cfg    Config
	codecs *protocol.Registry
	logger *slog.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu         sync.Mutex
	state      State
	conn       net.Conn
	send       chan *protocol.Message
	connDone   chan struct{} // closed when the current connection is superseded
	connEpoch  int
	retryTimer *time.Timer
	retries    *backoff
	attempt    int

	seq atomic.Int64

	onMessage      func(*protocol.Message)
	onState        func(State)
	onReconnecting func(attempt int, delay time.Duration)
}

func New(cfg Config, codecs *protocol.Registry, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		codecs: codecs,
		logger: logger.With(slog.String("component", "client")),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		state:   StateDisconnected,
		retries: newBackoff(cfg.InitialReconnectDelay, cfg.MaxReconnectDelay),
	}
}

// OnMessage registers the inbound message listener.
func (c *Client) OnMessage(f func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnState registers a state-transition listener.
func (c *Client) OnState(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

// OnReconnecting registers the reconnecting listener; reconnection is
// otherwise silent.
func (c *Client) OnReconnecting(f func(attempt int, delay time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = f
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with the lock held; the listener is invoked
// without it.
func (c *Client) setState(s State) {
	c.state = s
	f := c.onState
	if f != nil {
		go f(s)
	}
}

// Connect performs the initial transition out of Disconnected. A failure
// either schedules a reconnect (when enabled) or lands back in Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	if err := c.tryConnect(ctx); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateClosed {
			return ErrClosed
		}
		if c.cfg.Reconnect {
			c.setState(StateReconnecting)
			c.scheduleRetryLocked()
		} else {
			c.setState(StateDisconnected)
		}
		return err
	}
	return nil
}

// tryConnect dials and installs the connection. Called without the lock.
func (c *Client) tryConnect(ctx context.Context) error {
	codec, err := c.codecs.Resolve(c.cfg.Protocol)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
	defer cancel()
	conn, err := c.dial(dialCtx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Addr, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connEpoch++
	epoch := c.connEpoch
	c.send = make(chan *protocol.Message, 64)
	send := c.send
	c.connDone = make(chan struct{})
	done := c.connDone
	c.retries.Reset()
	c.attempt = 0
	c.setState(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn, codec, epoch)
	go c.writeLoop(conn, codec, send, done, epoch)
	c.logger.Info("connected", slog.String("addr", c.cfg.Addr))
	return nil
}

// Send assigns the next sequence id and queues the message.
func (c *Client) Send(commandID int, payload []byte) error {
	c.mu.Lock()
	state := c.state
	send := c.send
	c.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if state != StateConnected {
		return ErrNotConnected
	}

	msg := &protocol.Message{
		CommandID:  commandID,
		SequenceID: c.seq.Add(1),
		Payload:    payload,
	}
	select {
	case send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Disconnect is terminal from any state: it cancels a pending retry,
// closes the socket and moves to Closed. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	// Bump the epoch so a read/write loop that observes its socket dying
	// right now cannot trigger a reconnect.
	c.connEpoch++
	c.releaseWriteLoopLocked()
	c.setState(StateClosed)
	c.logger.Info("disconnected by caller")
}

func (c *Client) readLoop(conn net.Conn, codec protocol.Codec, epoch int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := codec.FrameDecoder.Frames(buf[:n])
			if ferr != nil {
				c.handleTransportError(epoch, ferr)
				return
			}
			for _, frame := range frames {
				msg, derr := codec.Decoder.Decode(frame)
				if derr != nil {
					c.handleTransportError(epoch, derr)
					return
				}
				c.deliver(msg)
			}
		}
		if err != nil {
			c.handleTransportError(epoch, err)
			return
		}
	}
}

func (c *Client) deliver(msg *protocol.Message) {
	if msg.CommandID == protocol.CmdHeartbeatAck {
		return
	}
	c.mu.Lock()
	f := c.onMessage
	c.mu.Unlock()
	if f != nil {
		f(msg)
	}
}

// releaseWriteLoopLocked wakes the superseded connection's write loop so it
// can observe the epoch change and exit; the lock must be held and the epoch
// already bumped.
func (c *Client) releaseWriteLoopLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}

// writeLoop owns the socket's write side and the writer-idle heartbeat
// timer. Any outbound frame counts as traffic and re-arms the timer.
func (c *Client) writeLoop(conn net.Conn, codec protocol.Codec, send chan *protocol.Message, done <-chan struct{}, epoch int) {
	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if c.cfg.Heartbeat && c.cfg.WriterIdle > 0 {
		idleTimer = time.NewTimer(c.cfg.WriterIdle)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}
	rearm := func() {
		if idleTimer != nil {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(c.cfg.WriterIdle)
		}
	}
	write := func(msg *protocol.Message) bool {
		frame, err := codec.Encoder.Encode(msg)
		if err != nil {
			c.logger.Warn("encode failed", slog.Any("error", err))
			return true
		}
		if _, err := conn.Write(frame); err != nil {
			c.handleTransportError(epoch, err)
			return false
		}
		rearm()
		return true
	}

	for {
		c.mu.Lock()
		stale := epoch != c.connEpoch
		c.mu.Unlock()
		if stale {
			return
		}

		select {
		case <-done:
			return
		case msg := <-send:
			if !write(msg) {
				return
			}
		case <-idleC:
			if !write(protocol.NewMessage(protocol.CmdHeartbeat, nil)) {
				return
			}
		}
	}
}

// handleTransportError runs the disconnect side of the state machine for
// errors coming off the socket. Stale epochs (caller disconnects or already
// superseded connections) are ignored.
func (c *Client) handleTransportError(epoch int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.connEpoch || c.state == StateClosed {
		return
	}
	c.logger.Warn("transport error", slog.Any("error", err))
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connEpoch++
	c.releaseWriteLoopLocked()

	if c.cfg.Reconnect {
		c.setState(StateReconnecting)
		c.scheduleRetryLocked()
	} else {
		c.setState(StateDisconnected)
	}
}

// scheduleRetryLocked arms the reconnection timer; the lock must be held.
// The timer is the machine's only cancellable scheduled operation.
func (c *Client) scheduleRetryLocked() {
	delay := c.retries.Next()
	c.attempt++
	attempt := c.attempt
	if f := c.onReconnecting; f != nil {
		go f(attempt, delay)
	}
	c.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.mu.Unlock()

		if err := c.tryConnect(context.Background()); err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.state != StateReconnecting {
				return
			}
			c.scheduleRetryLocked()
		}
	})
}
