package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// TCPConn runs a raw TCP socket through the standard read/write pump pair.
type TCPConn struct {
	conn   net.Conn
	config Config

	onData  DataHandler
	onClose CloseHandler

	send      chan []byte
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        *sync.WaitGroup

	logger *slog.Logger
}

var _ Conn = (*TCPConn)(nil)

func NewTCPConn(parentCtx context.Context, wg *sync.WaitGroup, conn net.Conn, config Config, logger *slog.Logger) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)
	// Counted from construction so Close is safe even before Run.
	wg.Add(1)
	return &TCPConn{
		conn:   conn,
		config: config,
		send:   make(chan []byte, config.sendBuffer()),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("remoteAddr", conn.RemoteAddr().String())),
	}
}

func (c *TCPConn) Run() {
	go c.readPump()
	go c.writePump()
}

// readPump pulls raw chunks off the socket and hands them to the data
// handler. The handler runs on this goroutine, so a blocked handler applies
// natural backpressure to the peer (inbound ordering is preserved and the
// kernel buffers what we do not read).
func (c *TCPConn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	buf := make([]byte, 4096)
	for {
		if d := c.config.readDeadline(); d > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
				readErr = err
				return
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 && c.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.onData(chunk)
		}
		if err != nil {
			if isTimeout(err) {
				readErr = ErrReaderIdle
			} else {
				readErr = err
			}
			return
		}
	}
}

func (c *TCPConn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *TCPConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Warn("send on closed connection dropped")
	default:
		c.logger.Warn("send buffer full, frame dropped")
	}
}

func (c *TCPConn) Close(err error) {
	c.closeOnce.Do(func() {
		// The send channel is never closed; concurrent Send calls select
		// against ctx.Done and the write pump exits on cancel.
		c.logger.Debug("connection closing", slog.Any("reason", err))
		c.cancel()
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(err)
		}
		c.wg.Done()
		close(c.done)
	})
}

func (c *TCPConn) Done() <-chan struct{}          { return c.done }
func (c *TCPConn) RemoteAddr() string             { return c.conn.RemoteAddr().String() }
func (c *TCPConn) SetDataHandler(h DataHandler)   { c.onData = h }
func (c *TCPConn) SetCloseHandler(h CloseHandler) { c.onClose = h }

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return os.IsTimeout(err)
}
