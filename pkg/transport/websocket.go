package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSConn adapts a websocket to the Conn surface. Each websocket message is
// delivered as one data chunk; the pipeline's frame decoder still applies,
// so a single ws message may carry several logical frames.
type WSConn struct {
	conn   *websocket.Conn
	remote string
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

var _ Conn = (*WSConn)(nil)

func NewWSConn(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, remote string, config Config, logger *slog.Logger) *WSConn {
	ctx, cancel := context.WithCancel(parentCtx)
	// Counted from construction so Close is safe even before Run.
	wg.Add(1)
	return &WSConn{
		conn:   conn,
		remote: remote,
		config: config,
		send:   make(chan []byte, config.sendBuffer()),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("remoteAddr", remote)),
	}
}

func (c *WSConn) Run() {
	go c.readPump()
	go c.writePump()
}

func (c *WSConn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if d := c.config.readDeadline(); d > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, d)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			if cancelRead != nil {
				cancelRead()
			}
			if readCtx.Err() == context.DeadlineExceeded {
				readErr = ErrReaderIdle
			} else {
				readErr = err
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		chunk, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onData != nil {
			c.onData(chunk)
		}
	}
}

func (c *WSConn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

func (c *WSConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Warn("send on closed connection dropped")
	default:
		c.logger.Warn("send buffer full, frame dropped")
	}
}

func (c *WSConn) Close(err error) {
	c.closeOnce.Do(func() {
		// The send channel is never closed; concurrent Send calls select
		// against ctx.Done and the write pump exits on cancel.
		c.logger.Debug("websocket connection closing", slog.Any("reason", err))
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(err)
		}
		c.wg.Done()
		close(c.done)
	})
}

func (c *WSConn) Done() <-chan struct{}          { return c.done }
func (c *WSConn) RemoteAddr() string             { return c.remote }
func (c *WSConn) SetDataHandler(h DataHandler)   { c.onData = h }
func (c *WSConn) SetCloseHandler(h CloseHandler) { c.onClose = h }
