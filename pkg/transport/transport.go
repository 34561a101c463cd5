package transport

import (
	"errors"
	"time"
)

// ErrReaderIdle is the close reason used when a peer goes silent past the
// reader-idle deadline.
var ErrReaderIdle = errors.New("reader idle deadline exceeded")

// DataHandler receives raw byte chunks exactly as they arrive off the wire.
// Frame assembly is the pipeline's job, not the transport's.
type DataHandler func(chunk []byte)

// CloseHandler runs once when a connection is fully torn down.
type CloseHandler func(err error)

// readerIdleGrace is the multiple of the reader-idle interval after which a
// silent peer is declared dead (the peer is expected to heartbeat well within
// one interval).
const readerIdleGrace = 3

// Config carries per-connection transport settings.
type Config struct {
	// ReaderIdle is the expected maximum gap between inbound reads. Zero
	// disables dead-connection detection.
	ReaderIdle time.Duration
	// SendBuffer is the outbound channel depth; writes beyond it are dropped
	// with a warning rather than blocking the caller.
	SendBuffer int
}

func (c Config) sendBuffer() int {
	if c.SendBuffer <= 0 {
		return 256
	}
	return c.SendBuffer
}

func (c Config) readDeadline() time.Duration {
	if c.ReaderIdle <= 0 {
		return 0
	}
	return c.ReaderIdle * readerIdleGrace
}

// Conn is a single live connection. Implementations are safe for concurrent
// use and guarantee the close handler fires exactly once.
type Conn interface {
	// Run starts the read and write pumps.
	Run()
	// Send queues one already-encoded frame for writing. Safe after close
	// (the frame is dropped).
	Send(frame []byte)
	// Close tears the connection down with the given reason.
	Close(err error)
	// Done is closed when teardown has completed.
	Done() <-chan struct{}
	// RemoteAddr describes the peer, for logging.
	RemoteAddr() string

	SetDataHandler(h DataHandler)
	SetCloseHandler(h CloseHandler)
}
