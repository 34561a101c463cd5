package protocol

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnsupportedProtocol is returned when no codec factory is registered
	// for the requested protocol name and no default is configured. Fatal at
	// startup time.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrFrameTooLarge means a frame exceeded the codec's maximum length.
	// The connection is unrecoverable and must be closed.
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")

	// ErrDecode means the byte stream could not be decoded into a Message.
	// Protocol desync is unrecoverable; the connection must be closed.
	ErrDecode = errors.New("malformed frame")
)

// FrameDecoder assembles complete frames out of an arbitrarily segmented byte
// stream. Implementations are stateful and must not be shared across
// connections.
type FrameDecoder interface {
	// Frames appends a chunk of raw bytes and returns every complete frame
	// now available. Partial trailing data is buffered for the next call.
	Frames(chunk []byte) ([][]byte, error)
}

// Decoder turns one complete frame into a Message.
type Decoder interface {
	Decode(frame []byte) (*Message, error)
}

// Encoder serializes a Message into a complete frame, delimiters included.
type Encoder interface {
	Encode(msg *Message) ([]byte, error)
}

// Codec is the triple a pipeline needs for one connection. Every call to a
// Factory yields fresh decoder state.
type Codec struct {
	FrameDecoder FrameDecoder
	Decoder      Decoder
	Encoder      Encoder
}

// Factory produces a new Codec for a single connection.
type Factory func() Codec

// Registry maps protocol names to codec factories. It is populated explicitly
// at process start; resolution happens once per connection at setup time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	def       string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under the given protocol name, replacing any
// previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// SetDefault names the protocol used when Resolve is called with "".
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = name
}

// Resolve returns a fresh Codec for the named protocol.
func (r *Registry) Resolve(name string) (Codec, error) {
	r.mu.RLock()
	if name == "" {
		name = r.def
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, name)
	}
	return f(), nil
}
