package protocol

// Command identifiers understood by the core. Business commands start at 2000
// and are opaque to the pipeline; everything below is control traffic.
const (
	CmdLogin        = 1001
	CmdLoginAck     = 1002
	CmdHeartbeat    = 1003
	CmdHeartbeatAck = 1004
	CmdError        = 1005

	CmdBusinessBase = 2000
)

// Message is the wire-level unit: one Message per logical frame.
// SequenceID is client-assigned and monotonically increasing per connection;
// codecs that cannot represent it on the wire carry it as zero.
type Message struct {
	CommandID  int
	SequenceID int64
	Payload    []byte
}

// NewMessage builds a message with no sequence id, for server-originated
// frames (acks, errors, forwarded deliveries).
func NewMessage(commandID int, payload []byte) *Message {
	return &Message{CommandID: commandID, Payload: payload}
}

// IsControl reports whether the command is handled by the pipeline itself
// rather than business dispatch.
func IsControl(commandID int) bool {
	return commandID < CmdBusinessBase
}
