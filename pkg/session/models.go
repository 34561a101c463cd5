package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// Well-known attribute keys shared between the pipeline, the registry and
// business dispatch.
const (
	AttrUserID          = "userId"
	AttrDeviceID        = "deviceId"
	AttrIsAuthenticated = "isAuthenticated"
	AttrGroups          = "groups"
)

// Session is the server-side record of one live connection. It is owned by
// the registry of the node that accepted the connection; identity fields are
// set exactly once at bind time.
type Session struct {
	ID        string
	NodeID    string
	Conn      transport.Conn
	CreatedAt time.Time

	mu            sync.RWMutex
	userID        string
	deviceID      string
	deviceType    string
	loginTime     time.Time
	authenticated bool
	attrs         map[string]string
	writer        func(*protocol.Message) error

	lastActivity atomic.Int64 // unix nanos
	terminated   atomic.Bool
}

// NewUnbound creates the registry's record for a fresh, unauthenticated
// connection.
func NewUnbound(id, nodeID string, conn transport.Conn) *Session {
	s := &Session{
		ID:        id,
		NodeID:    nodeID,
		Conn:      conn,
		CreatedAt: time.Now(),
		attrs:     make(map[string]string),
	}
	s.lastActivity.Store(s.CreatedAt.UnixNano())
	return s
}

// Touch refreshes the activity clock. It never moves backwards.
func (s *Session) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.lastActivity.Load()
		if now <= prev || s.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) DeviceType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceType
}

func (s *Session) LoginTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loginTime
}

// Terminated reports whether the session was evicted or unregistered.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// SetAttr stores a session-scoped attribute for business dispatch.
func (s *Session) SetAttr(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

func (s *Session) Attr(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// SetWriter installs the pipeline's encode-and-send path. The router writes
// to local recipients through this, so every outbound Message goes through
// the connection's own codec.
func (s *Session) SetWriter(w func(*protocol.Message) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// Write encodes and queues one message on this session's connection.
func (s *Session) Write(msg *protocol.Message) error {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return ErrNoWriter
	}
	return w(msg)
}

// MarkTerminated flags the session as evicted or unregistered. The pipeline
// checks this before dispatching so a displaced session cannot act after its
// replacement is installed.
func (s *Session) MarkTerminated() {
	s.terminated.Store(true)
}

// BindIdentity installs identity under the session lock. Called by the
// registry only, inside its bind critical section.
func (s *Session) BindIdentity(req BindRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = req.UserID
	s.deviceID = req.DeviceID
	s.deviceType = req.DeviceType
	s.loginTime = time.Now()
	s.authenticated = true
	s.attrs[AttrUserID] = req.UserID
	s.attrs[AttrDeviceID] = req.DeviceID
	s.attrs[AttrIsAuthenticated] = "true"
}

// Details returns the replication-safe subset of this session. It never
// carries the connection handle.
func (s *Session) Details() Details {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Details{
		NodeID:       s.NodeID,
		DeviceType:   s.deviceType,
		LoginTime:    s.loginTime.UnixMilli(),
		LastActivity: s.LastActivity().UnixMilli(),
	}
}

// Details is the cluster-wide view of a bound session.
type Details struct {
	NodeID       string `json:"nodeId"`
	DeviceType   string `json:"deviceType,omitempty"`
	LoginTime    int64  `json:"loginTime"`
	LastActivity int64  `json:"lastActivityTime"`
}

// BindRequest asks the registry to attach an identity to a raw session.
// It is consumed by Bind and never stored.
type BindRequest struct {
	UserID     string
	DeviceID   string
	DeviceType string
}

// AuthResult is the outcome of an authentication attempt. Exactly one of the
// identity fields or the error message is populated; use the constructors.
type AuthResult struct {
	OK         bool
	UserID     string
	DeviceID   string
	DeviceType string
	ErrMessage string
}

// Success builds a passing result carrying the bound identity.
func Success(userID, deviceID, deviceType string) AuthResult {
	return AuthResult{OK: true, UserID: userID, DeviceID: deviceID, DeviceType: deviceType}
}

// Failure builds a rejecting result with a client-visible message.
func Failure(msg string) AuthResult {
	return AuthResult{ErrMessage: msg}
}

// BindRequest derives the bind request from a passing result.
func (r AuthResult) BindRequest() BindRequest {
	return BindRequest{UserID: r.UserID, DeviceID: r.DeviceID, DeviceType: r.DeviceType}
}
