package session

import (
	"errors"
	"time"

	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoWriter        = errors.New("session has no write path attached")
)

// BindListener observes successful binds; the cluster directory publishes
// these facts to the bus.
type BindListener func(userID, deviceID string, details Details)

// UnbindListener observes retractions (unregister or eviction of a bound
// session).
type UnbindListener func(userID, deviceID string)

// Registry is the per-node directory of live connections.
//
// Invariants: a session id is unique and immutable for the life of one
// connection; at most one session per (userID, deviceID) is authenticated at
// a time; a second bind for the same pair evicts the first.
type Registry interface {
	// Register tracks a fresh, unauthenticated connection and assigns its
	// session id.
	Register(conn transport.Conn) (*Session, error)

	// Bind atomically attaches an identity: any existing session with the
	// same (userID, deviceID) is terminated and its connection closed
	// asynchronously before the new session becomes authenticated.
	Bind(sessionID string, req BindRequest) (*Session, error)

	// Touch refreshes the session's activity clock.
	Touch(sessionID string)

	// Unregister removes the session and retracts its details if bound.
	Unregister(sessionID string)

	LookupByID(sessionID string) (*Session, bool)

	// LookupByUser returns every live session bound to the user on this
	// node, for multi-device fan-out.
	LookupByUser(userID string) []*Session

	// SweepIdle evicts sessions idle past maxIdle and returns how many.
	// Safe to run concurrently with binds and unregisters.
	SweepIdle(maxIdle time.Duration) int

	// All snapshots every live session, bound or not.
	All() []*Session

	Count() int

	OnBind(l BindListener)
	OnUnbind(l UnbindListener)
}
