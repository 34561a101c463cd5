package sessionmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vevoly/Atomicio-sub001/pkg/idgen"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// ErrEvicted is the close reason given to a connection displaced by a newer
// bind of the same (user, device) pair.
var ErrEvicted = errors.New("session evicted by newer bind for same identity")

// ErrIdleEvicted is the close reason used by the background sweep.
var ErrIdleEvicted = errors.New("session evicted after idle deadline")

// InMemoryRegistry is the node-local session directory.
type InMemoryRegistry struct {
	nodeID string
	gen    idgen.Generator

	mu     sync.RWMutex
	byID   map[string]*session.Session
	byUser map[string]map[string]*session.Session // userID -> deviceID -> session

	listenerMu sync.RWMutex
	onBind     []session.BindListener
	onUnbind   []session.UnbindListener

	logger *slog.Logger
}

var _ session.Registry = (*InMemoryRegistry)(nil)

func New(nodeID string, gen idgen.Generator, logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		nodeID: nodeID,
		gen:    gen,
		byID:   make(map[string]*session.Session),
		byUser: make(map[string]map[string]*session.Session),
		logger: logger.With(slog.String("component", "session_registry")),
	}
}

func (r *InMemoryRegistry) Register(conn transport.Conn) (*session.Session, error) {
	id, err := r.gen.NextID()
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	sess := session.NewUnbound(id, r.nodeID, conn)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("register session: duplicate id %q", id)
	}
	r.byID[id] = sess
	r.logger.Debug("session registered", slog.String("sessionID", id))
	return sess, nil
}

func (r *InMemoryRegistry) Bind(sessionID string, req session.BindRequest) (*session.Session, error) {
	if req.UserID == "" {
		return nil, errors.New("bind: empty user id")
	}

	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, session.ErrSessionNotFound
	}

	// Evict any prior session for the same identity before the new one
	// becomes authenticated. The old connection is closed off this
	// goroutine so a slow peer cannot stall the bind.
	devices, ok := r.byUser[req.UserID]
	if !ok {
		devices = make(map[string]*session.Session)
		r.byUser[req.UserID] = devices
	}
	if old, exists := devices[req.DeviceID]; exists && old != sess {
		old.MarkTerminated()
		delete(r.byID, old.ID)
		go old.Conn.Close(ErrEvicted)
		r.logger.Info("evicted prior session on rebind",
			slog.String("userID", req.UserID),
			slog.String("deviceID", req.DeviceID),
			slog.String("oldSessionID", old.ID))
		// No retraction is published here: the bind fact below overwrites
		// the same (user, device) key cluster-wide.
	}

	sess.BindIdentity(req)
	devices[req.DeviceID] = sess
	details := sess.Details()
	r.mu.Unlock()

	r.listenerMu.RLock()
	listeners := r.onBind
	r.listenerMu.RUnlock()
	for _, l := range listeners {
		l(req.UserID, req.DeviceID, details)
	}

	r.logger.Debug("session bound",
		slog.String("sessionID", sessionID),
		slog.String("userID", req.UserID),
		slog.String("deviceID", req.DeviceID))
	return sess, nil
}

func (r *InMemoryRegistry) Touch(sessionID string) {
	r.mu.RLock()
	sess, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if ok {
		sess.Touch()
	}
}

func (r *InMemoryRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, sessionID)

	var userID, deviceID string
	wasBound := false
	if sess.Authenticated() {
		userID, deviceID = sess.UserID(), sess.DeviceID()
		if devices, ok := r.byUser[userID]; ok {
			if cur, ok := devices[deviceID]; ok && cur == sess {
				delete(devices, deviceID)
				wasBound = true
			}
			if len(devices) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	sess.MarkTerminated()
	r.mu.Unlock()

	if wasBound {
		r.listenerMu.RLock()
		listeners := r.onUnbind
		r.listenerMu.RUnlock()
		for _, l := range listeners {
			l(userID, deviceID)
		}
	}
	r.logger.Debug("session unregistered", slog.String("sessionID", sessionID))
}

func (r *InMemoryRegistry) LookupByID(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

func (r *InMemoryRegistry) LookupByUser(userID string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*session.Session, 0, len(devices))
	for _, s := range devices {
		out = append(out, s)
	}
	return out
}

// SweepIdle is the registry's only autonomous mutation. It snapshots
// candidates under the read lock, then evicts through Unregister so listener
// and map bookkeeping stay in one place.
func (r *InMemoryRegistry) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	deadline := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var stale []*session.Session
	for _, sess := range r.byID {
		if sess.LastActivity().Before(deadline) {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		r.Unregister(sess.ID)
		go sess.Conn.Close(ErrIdleEvicted)
		r.logger.Info("idle session evicted",
			slog.String("sessionID", sess.ID),
			slog.Time("lastActivity", sess.LastActivity()))
	}
	return len(stale)
}

func (r *InMemoryRegistry) All() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *InMemoryRegistry) OnBind(l session.BindListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onBind = append(r.onBind, l)
}

func (r *InMemoryRegistry) OnUnbind(l session.UnbindListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onUnbind = append(r.onUnbind, l)
}
