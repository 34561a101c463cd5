package cluster

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// Directory fact operations on the wire.
const (
	opBind   = "bind"
	opUnbind = "unbind"
)

// fact is one directory publication: a bind of (user, device) to a node, or
// its retraction.
type fact struct {
	Op       string           `json:"op"`
	UserID   string           `json:"userId"`
	DeviceID string           `json:"deviceId"`
	Details  *session.Details `json:"details,omitempty"`
}

// Directory is the node-local, eventually consistent cache of where every
// bound (user, device) lives, built purely from observed bus facts
// (including this node's own publications). A forward issued inside the
// propagation window may miss a fresh remote bind; that staleness is
// accepted and bounded by broker latency.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]map[string]string // userID -> deviceID -> nodeID
	logger *slog.Logger
}

func NewDirectory(logger *slog.Logger) *Directory {
	return &Directory{
		users:  make(map[string]map[string]string),
		logger: logger.With(slog.String("component", "cluster_directory")),
	}
}

// Apply consumes one raw fact off the directory topic.
func (d *Directory) Apply(data []byte) {
	var f fact
	if err := json.Unmarshal(data, &f); err != nil {
		d.logger.Warn("discarding malformed directory fact", slog.Any("error", err))
		return
	}
	switch f.Op {
	case opBind:
		if f.Details == nil {
			d.logger.Warn("bind fact without details", slog.String("userID", f.UserID))
			return
		}
		d.bind(f.UserID, f.DeviceID, f.Details.NodeID)
	case opUnbind:
		d.unbind(f.UserID, f.DeviceID)
	default:
		d.logger.Warn("unknown directory op", slog.String("op", f.Op))
	}
}

func (d *Directory) bind(userID, deviceID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	devices, ok := d.users[userID]
	if !ok {
		devices = make(map[string]string)
		d.users[userID] = devices
	}
	devices[deviceID] = nodeID
	d.logger.Debug("directory bind",
		slog.String("userID", userID),
		slog.String("deviceID", deviceID),
		slog.String("nodeID", nodeID))
}

func (d *Directory) unbind(userID, deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	devices, ok := d.users[userID]
	if !ok {
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(d.users, userID)
	}
	d.logger.Debug("directory unbind",
		slog.String("userID", userID),
		slog.String("deviceID", deviceID))
}

// Nodes returns the distinct node ids currently holding devices of the user.
func (d *Directory) Nodes(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	devices, ok := d.users[userID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(devices))
	var out []string
	for _, nodeID := range devices {
		if _, dup := seen[nodeID]; !dup {
			seen[nodeID] = struct{}{}
			out = append(out, nodeID)
		}
	}
	return out
}

// Known reports whether the directory has any location for the user.
func (d *Directory) Known(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok
}

// BindFact serializes a bind publication.
func BindFact(userID, deviceID string, details session.Details) []byte {
	data, _ := json.Marshal(fact{Op: opBind, UserID: userID, DeviceID: deviceID, Details: &details})
	return data
}

// UnbindFact serializes a retraction.
func UnbindFact(userID, deviceID string) []byte {
	data, _ := json.Marshal(fact{Op: opUnbind, UserID: userID, DeviceID: deviceID})
	return data
}
