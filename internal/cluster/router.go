package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vevoly/Atomicio-sub001/internal/metrics"
	"github.com/vevoly/Atomicio-sub001/pkg/group"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// forwardBatch is one bus message carrying an envelope's payload for every
// recipient held by a single target node. Batching per node, not per
// recipient, bounds bus traffic.
type forwardBatch struct {
	UserIDs     []string `json:"userIds"`
	PayloadType int      `json:"payloadType"`
	Payload     []byte   `json:"payload"`
	Origin      string   `json:"origin"`
}

// Router resolves forwarding envelopes against the local registry and the
// cluster directory, delivering locally through each session's own encoder
// and publishing one batch per remote node.
type Router struct {
	nodeID    string
	registry  session.Registry
	directory *Directory
	groups    group.Resolver
	bus       Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	warnMu    sync.RWMutex
	onWarning func(error)

	unsubs []func()
}

func NewRouter(nodeID string, registry session.Registry, directory *Directory, groups group.Resolver, bus Bus, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		nodeID:    nodeID,
		registry:  registry,
		directory: directory,
		groups:    groups,
		bus:       bus,
		metrics:   m,
		logger:    logger.With(slog.String("component", "cluster_router")),
	}
}

// OnWarning registers the non-fatal warning hook for degraded cross-node
// delivery. Bus failures never abort local work.
func (r *Router) OnWarning(f func(error)) {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	r.onWarning = f
}

func (r *Router) warn(err error) {
	r.metrics.BusPublishFailures.Inc()
	r.warnMu.RLock()
	f := r.onWarning
	r.warnMu.RUnlock()
	if f != nil {
		f(err)
	} else {
		r.logger.Warn("cluster degraded", slog.Any("error", err))
	}
}

// Start wires the router into the bus (inbox + directory subscriptions) and
// into the registry (bind/unbind fact publication).
func (r *Router) Start(ctx context.Context) error {
	unsub, err := r.bus.Subscribe(ctx, DirectoryTopic, func(_ string, data []byte) {
		r.directory.Apply(data)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe directory: %v", ErrUnavailable, err)
	}
	r.unsubs = append(r.unsubs, unsub)

	unsub, err = r.bus.Subscribe(ctx, InboxTopic(r.nodeID), func(_ string, data []byte) {
		r.handleInbox(data)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe inbox: %v", ErrUnavailable, err)
	}
	r.unsubs = append(r.unsubs, unsub)

	r.registry.OnBind(func(userID, deviceID string, details session.Details) {
		if err := r.bus.Publish(ctx, DirectoryTopic, BindFact(userID, deviceID, details)); err != nil {
			r.warn(fmt.Errorf("%w: publish bind fact: %v", ErrUnavailable, err))
			return
		}
		r.metrics.BusPublishes.Inc()
	})
	r.registry.OnUnbind(func(userID, deviceID string) {
		if err := r.bus.Publish(ctx, DirectoryTopic, UnbindFact(userID, deviceID)); err != nil {
			r.warn(fmt.Errorf("%w: publish unbind fact: %v", ErrUnavailable, err))
			return
		}
		r.metrics.BusPublishes.Inc()
	})
	return nil
}

// Stop cancels the bus subscriptions.
func (r *Router) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// Route resolves and delivers one envelope.
//
// Recipients are the union of ToUserIDs and the expanded group with
// ExcludeUserIDs filtered from the expansion only. Local recipients
// are delivered directly; remote recipients are grouped by owning node with
// exactly one publish per node; users with no known location are dropped
// silently. An unknown group is an error; a broker failure is a warning.
func (r *Router) Route(ctx context.Context, env *ForwardingEnvelope) error {
	if len(env.ToUserIDs) == 0 && env.ToGroupID == "" {
		return ErrEmptyEnvelope
	}

	recipients := make(map[string]struct{}, len(env.ToUserIDs))
	for _, userID := range env.ToUserIDs {
		recipients[userID] = struct{}{}
	}
	if env.ToGroupID != "" {
		members, err := r.groups.ResolveGroup(ctx, env.ToGroupID)
		if err != nil {
			return fmt.Errorf("resolve group %q: %w", env.ToGroupID, err)
		}
		// Exclusion filters the group expansion only; a user named in
		// ToUserIDs is kept even when also excluded.
		excluded := make(map[string]struct{}, len(env.ExcludeUserIDs))
		for _, userID := range env.ExcludeUserIDs {
			excluded[userID] = struct{}{}
		}
		for _, userID := range members {
			if _, skip := excluded[userID]; skip {
				continue
			}
			recipients[userID] = struct{}{}
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	msg := protocol.NewMessage(env.PayloadType, env.Payload)
	remote := make(map[string][]string) // nodeID -> userIDs

	for userID := range recipients {
		delivered := false
		for _, sess := range r.registry.LookupByUser(userID) {
			if err := sess.Write(msg); err != nil {
				r.logger.Warn("local delivery failed",
					slog.String("userID", userID),
					slog.String("sessionID", sess.ID),
					slog.Any("error", err))
				continue
			}
			delivered = true
			r.metrics.MessagesDelivered.WithLabelValues("local").Inc()
		}

		for _, nodeID := range r.directory.Nodes(userID) {
			if nodeID == r.nodeID {
				continue
			}
			remote[nodeID] = append(remote[nodeID], userID)
			delivered = true
		}

		if !delivered {
			// Offline: best-effort online delivery only, no queuing.
			r.metrics.MessagesDropped.Inc()
		}
	}

	for nodeID, userIDs := range remote {
		data, err := json.Marshal(forwardBatch{
			UserIDs:     userIDs,
			PayloadType: env.PayloadType,
			Payload:     env.Payload,
			Origin:      r.nodeID,
		})
		if err != nil {
			r.warn(fmt.Errorf("encode forward batch: %w", err))
			continue
		}
		if err := r.bus.Publish(ctx, InboxTopic(nodeID), data); err != nil {
			r.warn(fmt.Errorf("%w: forward to %s: %v", ErrUnavailable, nodeID, err))
			continue
		}
		r.metrics.BusPublishes.Inc()
	}
	return nil
}

// handleInbox delivers a batch forwarded by another node to whichever of the
// named users still hold sessions here. Recipients gone since the directory
// fact was observed are dropped silently.
func (r *Router) handleInbox(data []byte) {
	var batch forwardBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		r.logger.Warn("discarding malformed forward batch", slog.Any("error", err))
		return
	}
	msg := protocol.NewMessage(batch.PayloadType, batch.Payload)
	for _, userID := range batch.UserIDs {
		for _, sess := range r.registry.LookupByUser(userID) {
			if err := sess.Write(msg); err != nil {
				r.logger.Warn("forwarded delivery failed",
					slog.String("userID", userID),
					slog.Any("error", err))
				continue
			}
			r.metrics.MessagesDelivered.WithLabelValues("remote").Inc()
		}
	}
}
