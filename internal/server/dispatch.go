package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/vevoly/Atomicio-sub001/internal/cluster"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// ForwardDispatcher is the default business dispatcher. It reads every
// business payload as a JSON forwarding request and hands the resulting
// envelope to the cluster router:
//
//	{"to":["bob"],"group":"room-7","exclude":["alice"],"type":2001,"body":{...}}
//
// "type" defaults to the inbound command id; "body" may be any JSON value and
// is forwarded verbatim. Embedders with their own message semantics replace
// this through Options.Dispatcher.
type ForwardDispatcher struct {
	router *cluster.Router
	logger *slog.Logger
}

func NewForwardDispatcher(router *cluster.Router, logger *slog.Logger) *ForwardDispatcher {
	return &ForwardDispatcher{
		router: router,
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

func (d *ForwardDispatcher) Handle(ctx context.Context, sess *session.Session, msg *protocol.Message) error {
	payload := string(msg.Payload)
	if !gjson.Valid(payload) {
		return fmt.Errorf("command %d: payload is not valid JSON", msg.CommandID)
	}

	env := &cluster.ForwardingEnvelope{
		ToGroupID:   gjson.Get(payload, "group").String(),
		PayloadType: msg.CommandID,
	}
	if t := gjson.Get(payload, "type"); t.Exists() {
		env.PayloadType = int(t.Int())
	}
	for _, v := range gjson.Get(payload, "to").Array() {
		env.ToUserIDs = append(env.ToUserIDs, v.String())
	}
	for _, v := range gjson.Get(payload, "exclude").Array() {
		env.ExcludeUserIDs = append(env.ExcludeUserIDs, v.String())
	}
	if body := gjson.Get(payload, "body"); body.Exists() {
		env.Payload = []byte(body.Raw)
	}

	d.logger.Debug("forwarding message",
		slog.String("from", sess.UserID()),
		slog.Int("payloadType", env.PayloadType),
		slog.Int("toCount", len(env.ToUserIDs)),
		slog.String("group", env.ToGroupID))
	return d.router.Route(ctx, env)
}
