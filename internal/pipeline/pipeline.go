// Package pipeline turns a connection's byte stream into typed messages:
// frame assembly, decode, the authentication gate and business dispatch.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vevoly/Atomicio-sub001/internal/metrics"
	"github.com/vevoly/Atomicio-sub001/pkg/auth"
	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
	"github.com/vevoly/Atomicio-sub001/pkg/transport"
)

// ErrAuthFailed is the close reason after a rejecting AuthResult.
var ErrAuthFailed = errors.New("authentication failed")

// Dispatcher is the injected business-dispatch capability. It only ever sees
// authenticated sessions and may call back into the router with an envelope.
type Dispatcher interface {
	Handle(ctx context.Context, sess *session.Session, msg *protocol.Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, sess *session.Session, msg *protocol.Message) error

func (f DispatcherFunc) Handle(ctx context.Context, sess *session.Session, msg *protocol.Message) error {
	return f(ctx, sess, msg)
}

// Pipeline processes one connection. All inbound work runs on the
// connection's read goroutine, so messages are handled in arrival order and
// a blocking Authenticate suspends that connection (and only that
// connection) until it resolves.
type Pipeline struct {
	ctx           context.Context
	conn          transport.Conn
	codec         protocol.Codec
	sess          *session.Session
	registry      session.Registry
	authenticator auth.Authenticator
	dispatcher    Dispatcher
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Attach wires a freshly registered session to its connection: installs the
// session's write path through this connection's encoder and hooks the data
// and close callbacks. Codec state is per-connection; never share a Codec.
func Attach(
	ctx context.Context,
	conn transport.Conn,
	codec protocol.Codec,
	sess *session.Session,
	registry session.Registry,
	authenticator auth.Authenticator,
	dispatcher Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	p := &Pipeline{
		ctx:           ctx,
		conn:          conn,
		codec:         codec,
		sess:          sess,
		registry:      registry,
		authenticator: authenticator,
		dispatcher:    dispatcher,
		metrics:       m,
		logger: logger.With(
			slog.String("component", "pipeline"),
			slog.String("sessionID", sess.ID),
		),
	}

	sess.SetWriter(func(msg *protocol.Message) error {
		frame, err := codec.Encoder.Encode(msg)
		if err != nil {
			return err
		}
		conn.Send(frame)
		return nil
	})
	conn.SetDataHandler(p.onData)
	conn.SetCloseHandler(func(err error) {
		p.logger.Debug("connection closed", slog.Any("reason", err))
		registry.Unregister(sess.ID)
	})
	return p
}

// onData runs frame assembly and per-message processing. Frame and decode
// failures are protocol desync and close the connection.
func (p *Pipeline) onData(chunk []byte) {
	frames, err := p.codec.FrameDecoder.Frames(chunk)
	if err != nil {
		p.logger.Warn("frame assembly failed", slog.Any("error", err))
		p.conn.Close(err)
		return
	}
	for _, frame := range frames {
		msg, err := p.codec.Decoder.Decode(frame)
		if err != nil {
			p.logger.Warn("message decode failed", slog.Any("error", err))
			p.conn.Close(err)
			return
		}
		p.process(msg)
		if p.sess.Terminated() {
			return
		}
	}
}

func (p *Pipeline) process(msg *protocol.Message) {
	p.metrics.MessagesReceived.Inc()
	p.sess.Touch()

	switch {
	case msg.CommandID == protocol.CmdLogin:
		p.handleLogin(msg)

	case !p.sess.Authenticated():
		// Everything except login, heartbeats included, is rejected until
		// the session is bound; the connection stays open.
		p.reply(protocol.CmdError, []byte("unauthenticated"))

	case msg.CommandID == protocol.CmdHeartbeat:
		p.reply(protocol.CmdHeartbeatAck, nil)

	default:
		if err := p.dispatcher.Handle(p.ctx, p.sess, msg); err != nil {
			p.logger.Warn("dispatch failed",
				slog.Int("commandID", msg.CommandID),
				slog.Any("error", err))
			p.reply(protocol.CmdError, []byte(err.Error()))
		}
	}
}

// handleLogin runs the authenticator and either binds or closes. The call
// blocks this connection's read goroutine, which is the pipeline's single
// suspend point: later frames from this connection queue unprocessed until
// the result resolves, preserving per-connection ordering.
func (p *Pipeline) handleLogin(msg *protocol.Message) {
	if p.sess.Authenticated() {
		p.reply(protocol.CmdError, []byte("already authenticated"))
		return
	}

	res := p.authenticator.Authenticate(p.ctx, p.sess, msg)
	if !res.OK {
		p.metrics.AuthFailures.Inc()
		p.logger.Info("authentication rejected", slog.String("reason", res.ErrMessage))
		p.reply(protocol.CmdError, []byte(res.ErrMessage))
		p.conn.Close(ErrAuthFailed)
		return
	}

	bound, err := p.registry.Bind(p.sess.ID, res.BindRequest())
	if err != nil {
		p.logger.Error("bind failed", slog.Any("error", err))
		p.reply(protocol.CmdError, []byte("bind failed"))
		p.conn.Close(err)
		return
	}
	p.metrics.SessionsBound.Inc()
	p.logger.Info("session authenticated",
		slog.String("userID", bound.UserID()),
		slog.String("deviceID", bound.DeviceID()))
	p.reply(protocol.CmdLoginAck, []byte(bound.UserID()))
}

func (p *Pipeline) reply(commandID int, payload []byte) {
	if err := p.sess.Write(protocol.NewMessage(commandID, payload)); err != nil {
		p.logger.Warn("reply failed", slog.Int("commandID", commandID), slog.Any("error", err))
	}
}
