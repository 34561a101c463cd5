// Package auth defines the authenticator capability consumed by the pipeline
// and ships two embeddable implementations: shared-secret JWT and a static
// user table.
package auth

import (
	"context"

	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// Authenticator decides whether a login message binds the session. It is
// called on the connection's processing goroutine: while it runs, no further
// inbound frames from that connection are processed, which is exactly the
// suspend-until-resolved contract the pipeline needs. Implementations may
// block on remote calls; ctx is the connection's context.
type Authenticator interface {
	Authenticate(ctx context.Context, sess *session.Session, login *protocol.Message) session.AuthResult
}

// Func adapts a plain function to the Authenticator interface.
type Func func(ctx context.Context, sess *session.Session, login *protocol.Message) session.AuthResult

func (f Func) Authenticate(ctx context.Context, sess *session.Session, login *protocol.Message) session.AuthResult {
	return f(ctx, sess, login)
}
