package auth

import (
	"context"
	"strings"

	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// Static validates logins against a fixed user table. The login payload is
// the text-protocol form "user:secret[:deviceId[:deviceType]]"; a missing
// device id defaults to "default", so single-device clients need not send
// one.
type Static struct {
	// Users maps user id to the expected secret.
	Users map[string]string
}

var _ Authenticator = (*Static)(nil)

func (a *Static) Authenticate(_ context.Context, _ *session.Session, login *protocol.Message) session.AuthResult {
	parts := strings.SplitN(string(login.Payload), ":", 4)
	if len(parts) < 2 || parts[0] == "" {
		return session.Failure("malformed credentials")
	}
	userID, secret := parts[0], parts[1]

	expected, ok := a.Users[userID]
	if !ok || expected != secret {
		return session.Failure("invalid credentials")
	}

	deviceID := "default"
	if len(parts) > 2 && parts[2] != "" {
		deviceID = parts[2]
	}
	deviceType := ""
	if len(parts) > 3 {
		deviceType = parts[3]
	}
	return session.Success(userID, deviceID, deviceType)
}
