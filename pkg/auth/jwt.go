package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/vevoly/Atomicio-sub001/pkg/protocol"
	"github.com/vevoly/Atomicio-sub001/pkg/session"
)

// JWT validates an HMAC-signed token carried in a JSON login payload:
//
//	{"token": "...", "deviceId": "phone", "deviceType": "ios"}
//
// The token's subject claim becomes the user id.
type JWT struct {
	Secret string
}

var _ Authenticator = (*JWT)(nil)

func (a *JWT) Authenticate(_ context.Context, _ *session.Session, login *protocol.Message) session.AuthResult {
	payload := string(login.Payload)
	tokenString := gjson.Get(payload, "token").String()
	if tokenString == "" {
		return session.Failure("missing token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(a.Secret), nil
	})
	if err != nil || !token.Valid {
		return session.Failure("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return session.Failure("token missing subject")
	}

	deviceID := gjson.Get(payload, "deviceId").String()
	if deviceID == "" {
		deviceID = "default"
	}
	deviceType := gjson.Get(payload, "deviceType").String()
	return session.Success(subject, deviceID, deviceType)
}
