package middleware

import (
	"context"
	"net"
	"net/http"
)

type ctxKey int

const reqMetadataKey ctxKey = 0

// RequestMetadata carries per-request facts later handlers need.
type RequestMetadata struct {
	IP string
}

// ReqMetadataFrom extracts the metadata set by RequestMetadataMiddleware.
func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	meta, ok := ctx.Value(reqMetadataKey).(*RequestMetadata)
	return meta, ok
}

// RequestMetadataMiddleware resolves the client IP and stashes it on the
// request context.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			meta := &RequestMetadata{IP: ip}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqMetadataKey, meta)))
		})
	}
}
