package middleware

import (
	"log/slog"
	"net/http"
	"sync"
)

// NewConnectionLimiter caps concurrent websocket upgrades per client IP.
// In-band authentication happens after the upgrade, so the limit keys on IP
// rather than user. maxPerIP <= 0 disables the limiter.
func NewConnectionLimiter(logger *slog.Logger, maxPerIP int) Middleware {
	var mu sync.Mutex
	active := make(map[string]int)

	return func(next http.Handler) http.Handler {
		if maxPerIP <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			mu.Lock()
			if active[meta.IP] >= maxPerIP {
				mu.Unlock()
				logger.Warn("connection limit reached", slog.String("ip", meta.IP))
				http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
				return
			}
			active[meta.IP]++
			mu.Unlock()

			defer func() {
				mu.Lock()
				active[meta.IP]--
				if active[meta.IP] <= 0 {
					delete(active, meta.IP)
				}
				mu.Unlock()
			}()

			next.ServeHTTP(w, r)
		})
	}
}
