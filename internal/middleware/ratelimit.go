package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// WindowCounter counts hits for a key inside a fixed window.
type WindowCounter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimitMiddleware caps each authenticated user at limit requests per
// window. The counter is shared, so the cap holds across instances. Counter
// errors let the request through.
func RateLimitMiddleware(counter WindowCounter, scope string, limit int, window time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserID(r.Context())
			if counter == nil || limit <= 0 || !ok {
				next.ServeHTTP(w, r)
				return
			}

			count, ttl, err := counter.IncrementWindow(r.Context(), "ratelimit:"+scope+":"+userID, window)
			if err != nil {
				logger.Warn().Err(err).Str("scope", scope).Msg("Rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if count > int64(limit) {
				retry := int(ttl.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				logger.Info().Str("scope", scope).Str("user_id", userID).Msg("Rate limit exceeded")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
