package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tkoenig/drawbridge/internal/metrics"
	"github.com/tkoenig/drawbridge/internal/ratelimit"
)

// Shield checks the global limiter before any routing work. Denials answer
// 429 with a Retry-After hint.
func Shield(reg *ratelimit.Registry, m *metrics.Registry) Stage {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := reg.Shield(ClientIP(r))
			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			m.RecordDenial(dec.Scope, HostOnly(r.Host))
			WriteRateLimited(w, dec.RetryAfter)
		})
	}
}

// WriteRateLimited renders a limiter denial. Shared with the route-scope
// check that runs after routing.
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// retryAfterSeconds rounds up so a client that honors the hint never
// retries while the bucket is still empty.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
