package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
)

// Middleware applies the limiter before the wrapped handler runs. Denied
// requests get a 429 with a Retry-After header and an audit event; exempt
// paths pass straight through.
func Middleware(limiter *Limiter, recorder *audit.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || limiter.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := limiter.Check(r.Context(), ClientKey(r), r.URL.Path)
		if err != nil {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if !decision.Allowed {
			recorder.Record(r.Context(), audit.EventRateLimited, "", audit.RequestInfo{
				ClientIP:  ClientKey(r),
				UserAgent: r.UserAgent(),
			}, map[string]any{"path": r.URL.Path})
			seconds := int(decision.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
