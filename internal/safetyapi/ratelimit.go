package safetyapi

import (
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

// actorLimiter keeps one token bucket per actor. Idle buckets expire after ttl.
type actorLimiter struct {
	limit    rate.Limit
	burst    int
	visitors *gocache.Cache
}

func newActorLimiter(rps float64, burst int, ttl time.Duration) *actorLimiter {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &actorLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: gocache.New(ttl, ttl),
	}
}

func (l *actorLimiter) get(actorID string) *rate.Limiter {
	if v, ok := l.visitors.Get(actorID); ok {
		// refresh expiry on use
		l.visitors.SetDefault(actorID, v)
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	// Add fails when a concurrent request created the bucket first
	if err := l.visitors.Add(actorID, lim, gocache.DefaultExpiration); err != nil {
		if v, ok := l.visitors.Get(actorID); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// middleware must run after authmw.Gateway.
func (l *actorLimiter) middleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			act := actorOf(r)
			lim := l.get(act.ID)
			if !lim.Allow() {
				logger.Warn(r.Context(), "rate limit exceeded", "actor", act.ID, "path", r.URL.Path)
				retry := max(1, int(1/float64(l.limit)))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
