package matrix

import (
	"context"
	"sync"

	"github.com/shawkym/mxview/pkg/ratelimit"
)

var limiterRegistry sync.Map

// limiterFor returns the token bucket shared by all clients of baseURL,
// updated to rate and burst.
func limiterFor(baseURL string, rate float64, burst int) *ratelimit.Limiter {
	key := cleanBaseURL(baseURL)
	if existing, ok := limiterRegistry.Load(key); ok {
		l := existing.(*ratelimit.Limiter)
		l.Update(rate, burst)
		return l
	}
	l := ratelimit.NewLimiter(rate, burst)
	actual, _ := limiterRegistry.LoadOrStore(key, l)
	return actual.(*ratelimit.Limiter)
}

func waitForLimiter(ctx context.Context, l *ratelimit.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
