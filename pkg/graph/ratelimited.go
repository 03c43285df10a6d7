package graph

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openshift/planner-proxy/pkg/fnv"
)

// maxLimiters bounds the number of tracked credentials. Beyond it, limiters
// that have fully recovered are dropped.
const maxLimiters = 4096

type rateLimited struct {
	interval time.Duration
	burst    int
	next     http.RoundTripper
	now      func() time.Time

	mu       sync.Mutex // protects limiters
	limiters map[uint64]*rate.Limiter
}

// NewRateLimited returns a http.RoundTripper that allows each bearer
// credential one request per interval with the given burst. Requests over
// budget fail with ErrRateLimited without reaching next.
func NewRateLimited(next http.RoundTripper, interval time.Duration, burst int) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{
		interval: interval,
		burst:    burst,
		next:     next,
		now:      time.Now,
		limiters: make(map[uint64]*rate.Limiter),
	}
}

func (rt *rateLimited) RoundTrip(req *http.Request) (*http.Response, error) {
	key := fnv.Key(req.Header.Get("Authorization"))
	if !rt.allow(key, rt.now()) {
		return nil, ErrRateLimited
	}
	return rt.next.RoundTrip(req)
}

func (rt *rateLimited) allow(key uint64, now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	limiter, ok := rt.limiters[key]
	if !ok {
		if len(rt.limiters) >= maxLimiters {
			rt.prune(now)
		}
		limiter = rate.NewLimiter(rate.Every(rt.interval), rt.burst)
		rt.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

// prune must be called with mu held.
func (rt *rateLimited) prune(now time.Time) {
	for key, limiter := range rt.limiters {
		if limiter.TokensAt(now) >= float64(rt.burst) {
			delete(rt.limiters, key)
		}
	}
}
