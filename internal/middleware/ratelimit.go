package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// RateLimiter throttles requests per user, or per client address for
// anonymous requests. Idle limiters expire.
type RateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst.
func NewRateLimiter(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	// Two first requests racing may each create a limiter; the loser's
	// allowance is forgotten on the next Get.
	rl.limiters.Add(key, l)
	return l
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key == "" {
			key = clientAddr(r)
		}

		if !rl.limiter(key).Allow() {
			rl.log.WithField("key", key).WithField("path", r.URL.Path).Info("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(rl.rate)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(limit rate.Limit) int {
	if limit <= 0 || limit >= 1 {
		return 1
	}
	return int(1/float64(limit)) + 1
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
