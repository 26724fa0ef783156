package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ratepilot/pkg/config"
	"ratepilot/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiters unused for this long are dropped on the next sweep.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters keeps one token bucket per client address.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the client should wait.
func (l *clientLimiters) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) >= limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now

	r := cl.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP returns the first X-Forwarded-For hop when it parses, else the
// host part of the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits requests per client address and caps the
// number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limits := cfg.Server.RateLimit
	if !limits.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return newRateLimiter(newClientLimiters(rate.Limit(limits.RequestsPerSecond), limits.Burst), limits.MaxConcurrent)
}

func newRateLimiter(clients *clientLimiters, maxConcurrent int) gin.HandlerFunc {
	var inFlight chan struct{}
	if maxConcurrent > 0 {
		inFlight = make(chan struct{}, maxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWithError(c, errors.NewUnavailableError("too many concurrent requests"))
				return
			}
		}

		if wait := clients.reserve(clientIP(c.Request)); wait > 0 {
			seconds := int((wait + time.Second - 1) / time.Second)
			c.Header("Retry-After", strconv.Itoa(seconds))
			abortWithError(c, errors.NewRateLimitedError(wait))
			return
		}
		c.Next()
	}
}
