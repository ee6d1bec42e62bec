package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/speedprobe/internal/util"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per client key. Buckets idle for
// longer than ttl are dropped.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func NewRateLimiter(perSecond float64, burst int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) > r.ttl {
		r.sweep(now)
	}
	client := r.clients[key]
	if client == nil {
		client = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = client
	}
	client.last = now
	return client.limiter.AllowN(now, 1)
}

func (r *RateLimiter) sweep(now time.Time) {
	for key, client := range r.clients {
		if now.Sub(client.last) > r.ttl {
			delete(r.clients, key)
		}
	}
	r.lastSweep = now
}

func ClientIP(r *http.Request) string {
	return util.HostOnly(r.RemoteAddr)
}
