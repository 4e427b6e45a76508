package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// pruneThreshold bounds the limiter map; past it, idle entries are dropped.
const (
	pruneThreshold = 8192
	pruneIdle      = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		if len(p.entries) >= pruneThreshold {
			for k, v := range p.entries {
				if now.Sub(v.lastSeen) > pruneIdle {
					delete(p.entries, k)
				}
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// RateLimit enforces a per-caller token bucket. Authenticated requests key
// on the account; everything else keys on the client IP.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	pool := &limiterPool{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if id := UserID(c); id != uuid.Nil {
			key = id.String()
		}
		if !pool.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
