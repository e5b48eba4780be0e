package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"otpattend/internal/auth"
)

const (
	maxTrackedClients = 10000
	idleClientTTL     = 10 * time.Minute
)

// Limiter is an in-memory per-client token bucket.
type Limiter struct {
	perMinute int
	burst     int
	mu        sync.Mutex
	clients   *expirable.LRU[string, *rate.Limiter]
}

// NewLimiter allows perMinute requests per client with a burst of the same
// size. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		burst:     perMinute,
		clients:   expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, idleClientTTL),
	}
}

// GinMiddleware returns gin handler enforcing per-client limits.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.perMinute <= 0 {
			c.Next()
			return
		}
		if !l.allow(ClientKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.burst)
		l.clients.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// ClientKey identifies the caller by token subject, falling back to IP.
func ClientKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "sub:" + claims.Subject
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
