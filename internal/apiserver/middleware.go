package apiserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// uploadBucket is a token bucket for one upload id: it refills
// continuously rather than resetting on a fixed-minute boundary, so a
// burst of chunk-status polls during an active transfer doesn't starve
// the rest of that upload's minute the way a fixed window would.
type uploadBucket struct {
	tokens   float64
	lastSeen time.Time
}

// chunkRateLimiter throttles the file-chunk surface per upload id
// rather than per client IP: chunks.POST("/:id") and its status poll
// are one upload moving through possibly-retried requests from behind
// NAT or a mobile network, so IP is the wrong identity to key on —
// two uploads sharing a NAT shouldn't share a quota, and one upload
// retrying across IPs shouldn't escape its quota.
type chunkRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*uploadBucket
	burst   float64
	perSec  float64
}

func newChunkRateLimiter(requestsPerMinute int) *chunkRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	rl := &chunkRateLimiter{
		buckets: make(map[string]*uploadBucket),
		burst:   float64(requestsPerMinute),
		perSec:  float64(requestsPerMinute) / 60,
	}
	go rl.cleanup()
	return rl
}

func (rl *chunkRateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &uploadBucket{tokens: rl.burst - 1, lastSeen: now}
		rl.buckets[key] = b
		return true
	}
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.lastSeen = now
	b.tokens += elapsed * rl.perSec
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts buckets that have sat at a full refill for a while:
// an upload id that's gone quiet has nothing left to protect.
func (rl *chunkRateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) > 10*time.Minute {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimitMiddleware keys the limiter by the upload id in the path
// (chunks.POST("/:id") and its status poll) so quota tracks the
// upload, not whichever IP its requests happen to arrive from. Routes
// with no :id (the health check) fall back to the client address.
func rateLimitMiddleware(requestsPerMinute int) gin.HandlerFunc {
	rl := newChunkRateLimiter(requestsPerMinute)
	return func(c *gin.Context) {
		key := c.Param("id")
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.allow(key) {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate limit exceeded",
				Message: fmt.Sprintf("maximum %d requests per minute for this upload", requestsPerMinute),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
