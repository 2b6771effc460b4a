package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RateLimiter struct {
	clients    map[string]*clientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	stopCh     chan struct{}
	logger     *zap.Logger
	defaultRPS int
	burst      int
}

type clientBucket struct {
	tokens     int
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*clientBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.allowRequest(clientIP) {
			rl.logger.Warn("rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequest(clientIP string) bool {
	rl.mutex.RLock()
	bucket, exists := rl.clients[clientIP]
	rl.mutex.RUnlock()

	if !exists {
		bucket = &clientBucket{
			tokens:     rl.burst,
			lastUpdate: time.Now(),
		}
		rl.mutex.Lock()
		rl.clients[clientIP] = bucket
		rl.mutex.Unlock()
	}

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastUpdate)
	refill := int(elapsed.Seconds() * float64(rl.defaultRPS))
	if refill > 0 {
		bucket.tokens += refill
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastUpdate = now
	}

	if bucket.tokens <= 0 {
		return false
	}
	bucket.tokens--
	return true
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mutex.Lock()
			for ip, bucket := range rl.clients {
				bucket.mutex.Lock()
				stale := bucket.lastUpdate.Before(cutoff)
				bucket.mutex.Unlock()
				if stale {
					delete(rl.clients, ip)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.cleanup.Stop()
	close(rl.stopCh)
}
