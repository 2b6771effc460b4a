package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/models"
)

type MemoryCache struct {
	items   map[string]*cacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
}

type cacheItem struct {
	verdict     models.FrameVerdict
	expiresAt   time.Time
	lastUsed    time.Time
	accessCount int64
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		items:   make(map[string]*cacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	c.cleanup = time.NewTicker(1 * time.Minute)
	go c.cleanupExpired()

	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, verdict *models.FrameVerdict) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	c.items[key] = &cacheItem{
		verdict:     *verdict,
		expiresAt:   time.Now().Add(c.ttl),
		lastUsed:    time.Now(),
		accessCount: 1,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*models.FrameVerdict, error) {
	c.mutex.RLock()
	item, exists := c.items[key]
	c.mutex.RUnlock()

	if !exists {
		return nil, ErrCacheMiss
	}

	if time.Now().After(item.expiresAt) {
		c.mutex.Lock()
		delete(c.items, key)
		c.mutex.Unlock()
		return nil, ErrCacheMiss
	}

	c.mutex.Lock()
	item.lastUsed = time.Now()
	item.accessCount++
	verdict := item.verdict
	c.mutex.Unlock()

	return &verdict, nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	if time.Now().After(item.expiresAt) {
		return false, nil
	}

	return true, nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expiredCount := 0
	totalAccessCount := int64(0)

	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expiredCount++
		}
		totalAccessCount += item.accessCount
	}

	return &CacheStats{
		Connected: true,
		Info: fmt.Sprintf("items=%d,expired=%d,access_count=%d,max_size=%d",
			len(c.items), expiredCount, totalAccessCount, c.maxSize),
	}, nil
}

func (c *MemoryCache) Close() error {
	if c.cleanup != nil {
		c.cleanup.Stop()
	}
	close(c.stopCh)
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
