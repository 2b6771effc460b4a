package cache

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"

	"github.com/mihir-joshi/trueframe/server/models"
)

var ErrCacheMiss = errors.New("cache miss")

// VerdictCache short-circuits inference for frames the engine has already
// seen, keyed by frame content hash. Entries expire quickly; this covers
// repeated thumbnails and paused playback, not long-term storage.
type VerdictCache interface {
	Get(ctx context.Context, key string) (*models.FrameVerdict, error)

	Set(ctx context.Context, key string, verdict *models.FrameVerdict) error

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

// FrameKey hashes frame bytes into a cache key.
func FrameKey(frameData []byte) string {
	return fmt.Sprintf("frame:%x", md5.Sum(frameData))
}
