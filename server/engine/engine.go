// Package engine orchestrates the per-frame pipeline: preprocess, fan out
// to the classifier ensemble, vote, merge. It owns no session state; one
// Engine instance serves every connection concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/cache"
	"github.com/mihir-joshi/trueframe/server/detector"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/preprocess"
	"github.com/mihir-joshi/trueframe/server/voter"
)

// Frame is one unit of visual input entering the pipeline.
type Frame struct {
	ID        string
	VideoID   string
	Timestamp float64
	Data      []byte
}

// Config tunes the engine.
type Config struct {
	// FrameTimeout bounds the fan-out wait per frame. Adapters that have
	// not answered by then count as failed votes for that frame only.
	FrameTimeout time.Duration

	PoolQueueSize int
	PoolWorkers   int
}

func DefaultConfig() Config {
	return Config{
		FrameTimeout:  3 * time.Second,
		PoolQueueSize: 64,
		PoolWorkers:   8,
	}
}

// Stats are the engine's running totals, exposed via the stats endpoint.
type Stats struct {
	StartTime        time.Time `json:"start_time"`
	TotalFrames      int64     `json:"total_frames"`
	RealVerdicts     int64     `json:"real_verdicts"`
	FakeVerdicts     int64     `json:"fake_verdicts"`
	NoFaceVerdicts   int64     `json:"no_face_verdicts"`
	SuspiciousCount  int64     `json:"suspicious_verdicts"`
	FailedFrames     int64     `json:"failed_frames"`
	CacheHits        int64     `json:"cache_hits"`
	AverageLatencyMS float64   `json:"average_latency_ms"`
	QueueSize        int       `json:"queue_size"`
	ActiveWorkers    int       `json:"active_workers"`
}

type Engine struct {
	preprocessor preprocess.Preprocessor
	adapters     []detector.Adapter
	voter        *voter.Voter
	pool         *InferencePool
	cache        cache.VerdictCache
	logger       *zap.Logger
	config       Config

	mutex sync.Mutex
	stats Stats
}

// New wires the engine from its collaborators. Adapters are shared
// read-only handles; tests substitute static ones.
func New(pre preprocess.Preprocessor, adapters []detector.Adapter, v *voter.Voter,
	verdictCache cache.VerdictCache, cfg Config, logger *zap.Logger) *Engine {

	return &Engine{
		preprocessor: pre,
		adapters:     adapters,
		voter:        v,
		pool:         NewInferencePool(cfg.PoolQueueSize, cfg.PoolWorkers),
		cache:        verdictCache,
		logger:       logger,
		config:       cfg,
		stats: Stats{
			StartTime:     time.Now(),
			ActiveWorkers: cfg.PoolWorkers,
		},
	}
}

// Analyze runs one frame through preprocess, the ensemble and the voter.
// A frame with no detectable face is a valid NO_FACE verdict, not an
// error; an error return means the pipeline produced no usable verdict.
func (e *Engine) Analyze(ctx context.Context, frame *Frame) (*models.FrameVerdict, error) {
	start := time.Now()
	e.count(func(s *Stats) { s.TotalFrames++ })

	cacheKey := cache.FrameKey(frame.Data)
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, cacheKey); err == nil {
			e.logger.Debug("verdict cache hit",
				zap.String("frame_id", frame.ID), zap.String("key", cacheKey))
			e.count(func(s *Stats) { s.CacheHits++ })
			cached.Timestamp = frame.Timestamp
			e.recordVerdict(cached, start)
			return cached, nil
		}
	}

	face, err := e.preprocessor.DetectAlign(ctx, frame.Data)
	if err != nil {
		if errors.Is(err, preprocess.ErrNoFace) {
			verdict := &models.FrameVerdict{
				Label:      models.LabelNoFace,
				Confidence: 0,
				Timestamp:  frame.Timestamp,
				VotingInfo: "no face detected in frame",
			}
			e.recordVerdict(verdict, start)
			return verdict, nil
		}
		e.count(func(s *Stats) { s.FailedFrames++ })
		return nil, fmt.Errorf("preprocessing failed: %w", err)
	}

	votes := e.collectVotes(ctx, face.Pixels, frame.ID)

	var verdict models.FrameVerdict
	if len(votes) == 0 {
		// Every adapter failed for a frame with a detected face. Distinct
		// from NO_FACE: we tried and could not decide.
		verdict = models.FrameVerdict{
			Label:      models.LabelSuspicious,
			Confidence: 0,
			VotingInfo: "all classifiers failed",
		}
	} else {
		verdict = e.voter.Vote(votes)
	}
	verdict.Timestamp = frame.Timestamp
	bbox := face.BBox
	verdict.BBox = &bbox

	if e.cache != nil && verdict.Label != models.LabelSuspicious {
		if err := e.cache.Set(ctx, cacheKey, &verdict); err != nil {
			e.logger.Warn("failed to cache verdict", zap.Error(err))
		}
	}

	e.recordVerdict(&verdict, start)
	return &verdict, nil
}

// collectVotes fans out to every adapter in parallel through the shared
// pool and gathers whatever arrives before the per-frame deadline. A
// failed or timed-out adapter is excluded rather than aborting the frame.
func (e *Engine) collectVotes(ctx context.Context, facePixels []byte, frameID string) []models.ModelVote {
	ctx, cancel := context.WithTimeout(ctx, e.config.FrameTimeout)
	defer cancel()

	resultChan := make(chan predictResult, len(e.adapters))
	submitted := 0
	for _, adapter := range e.adapters {
		a := adapter
		job := &predictJob{
			run: func() (models.ModelVote, error) {
				return a.Predict(ctx, facePixels)
			},
			resultChan: resultChan,
			enqueuedAt: time.Now(),
		}
		if e.pool.Submit(job) {
			submitted++
		} else {
			e.logger.Warn("inference pool saturated, dropping vote",
				zap.String("model", a.Name()), zap.String("frame_id", frameID))
		}
	}

	votes := make([]models.ModelVote, 0, submitted)
	for i := 0; i < submitted; i++ {
		select {
		case res := <-resultChan:
			if res.err != nil {
				e.logger.Warn("classifier vote failed",
					zap.String("frame_id", frameID), zap.Error(res.err))
				continue
			}
			votes = append(votes, res.vote)
		case <-ctx.Done():
			e.logger.Warn("frame inference deadline reached",
				zap.String("frame_id", frameID),
				zap.Int("votes_collected", len(votes)),
				zap.Int("votes_pending", submitted-i))
			return votes
		}
	}
	return votes
}

// GetStats returns a snapshot of the engine counters.
func (e *Engine) GetStats() Stats {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	stats := e.stats
	stats.QueueSize = e.pool.Size()
	return stats
}

// GetCacheStats returns cache statistics, when a cache is wired.
func (e *Engine) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if e.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return e.cache.GetStats(ctx)
}

// Shutdown stops the inference pool and closes the cache.
func (e *Engine) Shutdown() error {
	e.logger.Info("shutting down inference engine")

	if err := e.pool.Shutdown(30 * time.Second); err != nil {
		e.logger.Error("failed to shut down inference pool", zap.Error(err))
		return err
	}

	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			e.logger.Error("failed to close verdict cache", zap.Error(err))
			return err
		}
	}

	return nil
}

func (e *Engine) recordVerdict(v *models.FrameVerdict, start time.Time) {
	latency := time.Since(start)
	e.mutex.Lock()
	defer e.mutex.Unlock()

	switch v.Label {
	case models.LabelReal:
		e.stats.RealVerdicts++
	case models.LabelFake:
		e.stats.FakeVerdicts++
	case models.LabelNoFace:
		e.stats.NoFaceVerdicts++
	case models.LabelSuspicious:
		e.stats.SuspiciousCount++
	}

	current := float64(latency) / float64(time.Millisecond)
	if e.stats.AverageLatencyMS == 0 {
		e.stats.AverageLatencyMS = current
	} else {
		alpha := 0.1
		e.stats.AverageLatencyMS = alpha*current + (1-alpha)*e.stats.AverageLatencyMS
	}
}

func (e *Engine) count(update func(*Stats)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	update(&e.stats)
}
