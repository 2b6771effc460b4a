package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/engine"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/session"
)

// BatchStatus is the lifecycle of a batch analysis job.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// BatchJob tracks one asynchronous batch of frames submitted over REST.
type BatchJob struct {
	ID          string                 `json:"job_id"`
	VideoID     string                 `json:"video_id,omitempty"`
	Status      BatchStatus            `json:"status"`
	SubmittedAt time.Time              `json:"submitted_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	TotalFrames int                    `json:"total_frames"`
	Processed   int                    `json:"processed_frames"`
	Results     []models.ResultMessage `json:"results,omitempty"`
	Verdict     *models.SessionVerdict `json:"verdict,omitempty"`
	Counters    session.Counters       `json:"counters"`
	Error       string                 `json:"error,omitempty"`
}

type batchTracker struct {
	mu   sync.RWMutex
	jobs map[string]*BatchJob
}

func (t *batchTracker) put(job *BatchJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
}

func (t *batchTracker) get(id string) (*BatchJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	return job, ok
}

func (t *batchTracker) update(id string, fn func(*BatchJob)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		fn(job)
	}
}

// StreamHandler serves the REST analysis surface: single frames, batch
// jobs and system stats.
type StreamHandler struct {
	engine        *engine.Engine
	logger        *zap.Logger
	windowSeconds float64
	maxBuffered   int
	startTime     time.Time
	batches       *batchTracker
}

func NewStreamHandler(eng *engine.Engine, windowSeconds float64, maxBuffered int, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		engine:        eng,
		logger:        logger,
		windowSeconds: windowSeconds,
		maxBuffered:   maxBuffered,
		startTime:     time.Now(),
		batches:       &batchTracker{jobs: make(map[string]*BatchJob)},
	}
}

type analyzeFrameRequest struct {
	ID      string  `json:"id"`
	TS      float64 `json:"ts"`
	Frame   string  `json:"frame" binding:"required"`
	VideoID string  `json:"video_id"`
}

// ProcessFrame analyzes a single frame synchronously. No session state is
// involved, so there is no throttling and no window summary.
func (h *StreamHandler) ProcessFrame(c *gin.Context) {
	var req analyzeFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	data, err := models.DecodeFrameData(req.Frame)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verdict, err := h.engine.Analyze(c.Request.Context(), &engine.Frame{
		ID:        req.ID,
		VideoID:   req.VideoID,
		Timestamp: req.TS,
		Data:      data,
	})
	if err != nil {
		h.logger.Error("frame analysis failed", zap.String("frame_id", req.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "frame analysis failed"})
		return
	}

	c.JSON(http.StatusOK, models.NewResultMessage(req.ID, req.TS, verdict))
}

type batchRequest struct {
	VideoID string `json:"video_id"`
	Frames  []struct {
		ID    string  `json:"id"`
		TS    float64 `json:"ts"`
		Frame string  `json:"frame" binding:"required"`
	} `json:"frames" binding:"required"`
}

const maxBatchFrames = 300

// CreateBatch accepts a list of frames and analyzes them asynchronously
// through a transient session, so the batch gets the same throttling and
// window aggregation a live connection would.
func (h *StreamHandler) CreateBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if len(req.Frames) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch contains no frames"})
		return
	}
	if len(req.Frames) > maxBatchFrames {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch exceeds frame limit"})
		return
	}

	job := &BatchJob{
		ID:          uuid.NewString(),
		VideoID:     req.VideoID,
		Status:      BatchStatusPending,
		SubmittedAt: time.Now(),
		TotalFrames: len(req.Frames),
	}
	h.batches.put(job)

	go h.runBatch(job.ID, req)

	h.logger.Info("batch job accepted",
		zap.String("job_id", job.ID),
		zap.String("video_id", req.VideoID),
		zap.Int("frames", len(req.Frames)))

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *StreamHandler) runBatch(jobID string, req batchRequest) {
	h.batches.update(jobID, func(j *BatchJob) { j.Status = BatchStatusProcessing })

	sess := session.New(h.windowSeconds, h.maxBuffered)
	sess.VideoID = req.VideoID
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	results := make([]models.ResultMessage, 0, len(req.Frames))
	for _, f := range req.Frames {
		if !sess.ShouldProcess(f.TS) {
			continue
		}

		data, err := models.DecodeFrameData(f.Frame)
		if err != nil {
			h.failBatch(jobID, "invalid frame data: "+err.Error())
			return
		}

		verdict, err := h.engine.Analyze(ctx, &engine.Frame{
			ID:        f.ID,
			VideoID:   req.VideoID,
			Timestamp: f.TS,
			Data:      data,
		})
		if err != nil {
			h.failBatch(jobID, "frame analysis failed")
			return
		}

		windowVerdict := sess.Record(*verdict)
		result := models.NewResultMessage(f.ID, f.TS, verdict)
		result.WindowSummary = windowVerdict
		results = append(results, *result)

		h.batches.update(jobID, func(j *BatchJob) { j.Processed++ })
	}

	final, _ := sess.FinalVerdict()
	now := time.Now()
	counters := sess.Counters()
	h.batches.update(jobID, func(j *BatchJob) {
		j.Status = BatchStatusCompleted
		j.CompletedAt = &now
		j.Results = results
		j.Verdict = final
		j.Counters = counters
	})

	h.logger.Info("batch job completed",
		zap.String("job_id", jobID),
		zap.Int64("processed", counters.TotalFrames),
		zap.Int64("dropped", counters.DroppedFrames))
}

func (h *StreamHandler) failBatch(jobID, errMsg string) {
	now := time.Now()
	h.batches.update(jobID, func(j *BatchJob) {
		j.Status = BatchStatusFailed
		j.CompletedAt = &now
		j.Error = errMsg
	})
	h.logger.Error("batch job failed", zap.String("job_id", jobID), zap.String("error", errMsg))
}

// GetBatchStatus reports a batch job. Completed jobs include per-frame
// results and the closing verdict.
func (h *StreamHandler) GetBatchStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	job, ok := h.batches.get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	h.batches.mu.RLock()
	defer h.batches.mu.RUnlock()
	c.JSON(http.StatusOK, job)
}

// GetStats reports engine, cache and runtime stats.
func (h *StreamHandler) GetStats(c *gin.Context) {
	stats := h.engine.GetStats()
	cacheStats, err := h.engine.GetCacheStats(c.Request.Context())
	if err != nil {
		h.logger.Warn("failed to collect cache stats", zap.Error(err))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"engine": stats,
		"cache":  cacheStats,
		"system": gin.H{
			"uptime_seconds": time.Since(h.startTime).Seconds(),
			"goroutines":     runtime.NumGoroutine(),
			"memory_mb":      float64(m.Alloc) / 1024 / 1024,
			"num_cpu":        runtime.NumCPU(),
		},
	})
}
