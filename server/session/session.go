// Package session holds the per-connection mutable state for one video
// analysis session. A State is owned exclusively by its connection's
// goroutine; nothing here locks because nothing here is shared.
package session

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mihir-joshi/trueframe/server/aggregate"
	"github.com/mihir-joshi/trueframe/server/models"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Counters are the running per-session totals.
type Counters struct {
	TotalFrames     int64 `json:"total_frames"`
	RealFrames      int64 `json:"real_frames"`
	FakeFrames      int64 `json:"fake_frames"`
	SuspiciousCount int64 `json:"suspicious_frames"`
	NoFaceFrames    int64 `json:"no_face_frames"`
	DroppedFrames   int64 `json:"dropped_frames"`
}

// State is one session's buffer, counters and throttle position.
type State struct {
	ID        string
	VideoID   string
	StartedAt time.Time

	status     Status
	aggregator *aggregate.Aggregator
	counters   Counters

	// lastSecond is the integer-truncated capture second of the last
	// processed frame, for the one-frame-per-second drop policy.
	lastSecond    int64
	hasLastSecond bool
}

func New(windowSeconds float64, maxBuffered int) *State {
	return &State{
		ID:         uuid.NewString(),
		StartedAt:  time.Now(),
		status:     StatusIdle,
		aggregator: aggregate.New(windowSeconds, maxBuffered),
	}
}

// ShouldProcess applies the load-shedding policy: only the first frame of
// each integer-truncated capture second is processed, later arrivals in the
// same second are dropped rather than queued.
func (s *State) ShouldProcess(ts float64) bool {
	if s.status == StatusClosed {
		return false
	}
	sec := int64(math.Floor(ts))
	if s.hasLastSecond && sec == s.lastSecond {
		s.counters.DroppedFrames++
		return false
	}
	s.lastSecond = sec
	s.hasLastSecond = true
	return true
}

// Record appends a frame verdict to the session buffer, updates the
// counters and returns a session verdict if a window boundary was crossed.
func (s *State) Record(v models.FrameVerdict) *models.SessionVerdict {
	if s.status == StatusClosed {
		return nil
	}
	s.status = StatusActive

	s.counters.TotalFrames++
	switch v.Label {
	case models.LabelReal:
		s.counters.RealFrames++
	case models.LabelFake:
		s.counters.FakeFrames++
	case models.LabelNoFace:
		s.counters.NoFaceFrames++
	default:
		s.counters.SuspiciousCount++
	}

	return s.aggregator.AppendFrame(v)
}

// FinalVerdict reduces everything still buffered into a closing verdict,
// used when a batch or connection ends between window boundaries.
func (s *State) FinalVerdict() (*models.SessionVerdict, bool) {
	return s.aggregator.ComputeOverallVerdict()
}

// Close marks the session terminal and releases its buffer.
func (s *State) Close() {
	s.status = StatusClosed
	s.aggregator = aggregate.New(s.aggregator.WindowSeconds(), 1)
}

func (s *State) Status() Status     { return s.status }
func (s *State) Counters() Counters { return s.counters }
func (s *State) Buffered() int      { return s.aggregator.Buffered() }
