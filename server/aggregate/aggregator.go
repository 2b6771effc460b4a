// Package aggregate turns a stream of per-frame verdicts into periodic
// session-level verdicts over a sliding time window. The same reduction is
// used server-side for live sessions and for whole-sequence batch verdicts,
// so any client mirroring the rule can consume this package directly.
package aggregate

import (
	"fmt"

	"github.com/mihir-joshi/trueframe/server/models"
)

const (
	// DefaultWindowSeconds is the cadence at which session verdicts are
	// produced during normal playback.
	DefaultWindowSeconds = 10.0

	// DefaultMaxBuffered bounds retained frame verdicts per session. It
	// must cover at least one window at the 1 fps ingest rate.
	DefaultMaxBuffered = 120
)

// Aggregator maintains the time-ordered verdict buffer for one session.
// It is not safe for concurrent use: each session's connection goroutine
// is the sole owner.
type Aggregator struct {
	windowSeconds float64
	maxBuffered   int

	buffer       []models.FrameVerdict
	lastBoundary float64
	started      bool
}

func New(windowSeconds float64, maxBuffered int) *Aggregator {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Aggregator{
		windowSeconds: windowSeconds,
		maxBuffered:   maxBuffered,
	}
}

// AppendFrame records a frame verdict and, if the window boundary has been
// crossed, returns the resulting session verdict. A nil return means no
// window completed at this frame.
//
// A timestamp more than one window older than the newest buffered frame is
// treated as a seek: the buffer is cleared and the window restarts from the
// new position.
func (a *Aggregator) AppendFrame(v models.FrameVerdict) *models.SessionVerdict {
	now := v.Timestamp

	if a.started && now < a.newestTimestamp()-a.windowSeconds {
		a.buffer = a.buffer[:0]
		a.lastBoundary = now
	}
	if !a.started {
		a.lastBoundary = now
		a.started = true
	}

	a.buffer = append(a.buffer, v)
	if len(a.buffer) > a.maxBuffered {
		a.buffer = a.buffer[len(a.buffer)-a.maxBuffered:]
	}

	if now-a.lastBoundary >= a.windowSeconds {
		verdict, ok := a.ComputeWindowVerdict(now)
		a.lastBoundary = now
		if ok {
			return verdict
		}
	}
	return nil
}

// ComputeWindowVerdict reduces all buffered verdicts whose timestamp falls
// in [now-window, now]. The second return is false when the range holds no
// frames, in which case nothing should be emitted.
func (a *Aggregator) ComputeWindowVerdict(now float64) (*models.SessionVerdict, bool) {
	return a.reduce(now-a.windowSeconds, now)
}

// ComputeOverallVerdict reduces the entire retained buffer, regardless of
// window position. Used for the closing verdict of a batch sequence.
func (a *Aggregator) ComputeOverallVerdict() (*models.SessionVerdict, bool) {
	if len(a.buffer) == 0 {
		return nil, false
	}
	start, end := a.buffer[0].Timestamp, a.buffer[0].Timestamp
	for _, v := range a.buffer[1:] {
		if v.Timestamp < start {
			start = v.Timestamp
		}
		if v.Timestamp > end {
			end = v.Timestamp
		}
	}
	return a.reduce(start, end)
}

func (a *Aggregator) reduce(start, now float64) (*models.SessionVerdict, bool) {
	var real, fake, suspicious []float64
	noFace := 0
	for _, v := range a.buffer {
		if v.Timestamp < start || v.Timestamp > now {
			continue
		}
		switch v.Label {
		case models.LabelReal:
			real = append(real, v.Confidence)
		case models.LabelFake:
			fake = append(fake, v.Confidence)
		case models.LabelNoFace:
			noFace++
		default:
			suspicious = append(suspicious, v.Confidence)
		}
	}

	if len(real)+len(fake)+len(suspicious)+noFace == 0 {
		return nil, false
	}

	verdict := &models.SessionVerdict{
		WindowStart:     start,
		WindowEnd:       now,
		RealFrames:      len(real),
		FakeFrames:      len(fake),
		SuspiciousCount: len(suspicious),
		NoFaceFrames:    noFace,
	}

	switch {
	case len(suspicious) > len(real) && len(suspicious) > len(fake):
		verdict.Label = models.LabelSuspicious
		verdict.Confidence = mean(suspicious)
	case len(fake) > len(real):
		verdict.Label = models.LabelFake
		verdict.Confidence = mean(fake)
	case len(real) > len(fake):
		verdict.Label = models.LabelReal
		verdict.Confidence = mean(real)
	default:
		fakeMean := mean(fake)
		realMean := mean(real)
		if fakeMean > realMean {
			verdict.Label = models.LabelFake
			verdict.Confidence = fakeMean
		} else {
			verdict.Label = models.LabelReal
			verdict.Confidence = realMean
		}
		verdict.TieBreakReason = fmt.Sprintf(
			"frame counts tied %d-%d, %s wins on mean confidence (FAKE %.3f vs REAL %.3f)",
			len(fake), len(real), verdict.Label, fakeMean, realMean)
	}

	return verdict, true
}

// WindowSeconds reports the configured window length.
func (a *Aggregator) WindowSeconds() float64 { return a.windowSeconds }

// Buffered reports how many frame verdicts are currently retained.
func (a *Aggregator) Buffered() int { return len(a.buffer) }

func (a *Aggregator) newestTimestamp() float64 {
	if len(a.buffer) == 0 {
		return a.lastBoundary
	}
	newest := a.buffer[0].Timestamp
	for _, v := range a.buffer[1:] {
		if v.Timestamp > newest {
			newest = v.Timestamp
		}
	}
	return newest
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
