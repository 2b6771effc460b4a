package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mihir-joshi/trueframe/server/models"
)

func frame(ts float64, label models.Label, conf float64) models.FrameVerdict {
	return models.FrameVerdict{Label: label, Confidence: conf, Timestamp: ts}
}

func TestAppendFrameNoEmissionBeforeBoundary(t *testing.T) {
	a := New(10, 120)
	require.Nil(t, a.AppendFrame(frame(0, models.LabelReal, 0.8)))
	require.Nil(t, a.AppendFrame(frame(5, models.LabelReal, 0.8)))
	require.Nil(t, a.AppendFrame(frame(9, models.LabelFake, 0.9)))
	require.Equal(t, 3, a.Buffered())
}

func TestAppendFrameEmitsAtBoundary(t *testing.T) {
	a := New(10, 120)
	for ts := 0; ts < 7; ts++ {
		require.Nil(t, a.AppendFrame(frame(float64(ts), models.LabelReal, 0.8)))
	}
	for ts := 7; ts < 10; ts++ {
		require.Nil(t, a.AppendFrame(frame(float64(ts), models.LabelFake, 0.9)))
	}

	verdict := a.AppendFrame(frame(10, models.LabelReal, 0.8))
	require.NotNil(t, verdict)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.InDelta(t, 0.8, verdict.Confidence, 1e-9)
	require.Equal(t, 8, verdict.RealFrames)
	require.Equal(t, 3, verdict.FakeFrames)
	require.Equal(t, 0.0, verdict.WindowStart)
	require.Equal(t, 10.0, verdict.WindowEnd)
	require.Empty(t, verdict.TieBreakReason)

	// The boundary advanced, so the next frame starts a fresh window.
	require.Nil(t, a.AppendFrame(frame(11, models.LabelReal, 0.8)))
}

func TestWindowVerdictCountMajority(t *testing.T) {
	a := New(10, 120)
	confs := []float64{0.9, 0.8, 0.7, 0.9, 0.6, 0.8, 0.9}
	for i, c := range confs {
		a.AppendFrame(frame(float64(i), models.LabelReal, c))
	}
	a.AppendFrame(frame(7, models.LabelFake, 0.99))
	a.AppendFrame(frame(8, models.LabelFake, 0.99))
	a.AppendFrame(frame(9, models.LabelFake, 0.99))

	verdict, ok := a.ComputeWindowVerdict(10)
	require.True(t, ok)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.InDelta(t, 0.8, verdict.Confidence, 1e-9)
	require.Equal(t, 7, verdict.RealFrames)
	require.Equal(t, 3, verdict.FakeFrames)
}

func TestWindowVerdictTieBreaksOnMeanConfidence(t *testing.T) {
	a := New(10, 120)
	for ts := 0; ts < 5; ts++ {
		a.AppendFrame(frame(float64(ts), models.LabelReal, 0.6))
	}
	for ts := 5; ts < 10; ts++ {
		a.AppendFrame(frame(float64(ts), models.LabelFake, 0.75))
	}

	verdict, ok := a.ComputeWindowVerdict(10)
	require.True(t, ok)
	require.Equal(t, models.LabelFake, verdict.Label)
	require.InDelta(t, 0.75, verdict.Confidence, 1e-9)
	require.Contains(t, verdict.TieBreakReason, "tied 5-5")
	require.Contains(t, verdict.TieBreakReason, "FAKE wins on mean confidence")
}

func TestWindowVerdictSuspiciousMajority(t *testing.T) {
	a := New(10, 120)
	a.AppendFrame(frame(1, models.LabelSuspicious, 0))
	a.AppendFrame(frame(2, models.LabelSuspicious, 0))
	a.AppendFrame(frame(3, models.LabelSuspicious, 0))
	a.AppendFrame(frame(4, models.LabelReal, 0.9))
	a.AppendFrame(frame(5, models.LabelFake, 0.9))

	verdict, ok := a.ComputeWindowVerdict(10)
	require.True(t, ok)
	require.Equal(t, models.LabelSuspicious, verdict.Label)
	require.Equal(t, 0.0, verdict.Confidence)
	require.Equal(t, 3, verdict.SuspiciousCount)
}

func TestWindowVerdictSuspiciousNotStrictMajority(t *testing.T) {
	a := New(10, 120)
	a.AppendFrame(frame(1, models.LabelSuspicious, 0))
	a.AppendFrame(frame(2, models.LabelSuspicious, 0))
	a.AppendFrame(frame(3, models.LabelReal, 0.8))
	a.AppendFrame(frame(4, models.LabelReal, 0.8))
	a.AppendFrame(frame(5, models.LabelFake, 0.9))

	// Suspicious must strictly exceed both sides; 2-2-1 falls through to
	// the frame-count majority.
	verdict, ok := a.ComputeWindowVerdict(10)
	require.True(t, ok)
	require.Equal(t, models.LabelReal, verdict.Label)
}

func TestWindowVerdictEmptyRange(t *testing.T) {
	a := New(10, 120)
	a.AppendFrame(frame(1, models.LabelReal, 0.8))
	a.AppendFrame(frame(2, models.LabelReal, 0.8))

	_, ok := a.ComputeWindowVerdict(100)
	require.False(t, ok)
}

func TestWindowVerdictOnlyNoFaceFrames(t *testing.T) {
	a := New(10, 120)
	a.AppendFrame(frame(1, models.LabelNoFace, 0))
	a.AppendFrame(frame(2, models.LabelNoFace, 0))

	verdict, ok := a.ComputeWindowVerdict(10)
	require.True(t, ok)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.Equal(t, 0.0, verdict.Confidence)
	require.Equal(t, 2, verdict.NoFaceFrames)
}

func TestAppendFrameSeekResetsWindow(t *testing.T) {
	a := New(10, 120)
	a.AppendFrame(frame(100, models.LabelFake, 0.9))
	a.AppendFrame(frame(101, models.LabelFake, 0.9))
	a.AppendFrame(frame(102, models.LabelFake, 0.9))

	// Jumping far backwards discards the stale buffer entirely.
	require.Nil(t, a.AppendFrame(frame(5, models.LabelReal, 0.8)))
	require.Equal(t, 1, a.Buffered())

	verdict := a.AppendFrame(frame(15, models.LabelReal, 0.8))
	require.NotNil(t, verdict)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.Equal(t, 0, verdict.FakeFrames)
}

func TestAppendFrameBufferBounded(t *testing.T) {
	a := New(10, 5)
	for ts := 0; ts < 8; ts++ {
		a.AppendFrame(frame(float64(ts), models.LabelReal, 0.8))
	}
	require.Equal(t, 5, a.Buffered())
}

func TestComputeOverallVerdict(t *testing.T) {
	a := New(10, 120)
	_, ok := a.ComputeOverallVerdict()
	require.False(t, ok)

	a.AppendFrame(frame(3, models.LabelFake, 0.9))
	a.AppendFrame(frame(7, models.LabelFake, 0.8))
	a.AppendFrame(frame(42, models.LabelReal, 0.6))

	verdict, ok := a.ComputeOverallVerdict()
	require.True(t, ok)
	require.Equal(t, models.LabelFake, verdict.Label)
	require.InDelta(t, 0.85, verdict.Confidence, 1e-9)
	require.Equal(t, 3.0, verdict.WindowStart)
	require.Equal(t, 42.0, verdict.WindowEnd)
}
