package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/cache"
	"github.com/mihir-joshi/trueframe/server/detector"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/preprocess"
	"github.com/mihir-joshi/trueframe/server/voter"
)

func newTestEngine(t *testing.T, pre preprocess.Preprocessor, adapters []detector.Adapter) *Engine {
	t.Helper()
	eng := New(pre, adapters, voter.New(), nil, DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { eng.Shutdown() })
	return eng
}

func stubFace() *preprocess.StubPreprocessor {
	return &preprocess.StubPreprocessor{BBox: models.BBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}}
}

func TestAnalyzeFullEnsemble(t *testing.T) {
	eng := newTestEngine(t, stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Label: models.LabelReal, Confidence: 0.8},
		&detector.StaticAdapter{ModelName: "ucf", Label: models.LabelReal, Confidence: 0.6},
		&detector.StaticAdapter{ModelName: "npr", Label: models.LabelFake, Confidence: 0.9},
	})

	verdict, err := eng.Analyze(context.Background(), &Frame{
		ID: "f1", Timestamp: 12.5, Data: []byte("jpeg-bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.InDelta(t, 0.85, verdict.Confidence, 1e-9)
	require.Equal(t, 12.5, verdict.Timestamp)
	require.NotNil(t, verdict.BBox)
	require.Equal(t, 0.1, verdict.BBox.X)
	require.Equal(t, 3, verdict.Breakdown.Total())
	require.Len(t, verdict.Votes, 3)
}

func TestAnalyzeFailedAdapterExcluded(t *testing.T) {
	eng := newTestEngine(t, stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Label: models.LabelFake, Confidence: 0.9},
		&detector.StaticAdapter{ModelName: "ucf", Label: models.LabelFake, Confidence: 0.8},
		&detector.StaticAdapter{ModelName: "npr", Err: errors.New("model server down")},
	})

	verdict, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, models.LabelFake, verdict.Label)
	require.Equal(t, 2, verdict.Breakdown.Total())
}

func TestAnalyzeAllAdaptersFailed(t *testing.T) {
	eng := newTestEngine(t, stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Err: errors.New("down")},
		&detector.StaticAdapter{ModelName: "ucf", Err: errors.New("down")},
	})

	verdict, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, models.LabelSuspicious, verdict.Label)
	require.Equal(t, 0.0, verdict.Confidence)
	require.Equal(t, "all classifiers failed", verdict.VotingInfo)
	// The face was there even though no classifier answered.
	require.NotNil(t, verdict.BBox)
}

func TestAnalyzeNoFace(t *testing.T) {
	eng := newTestEngine(t, &preprocess.StubPreprocessor{NoFace: true}, []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Label: models.LabelFake, Confidence: 0.9},
	})

	verdict, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Timestamp: 3, Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, models.LabelNoFace, verdict.Label)
	require.Equal(t, 0.0, verdict.Confidence)
	require.Nil(t, verdict.BBox)
	require.Equal(t, 3.0, verdict.Timestamp)
}

func TestAnalyzePreprocessorError(t *testing.T) {
	eng := newTestEngine(t, &preprocess.StubPreprocessor{Err: errors.New("connection refused")}, nil)

	_, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Data: []byte("x")})
	require.Error(t, err)
	require.Equal(t, int64(1), eng.GetStats().FailedFrames)
}

func TestAnalyzeSlowAdapterTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameTimeout = 50 * time.Millisecond
	eng := New(stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "fast", Label: models.LabelReal, Confidence: 0.9},
		&detector.StaticAdapter{ModelName: "slow", Label: models.LabelFake, Confidence: 0.99, Delay: time.Second},
	}, voter.New(), nil, cfg, zap.NewNop())
	t.Cleanup(func() { eng.Shutdown() })

	verdict, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, models.LabelReal, verdict.Label)
	require.Equal(t, 1, verdict.Breakdown.Total())
}

func TestAnalyzeCacheHit(t *testing.T) {
	verdictCache := cache.NewMemoryCache(10, time.Minute, zap.NewNop())
	eng := New(stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Label: models.LabelFake, Confidence: 0.9},
	}, voter.New(), verdictCache, DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { eng.Shutdown() })

	first, err := eng.Analyze(context.Background(), &Frame{ID: "f1", Timestamp: 1, Data: []byte("same-frame")})
	require.NoError(t, err)

	second, err := eng.Analyze(context.Background(), &Frame{ID: "f2", Timestamp: 2, Data: []byte("same-frame")})
	require.NoError(t, err)

	require.Equal(t, first.Label, second.Label)
	require.Equal(t, first.Confidence, second.Confidence)
	// The cached verdict is restamped with the new frame's timestamp.
	require.Equal(t, 2.0, second.Timestamp)
	require.Equal(t, int64(1), eng.GetStats().CacheHits)
}

func TestAnalyzeSuspiciousNotCached(t *testing.T) {
	verdictCache := cache.NewMemoryCache(10, time.Minute, zap.NewNop())
	eng := New(stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Err: errors.New("down")},
	}, voter.New(), verdictCache, DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { eng.Shutdown() })

	for i := 0; i < 2; i++ {
		verdict, err := eng.Analyze(context.Background(), &Frame{ID: "f", Data: []byte("same-frame")})
		require.NoError(t, err)
		require.Equal(t, models.LabelSuspicious, verdict.Label)
	}
	require.Equal(t, int64(0), eng.GetStats().CacheHits)
}

func TestGetStatsCounts(t *testing.T) {
	eng := newTestEngine(t, stubFace(), []detector.Adapter{
		&detector.StaticAdapter{ModelName: "xception", Label: models.LabelFake, Confidence: 0.9},
	})

	for i := 0; i < 3; i++ {
		_, err := eng.Analyze(context.Background(), &Frame{ID: "f", Data: []byte{byte(i)}})
		require.NoError(t, err)
	}

	stats := eng.GetStats()
	require.Equal(t, int64(3), stats.TotalFrames)
	require.Equal(t, int64(3), stats.FakeVerdicts)
	require.Greater(t, stats.AverageLatencyMS, 0.0)
}
