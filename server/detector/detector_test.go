package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/models"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		// 0 disables the background health loop in tests.
		HealthCheckInterval: 0,
	}
}

func modelBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPAdapterPredict(t *testing.T) {
	srv := modelBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ImageData []byte `json:"image_data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []byte("face-pixels"), req.ImageData)
		json.NewEncoder(w).Encode(map[string]any{"prediction": "FAKE", "confidence": 0.87})
	})

	a := NewHTTPAdapter("xception", srv.URL, testClientConfig(), zap.NewNop())
	defer a.Close()

	vote, err := a.Predict(context.Background(), []byte("face-pixels"))
	require.NoError(t, err)
	require.Equal(t, "xception", vote.ModelName)
	require.Equal(t, models.LabelFake, vote.Label)
	require.Equal(t, 0.87, vote.Confidence)
}

func TestHTTPAdapterRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := modelBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "backend busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"prediction": "REAL", "confidence": 0.7})
	})

	a := NewHTTPAdapter("ucf", srv.URL, testClientConfig(), zap.NewNop())
	defer a.Close()

	vote, err := a.Predict(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, models.LabelReal, vote.Label)
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPAdapterExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := modelBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "backend down", http.StatusInternalServerError)
	})

	a := NewHTTPAdapter("npr", srv.URL, testClientConfig(), zap.NewNop())
	defer a.Close()

	_, err := a.Predict(context.Background(), []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPAdapterRejectsBadResponses(t *testing.T) {
	responses := []map[string]any{
		{"prediction": "MAYBE", "confidence": 0.5},
		{"prediction": "REAL", "confidence": 1.5},
		{"prediction": "REAL", "confidence": 0.5, "error": "cuda out of memory"},
	}

	for _, resp := range responses {
		resp := resp
		srv := modelBackend(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(resp)
		})
		cfg := testClientConfig()
		cfg.MaxRetries = 0
		a := NewHTTPAdapter("m", srv.URL, cfg, zap.NewNop())
		_, err := a.Predict(context.Background(), []byte("x"))
		require.Error(t, err)
		a.Close()
	}
}

func TestHTTPAdapterContextCancelStopsRetrying(t *testing.T) {
	srv := modelBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	cfg := testClientConfig()
	cfg.RetryDelay = time.Hour
	a := NewHTTPAdapter("m", srv.URL, cfg, zap.NewNop())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Predict(ctx, []byte("x"))
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestStaticAdapter(t *testing.T) {
	a := &StaticAdapter{ModelName: "stub", Label: models.LabelReal, Confidence: 0.9}
	vote, err := a.Predict(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, models.LabelReal, vote.Label)
	require.Equal(t, "stub", a.Name())
}
