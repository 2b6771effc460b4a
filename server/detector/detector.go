// Package detector wraps the trained binary classifiers. Each adapter is
// built once at startup, holds no mutable state after construction, and is
// shared read-only by every session.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/models"
)

// Adapter is one ensemble member: aligned face pixels in, labelled vote
// out. Predict must be safe for concurrent invocation.
type Adapter interface {
	Name() string
	Predict(ctx context.Context, facePixels []byte) (models.ModelVote, error)
}

// ClientConfig tunes the HTTP adapters.
type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          2,
		RetryDelay:          250 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// HTTPAdapter calls one model's inference sidecar.
type HTTPAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig

	stopHealth chan struct{}
}

type predictRequest struct {
	ImageData []byte `json:"image_data"`
}

type predictResponse struct {
	Prediction models.Label `json:"prediction"`
	Confidence float64      `json:"confidence"`
	Error      string       `json:"error,omitempty"`
}

func NewHTTPAdapter(name, baseURL string, cfg ClientConfig, logger *zap.Logger) *HTTPAdapter {
	a := &HTTPAdapter{
		name:    name,
		baseURL: baseURL,
		logger:  logger.With(zap.String("model", name)),
		config:  cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
		stopHealth: make(chan struct{}),
	}

	if err := a.HealthCheck(context.Background()); err != nil {
		logger.Warn("model backend not available at startup",
			zap.String("model", name), zap.Error(err))
	}
	if cfg.HealthCheckInterval > 0 {
		go a.healthLoop()
	}

	return a
}

func (a *HTTPAdapter) Name() string { return a.name }

// Predict runs one inference round trip, retrying transient failures.
// Context cancellation (the per-frame deadline) stops retrying immediately.
func (a *HTTPAdapter) Predict(ctx context.Context, facePixels []byte) (models.ModelVote, error) {
	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			a.logger.Warn("retrying model prediction",
				zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return models.ModelVote{}, ctx.Err()
			case <-time.After(a.config.RetryDelay * time.Duration(attempt)):
			}
		}

		vote, err := a.predictOnce(ctx, facePixels)
		if err == nil {
			return vote, nil
		}
		if ctx.Err() != nil {
			return models.ModelVote{}, ctx.Err()
		}
		lastErr = err
	}
	return models.ModelVote{}, fmt.Errorf("model %s failed after %d attempts: %w",
		a.name, a.config.MaxRetries+1, lastErr)
}

func (a *HTTPAdapter) predictOnce(ctx context.Context, facePixels []byte) (models.ModelVote, error) {
	body, err := json.Marshal(predictRequest{ImageData: facePixels})
	if err != nil {
		return models.ModelVote{}, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	url := fmt.Sprintf("%s/predict", a.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.ModelVote{}, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.ModelVote{}, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return models.ModelVote{}, fmt.Errorf("model backend error (status %d): %s",
			resp.StatusCode, string(data))
	}

	var pred predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return models.ModelVote{}, fmt.Errorf("failed to decode prediction: %w", err)
	}
	if pred.Error != "" {
		return models.ModelVote{}, fmt.Errorf("model backend: %s", pred.Error)
	}
	if pred.Prediction != models.LabelReal && pred.Prediction != models.LabelFake {
		return models.ModelVote{}, fmt.Errorf("model backend returned unknown label %q", pred.Prediction)
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		return models.ModelVote{}, fmt.Errorf("model backend returned out-of-range confidence %f", pred.Confidence)
	}

	return models.ModelVote{
		ModelName:  a.name,
		Label:      pred.Prediction,
		Confidence: pred.Confidence,
	}, nil
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", a.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model backend unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func (a *HTTPAdapter) healthLoop() {
	ticker := time.NewTicker(a.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.HealthCheck(context.Background()); err != nil {
				a.logger.Error("model backend health check failed", zap.Error(err))
			} else {
				a.logger.Debug("model backend health check passed")
			}
		case <-a.stopHealth:
			return
		}
	}
}

// Close stops the background health checker.
func (a *HTTPAdapter) Close() {
	close(a.stopHealth)
}

// StaticAdapter always returns a fixed vote (or error). Used in tests and
// as a demo ensemble when no model backends are configured.
type StaticAdapter struct {
	ModelName  string
	Label      models.Label
	Confidence float64
	Err        error
	Delay      time.Duration
}

func (s *StaticAdapter) Name() string { return s.ModelName }

func (s *StaticAdapter) Predict(ctx context.Context, _ []byte) (models.ModelVote, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return models.ModelVote{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return models.ModelVote{}, s.Err
	}
	return models.ModelVote{
		ModelName:  s.ModelName,
		Label:      s.Label,
		Confidence: s.Confidence,
	}, nil
}
