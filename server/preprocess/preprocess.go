// Package preprocess is the boundary to the external face detection and
// alignment step. The engine only sees aligned face pixels and a
// normalized bounding box; detector internals live in a sidecar process.
package preprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/models"
)

// ErrNoFace signals the expected, frequent "no usable face in frame"
// outcome. It is not an error condition for the pipeline.
var ErrNoFace = errors.New("no face detected")

// Face is an aligned crop ready for classification.
type Face struct {
	Pixels []byte
	BBox   models.BBox
}

// Preprocessor detects and aligns the dominant face in a raw frame.
type Preprocessor interface {
	DetectAlign(ctx context.Context, frame []byte) (*Face, error)
}

// HTTPPreprocessor calls the face-alignment sidecar over HTTP.
type HTTPPreprocessor struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type alignRequest struct {
	ImageData []byte `json:"image_data"`
}

type alignResponse struct {
	Face  []byte     `json:"face"`
	BBox  [4]float64 `json:"bbox"`
	Error string     `json:"error,omitempty"`
}

func NewHTTPPreprocessor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPPreprocessor {
	return &HTTPPreprocessor{
		baseURL: baseURL,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

func (p *HTTPPreprocessor) DetectAlign(ctx context.Context, frame []byte) (*Face, error) {
	body, err := json.Marshal(alignRequest{ImageData: frame})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal align request: %w", err)
	}

	url := fmt.Sprintf("%s/align", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create align request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preprocessor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoFace
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("preprocessor error (status %d): %s", resp.StatusCode, string(data))
	}

	var aligned alignResponse
	if err := json.NewDecoder(resp.Body).Decode(&aligned); err != nil {
		return nil, fmt.Errorf("failed to decode align response: %w", err)
	}
	if aligned.Error != "" {
		return nil, fmt.Errorf("preprocessor: %s", aligned.Error)
	}
	if len(aligned.Face) == 0 {
		return nil, ErrNoFace
	}

	return &Face{
		Pixels: aligned.Face,
		BBox: models.BBox{
			X:      aligned.BBox[0],
			Y:      aligned.BBox[1],
			Width:  aligned.BBox[2],
			Height: aligned.BBox[3],
		},
	}, nil
}

// HealthCheck probes the sidecar's health endpoint.
func (p *HTTPPreprocessor) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", p.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("preprocessor health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preprocessor unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// StubPreprocessor is a test double that returns a fixed face for every
// frame, or ErrNoFace when NoFace is set.
type StubPreprocessor struct {
	NoFace bool
	BBox   models.BBox
	Err    error
}

func (s *StubPreprocessor) DetectAlign(_ context.Context, frame []byte) (*Face, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.NoFace {
		return nil, ErrNoFace
	}
	return &Face{Pixels: frame, BBox: s.BBox}, nil
}
