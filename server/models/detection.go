package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Label is a classification outcome for a frame or a session window.
type Label string

const (
	LabelReal       Label = "REAL"
	LabelFake       Label = "FAKE"
	LabelNoFace     Label = "NO_FACE"
	LabelSuspicious Label = "SUSPICIOUS"
)

// BBox is a face bounding box in frame-normalized coordinates.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Array returns the [x,y,w,h] form used on the wire.
func (b BBox) Array() [4]float64 {
	return [4]float64{b.X, b.Y, b.Width, b.Height}
}

// ModelVote is one classifier's opinion on one frame.
type ModelVote struct {
	ModelName  string  `json:"model"`
	Label      Label   `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// VoteBreakdown records how the ensemble split for explainability.
type VoteBreakdown struct {
	Real int `json:"real"`
	Fake int `json:"fake"`
}

// Total is the number of models that produced a usable vote.
func (vb VoteBreakdown) Total() int {
	return vb.Real + vb.Fake
}

// FrameVerdict is the ensemble's combined output for one frame.
type FrameVerdict struct {
	Label      Label          `json:"prediction"`
	Confidence float64        `json:"confidence"`
	BBox       *BBox          `json:"bbox,omitempty"`
	Breakdown  *VoteBreakdown `json:"vote_breakdown,omitempty"`
	Timestamp  float64        `json:"ts"`
	VotingInfo string         `json:"voting_info,omitempty"`
	Votes      []ModelVote    `json:"-"`
}

// SessionVerdict is the windowed aggregation of frame verdicts.
type SessionVerdict struct {
	Label           Label   `json:"prediction"`
	Confidence      float64 `json:"confidence"`
	WindowStart     float64 `json:"window_start"`
	WindowEnd       float64 `json:"window_end"`
	RealFrames      int     `json:"real_frames"`
	FakeFrames      int     `json:"fake_frames"`
	SuspiciousCount int     `json:"suspicious_frames"`
	NoFaceFrames    int     `json:"no_face_frames"`
	TieBreakReason  string  `json:"tie_break_reason,omitempty"`
}

const (
	MessageTypeFrame  = "frame"
	MessageTypePing   = "ping"
	MessageTypeResult = "result"
	MessageTypePong   = "pong"
	MessageTypeError  = "error"
)

// FrameMessage is the inbound wire message carrying one video frame.
type FrameMessage struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	TS      float64 `json:"ts"`
	Frame   string  `json:"frame"`
	VideoID string  `json:"video_id,omitempty"`
	Token   string  `json:"token,omitempty"`
}

// ModelResult is one model's entry in the per-frame result message.
type ModelResult struct {
	Prediction Label   `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// ResultMessage is the outbound per-frame (and, when a window boundary is
// crossed, per-window) result.
type ResultMessage struct {
	Type          string                 `json:"type"`
	ID            string                 `json:"id"`
	TS            float64                `json:"ts"`
	Prediction    Label                  `json:"prediction"`
	Confidence    float64                `json:"confidence"`
	BBox          *[4]float64            `json:"bbox"`
	Models        map[string]ModelResult `json:"models,omitempty"`
	VoteBreakdown *VoteBreakdown         `json:"vote_breakdown,omitempty"`
	VotingInfo    string                 `json:"voting_info,omitempty"`
	WindowSummary *SessionVerdict        `json:"window_summary,omitempty"`
}

// ErrorMessage is the outbound error, distinct from a NO_FACE result.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewResultMessage builds the wire result for a frame verdict, echoing the
// inbound id and timestamp.
func NewResultMessage(id string, ts float64, v *FrameVerdict) *ResultMessage {
	msg := &ResultMessage{
		Type:          MessageTypeResult,
		ID:            id,
		TS:            ts,
		Prediction:    v.Label,
		Confidence:    v.Confidence,
		VoteBreakdown: v.Breakdown,
		VotingInfo:    v.VotingInfo,
	}
	if v.BBox != nil {
		arr := v.BBox.Array()
		msg.BBox = &arr
	}
	if len(v.Votes) > 0 {
		msg.Models = make(map[string]ModelResult, len(v.Votes))
		for _, vote := range v.Votes {
			msg.Models[vote.ModelName] = ModelResult{
				Prediction: vote.Label,
				Confidence: vote.Confidence,
			}
		}
	}
	return msg
}

// DecodeFrameMessage parses an inbound message into the canonical frame
// shape. Historical clients sent the per-model field as an array; that
// shape is rejected here rather than propagated into the core.
func DecodeFrameMessage(raw []byte) (*FrameMessage, error) {
	var probe struct {
		Type   string          `json:"type"`
		Models json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if len(probe.Models) > 0 && probe.Models[0] == '[' {
		return nil, fmt.Errorf("legacy array-shaped models field is not supported")
	}

	var msg FrameMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid frame message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

// DecodeFrameData decodes the frame payload, accepting either a raw base64
// string or a data URL ("data:image/jpeg;base64,...").
func DecodeFrameData(frame string) ([]byte, error) {
	if frame == "" {
		return nil, fmt.Errorf("no frame provided")
	}
	encoded := frame
	if strings.HasPrefix(frame, "data:") {
		idx := strings.IndexByte(frame, ',')
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		encoded = frame[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 frame data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame data")
	}
	return data, nil
}
