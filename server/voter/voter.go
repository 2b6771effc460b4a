// Package voter combines per-model predictions into a single frame verdict
// using majority voting with a confidence-adjustment rule.
package voter

import (
	"fmt"

	"github.com/mihir-joshi/trueframe/server/models"
)

const (
	// DefaultFakeThreshold is the minimum confidence a majority-FAKE call
	// needs to survive as FAKE. Below it the verdict is converted to REAL.
	DefaultFakeThreshold = 0.70

	// DefaultRealBoost is added to the confidence of REAL verdicts
	// (including converted ones), capped at 1.0.
	DefaultRealBoost = 0.15
)

// Voter applies the ensemble decision rule. Safe for concurrent use; it
// holds no mutable state.
type Voter struct {
	fakeThreshold      float64
	realBoost          float64
	showConversionInfo bool
}

// Option configures a Voter.
type Option func(*Voter)

// WithFakeThreshold overrides the FAKE survival threshold.
func WithFakeThreshold(t float64) Option {
	return func(v *Voter) { v.fakeThreshold = t }
}

// WithRealBoost overrides the REAL confidence boost.
func WithRealBoost(b float64) Option {
	return func(v *Voter) { v.realBoost = b }
}

// WithConversionInfo controls whether FAKE-to-REAL conversions are spelled
// out in the voting_info string or presented as natural predictions.
func WithConversionInfo(show bool) Option {
	return func(v *Voter) { v.showConversionInfo = show }
}

func New(opts ...Option) *Voter {
	v := &Voter{
		fakeThreshold:      DefaultFakeThreshold,
		realBoost:          DefaultRealBoost,
		showConversionInfo: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Vote reduces the model votes for one frame to a single verdict.
//
// An empty vote set means preprocessing found no face and no classifiers
// ran; the result is NO_FACE with zero confidence. Otherwise the majority
// label wins, ties resolved by comparing mean confidences (REAL preferred
// on an exact tie). The majority side's mean confidence is then adjusted:
// REAL verdicts are boosted, low-confidence FAKE verdicts are converted to
// REAL and boosted, high-confidence FAKE verdicts pass through unchanged.
//
// The caller merges bounding box and timestamp into the returned verdict.
func (v *Voter) Vote(votes []models.ModelVote) models.FrameVerdict {
	if len(votes) == 0 {
		return models.FrameVerdict{
			Label:      models.LabelNoFace,
			Confidence: 0,
		}
	}

	var fake, real []models.ModelVote
	for _, vote := range votes {
		if vote.Label == models.LabelFake {
			fake = append(fake, vote)
		} else {
			real = append(real, vote)
		}
	}

	breakdown := &models.VoteBreakdown{Real: len(real), Fake: len(fake)}

	majority := models.LabelReal
	info := ""
	switch {
	case len(fake) > len(real):
		majority = models.LabelFake
		info = fmt.Sprintf("majority FAKE (%d vs %d)", len(fake), len(real))
	case len(real) > len(fake):
		majority = models.LabelReal
		info = fmt.Sprintf("majority REAL (%d vs %d)", len(real), len(fake))
	default:
		fakeMean := meanConfidence(fake)
		realMean := meanConfidence(real)
		if fakeMean > realMean {
			majority = models.LabelFake
			info = fmt.Sprintf("tie %d-%d, FAKE mean %.2f > REAL mean %.2f", len(fake), len(real), fakeMean, realMean)
		} else {
			// Exactly equal means default to REAL.
			majority = models.LabelReal
			info = fmt.Sprintf("tie %d-%d, REAL mean %.2f >= FAKE mean %.2f", len(real), len(fake), realMean, fakeMean)
		}
	}

	var raw float64
	if majority == models.LabelFake {
		raw = meanConfidence(fake)
	} else {
		raw = meanConfidence(real)
	}

	label := majority
	confidence := raw
	switch {
	case majority == models.LabelReal:
		confidence = boost(raw, v.realBoost)
	case raw < v.fakeThreshold:
		// A below-threshold FAKE call is not certain enough; convert it
		// to REAL with the same boost a native REAL call gets.
		label = models.LabelReal
		confidence = boost(raw, v.realBoost)
		if v.showConversionInfo {
			info = fmt.Sprintf("converted: FAKE %.0f%% below %.0f%% threshold, now REAL", raw*100, v.fakeThreshold*100)
		}
	default:
		// High-confidence FAKE survives unboosted.
	}

	return models.FrameVerdict{
		Label:      label,
		Confidence: confidence,
		Breakdown:  breakdown,
		VotingInfo: info,
		Votes:      votes,
	}
}

func boost(c, by float64) float64 {
	c += by
	if c > 1.0 {
		return 1.0
	}
	return c
}

func meanConfidence(votes []models.ModelVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range votes {
		sum += v.Confidence
	}
	return sum / float64(len(votes))
}
