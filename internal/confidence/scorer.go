// Package confidence combines independent extraction signals into a single
// weighted score per document and scores individual fields against the
// review thresholds.
package confidence

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// Weights holds the factor weights. They must sum to exactly 1.0.
type Weights struct {
	SignalQuality      float64 `yaml:"signal_quality" mapstructure:"signal_quality"`
	RuleMatch          float64 `yaml:"rule_match" mapstructure:"rule_match"`
	FormatValidation   float64 `yaml:"format_validation" mapstructure:"format_validation"`
	HistoricalAccuracy float64 `yaml:"historical_accuracy" mapstructure:"historical_accuracy"`
}

// DefaultWeights returns the production factor weights.
func DefaultWeights() Weights {
	return Weights{
		SignalQuality:      0.35,
		RuleMatch:          0.30,
		FormatValidation:   0.20,
		HistoricalAccuracy: 0.15,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.SignalQuality + w.RuleMatch + w.FormatValidation + w.HistoricalAccuracy
}

// Validate checks that every weight is non-negative and the sum is 1.0
// within floating-point tolerance.
func (w Weights) Validate() error {
	var errs []string
	for name, v := range map[string]float64{
		"signal_quality":      w.SignalQuality,
		"rule_match":          w.RuleMatch,
		"format_validation":   w.FormatValidation,
		"historical_accuracy": w.HistoricalAccuracy,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		errs = append(errs, fmt.Sprintf("weights must sum to 1.0, got %g", w.Sum()))
	}
	if len(errs) > 0 {
		return eris.Errorf("confidence: invalid weights: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Thresholds are the routing cut-offs on the 0-100 confidence scale.
type Thresholds struct {
	AutoApprove int `yaml:"auto_approve" mapstructure:"auto_approve"`
	QuickReview int `yaml:"quick_review" mapstructure:"quick_review"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApprove: 95, QuickReview: 80}
}

// Validate checks threshold ordering and range.
func (t Thresholds) Validate() error {
	if t.AutoApprove < 0 || t.AutoApprove > 100 || t.QuickReview < 0 || t.QuickReview > 100 {
		return eris.Errorf("confidence: thresholds must be in [0,100], got auto=%d quick=%d", t.AutoApprove, t.QuickReview)
	}
	if t.QuickReview > t.AutoApprove {
		return eris.Errorf("confidence: quick_review (%d) must not exceed auto_approve (%d)", t.QuickReview, t.AutoApprove)
	}
	return nil
}

// Scorer computes document and field confidence. Pure and stateless; safe
// for concurrent use.
type Scorer struct {
	weights    Weights
	thresholds Thresholds
}

// NewScorer validates the configuration and returns a scorer.
func NewScorer(w Weights, t Thresholds) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: w, thresholds: t}, nil
}

// Thresholds returns the configured thresholds.
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Score combines the four factors into one overall score. The weighted sum
// stays in floating point and is rounded exactly once at the end.
func (s *Scorer) Score(f model.ConfidenceFactors) int {
	sum := clampFactor(f.SignalQuality)*s.weights.SignalQuality +
		clampFactor(f.RuleMatch)*s.weights.RuleMatch +
		clampFactor(f.FormatValidation)*s.weights.FormatValidation +
		clampFactor(f.HistoricalAccuracy)*s.weights.HistoricalAccuracy

	score := int(math.Round(sum))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ScoreFields converts raw field values into per-field confidence scores.
func (s *Scorer) ScoreFields(fields map[string]model.FieldValue) map[string]model.FieldConfidence {
	out := make(map[string]model.FieldConfidence, len(fields))
	for name, fv := range fields {
		out[name] = model.FieldConfidence{
			FieldName: name,
			Score:     int(math.Round(clampFactor(fv.Confidence))),
		}
	}
	return out
}

// ScoreDocument produces the full confidence result consumed by the routing
// engine: overall score, per-field scores, and the high/low split at the
// quick-review threshold.
func (s *Scorer) ScoreDocument(factors model.ConfidenceFactors, fields map[string]model.FieldValue) *model.DocumentConfidenceResult {
	fieldScores := s.ScoreFields(fields)

	stats := model.ConfidenceStats{TotalFields: len(fieldScores)}
	for _, fc := range fieldScores {
		if fc.Score < s.thresholds.QuickReview {
			stats.LowConfidenceCount++
		} else {
			stats.HighConfidenceCount++
		}
	}

	return &model.DocumentConfidenceResult{
		OverallScore: s.Score(factors),
		FieldScores:  fieldScores,
		Stats:        stats,
	}
}

// IsLowConfidence reports whether a field score falls below the
// quick-review threshold.
func (s *Scorer) IsLowConfidence(score int) bool {
	return score < s.thresholds.QuickReview
}

func clampFactor(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
