package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

func newDefaultScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultWeights(), DefaultThresholds())
	require.NoError(t, err)
	return s
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	bad := Weights{SignalQuality: 0.5, RuleMatch: 0.5, FormatValidation: 0.5, HistoricalAccuracy: 0.5}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	neg := Weights{SignalQuality: -0.1, RuleMatch: 0.6, FormatValidation: 0.3, HistoricalAccuracy: 0.2}
	require.Error(t, neg.Validate())
}

func TestWeightsValidateFloatTolerance(t *testing.T) {
	// 0.1+0.2+0.3+0.4 does not sum to exactly 1.0 in binary floating
	// point; the tolerance must absorb that.
	w := Weights{SignalQuality: 0.1, RuleMatch: 0.2, FormatValidation: 0.3, HistoricalAccuracy: 0.4}
	assert.NoError(t, w.Validate())
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{AutoApprove: 101, QuickReview: 80}.Validate())
	assert.Error(t, Thresholds{AutoApprove: 80, QuickReview: -1}.Validate())
	assert.Error(t, Thresholds{AutoApprove: 70, QuickReview: 90}.Validate())
	assert.NoError(t, Thresholds{AutoApprove: 90, QuickReview: 90}.Validate())
}

func TestNewScorerRejectsInvalidConfig(t *testing.T) {
	_, err := NewScorer(Weights{}, DefaultThresholds())
	assert.Error(t, err)

	_, err = NewScorer(DefaultWeights(), Thresholds{AutoApprove: 50, QuickReview: 80})
	assert.Error(t, err)
}

func TestScoreRoundsOnce(t *testing.T) {
	s := newDefaultScorer(t)

	// Weighted sum 90*0.35 + 85*0.30 + 88*0.20 + 92*0.15 = 88.4,
	// which rounds to 88. Rounding per factor first would give a
	// different answer for other inputs; guard the half-up case too.
	got := s.Score(model.ConfidenceFactors{
		SignalQuality:      90,
		RuleMatch:          85,
		FormatValidation:   88,
		HistoricalAccuracy: 92,
	})
	assert.Equal(t, 88, got)

	// 90*0.35 + 90*0.30 + 80*0.20 + 90*0.15 = 88.0 exactly.
	got = s.Score(model.ConfidenceFactors{
		SignalQuality:      90,
		RuleMatch:          90,
		FormatValidation:   80,
		HistoricalAccuracy: 90,
	})
	assert.Equal(t, 88, got)
}

func TestScoreBounds(t *testing.T) {
	s := newDefaultScorer(t)

	assert.Equal(t, 0, s.Score(model.ConfidenceFactors{}))
	assert.Equal(t, 100, s.Score(model.ConfidenceFactors{
		SignalQuality:      100,
		RuleMatch:          100,
		FormatValidation:   100,
		HistoricalAccuracy: 100,
	}))

	// Out-of-range factors are clamped before weighting.
	assert.Equal(t, 100, s.Score(model.ConfidenceFactors{
		SignalQuality:      250,
		RuleMatch:          100,
		FormatValidation:   100,
		HistoricalAccuracy: 100,
	}))
	assert.Equal(t, 0, s.Score(model.ConfidenceFactors{
		SignalQuality:      -40,
		RuleMatch:          -1,
		FormatValidation:   0,
		HistoricalAccuracy: 0,
	}))
}

func TestScoreDeterministic(t *testing.T) {
	s := newDefaultScorer(t)
	f := model.ConfidenceFactors{SignalQuality: 73.4, RuleMatch: 61.2, FormatValidation: 88.8, HistoricalAccuracy: 90.1}

	first := s.Score(f)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, s.Score(f))
	}
}

func TestScoreDocument(t *testing.T) {
	s := newDefaultScorer(t)

	fields := map[string]model.FieldValue{
		"invoice_number": {FieldName: "invoice_number", Confidence: 96},
		"total_amount":   {FieldName: "total_amount", Confidence: 80},
		"po_number":      {FieldName: "po_number", Confidence: 79.4},
	}

	res := s.ScoreDocument(model.ConfidenceFactors{
		SignalQuality:      90,
		RuleMatch:          90,
		FormatValidation:   90,
		HistoricalAccuracy: 90,
	}, fields)

	assert.Equal(t, 90, res.OverallScore)
	assert.Equal(t, 3, res.Stats.TotalFields)
	// 79.4 rounds to 79, below the quick-review threshold of 80; the
	// field at exactly 80 counts as high confidence.
	assert.Equal(t, 2, res.Stats.HighConfidenceCount)
	assert.Equal(t, 1, res.Stats.LowConfidenceCount)
	assert.Equal(t, 79, res.FieldScores["po_number"].Score)

	assert.True(t, s.IsLowConfidence(79))
	assert.False(t, s.IsLowConfidence(80))
}
