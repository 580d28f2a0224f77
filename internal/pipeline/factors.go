package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// calculateConfidence derives the four scoring factors from the run state
// and hands them to the scorer. Missing optional-step outputs degrade the
// relevant factor rather than failing the run.
func (e *Executor) calculateConfidence(_ context.Context, state *State) error {
	if state.Extraction == nil {
		return eris.New("pipeline: confidence calculation requires extraction output")
	}

	factors := model.ConfidenceFactors{
		SignalQuality:      state.Extraction.Confidence * 100,
		RuleMatch:          coverageFactor(state, e.expectedFields),
		FormatValidation:   validationFactor(state),
		HistoricalAccuracy: defaultHistoricalAccuracy,
	}
	if state.Issuer != nil && state.Issuer.IssuerID != "" {
		factors.HistoricalAccuracy = state.Issuer.HistoricalAccuracy
	}

	state.Confidence = e.scorer.ScoreDocument(factors, state.Fields)
	return nil
}

// coverageFactor is the share of expected fields that got a value.
func coverageFactor(state *State, expected []string) float64 {
	if len(expected) == 0 {
		return 0
	}
	filled := 0
	for _, name := range expected {
		if _, ok := state.Fields[name]; ok {
			filled++
		}
	}
	return float64(filled) / float64(len(expected)) * 100
}

// validationFactor is the share of mapped fields that passed validation.
// Fields without a validation pattern count as passing; a document with no
// mapped fields scores zero.
func validationFactor(state *State) float64 {
	if len(state.Fields) == 0 {
		return 0
	}
	passed := 0
	for _, fv := range state.Fields {
		if fv.ValidationError == "" {
			passed++
		}
	}
	return float64(passed) / float64(len(state.Fields)) * 100
}
