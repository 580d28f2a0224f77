// Package routing turns a document's confidence result into a routing
// decision and derives the review-queue priority for documents that need a
// human.
package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/invoice-pipeline/internal/confidence"
	"github.com/sells-group/invoice-pipeline/internal/model"
)

// criticalOverrideCount is the number of low-confidence critical fields
// that forces manual review regardless of the overall score.
const criticalOverrideCount = 3

// Engine decides the routing path for scored documents. Stateless after
// construction; safe for concurrent use.
type Engine struct {
	thresholds confidence.Thresholds
	critical   map[string]bool

	// now is injectable for testing.
	now func() time.Time
}

// NewEngine creates a routing engine with the given thresholds and the
// configured set of critical fields.
func NewEngine(thresholds confidence.Thresholds, criticalFields []string) *Engine {
	critical := make(map[string]bool, len(criticalFields))
	for _, f := range criticalFields {
		critical[f] = true
	}
	return &Engine{
		thresholds: thresholds,
		critical:   critical,
		now:        time.Now,
	}
}

// WithNow fixes the decision timestamp for testing.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decide evaluates the routing rules in priority order, first match wins:
// critical-field override, auto-approve, quick review, full review. The
// returned decision is a fresh immutable value; re-processing produces a
// new decision, never an update.
func (e *Engine) Decide(result *model.DocumentConfidenceResult) model.RoutingDecision {
	low, criticalLow := e.splitLowConfidence(result)

	decision := model.RoutingDecision{
		Confidence:             result.OverallScore,
		LowConfidenceFields:    low,
		CriticalFieldsAffected: criticalLow,
		DecidedAt:              e.now(),
		DecidedBy:              model.DecidedBySystem,
	}

	switch {
	case len(criticalLow) >= criticalOverrideCount:
		decision.Path = model.PathManualRequired
		decision.Reason = fmt.Sprintf(
			"%d critical fields below quick-review threshold %d (%s); manual review required regardless of overall score %d",
			len(criticalLow), e.thresholds.QuickReview, strings.Join(criticalLow, ", "), result.OverallScore,
		)
	case result.OverallScore >= e.thresholds.AutoApprove:
		decision.Path = model.PathAutoApprove
		decision.Reason = fmt.Sprintf(
			"overall confidence %d meets auto-approve threshold %d",
			result.OverallScore, e.thresholds.AutoApprove,
		)
	case result.OverallScore >= e.thresholds.QuickReview:
		decision.Path = model.PathQuickReview
		decision.Reason = fmt.Sprintf(
			"overall confidence %d meets quick-review threshold %d with %d low-confidence fields",
			result.OverallScore, e.thresholds.QuickReview, len(low),
		)
	default:
		decision.Path = model.PathFullReview
		decision.Reason = fmt.Sprintf(
			"overall confidence %d below quick-review threshold %d",
			result.OverallScore, e.thresholds.QuickReview,
		)
	}

	return decision
}

// splitLowConfidence returns all fields scoring below the quick-review
// threshold, and the subset that are critical. Both sorted for stable
// reasons and traces.
func (e *Engine) splitLowConfidence(result *model.DocumentConfidenceResult) (low, criticalLow []string) {
	for name, fc := range result.FieldScores {
		if fc.Score >= e.thresholds.QuickReview {
			continue
		}
		low = append(low, name)
		if e.critical[name] {
			criticalLow = append(criticalLow, name)
		}
	}
	sort.Strings(low)
	sort.Strings(criticalLow)
	return low, criticalLow
}

// FieldsForReview returns the fields a reviewer should inspect for the
// given decision: none for auto-approved documents, the low-confidence
// subset for quick review, and everything for full or manual review.
func FieldsForReview(decision model.RoutingDecision, allFields []string) []string {
	switch decision.Path {
	case model.PathAutoApprove:
		return nil
	case model.PathQuickReview:
		out := make([]string, len(decision.LowConfidenceFields))
		copy(out, decision.LowConfidenceFields)
		return out
	default:
		out := make([]string, len(allFields))
		copy(out, allFields)
		sort.Strings(out)
		return out
	}
}
