package routing

import (
	"time"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// Base priority per routing path. Manual review outranks full review;
// every other path starts at the normal base.
const (
	baseNormal         = 50
	baseFullReview     = 75
	baseManualRequired = 90

	ageBoostPerDay = 5
	ageBoostCap    = 25

	criticalFieldBoost = 5

	priorityMax = 100
)

// PriorityConfig controls optional priority adjustments.
type PriorityConfig struct {
	// AgeBoostEnabled adds priority for documents waiting in the queue.
	AgeBoostEnabled bool
}

// Priority computes the review-queue priority for a routed document.
// Higher means more urgent. Age contributes 5 points per full 24 hours
// waited, capped at 25, when the boost is enabled. Each affected
// critical field adds 5 points. The result is clamped to [0, 100].
func Priority(decision model.RoutingDecision, age time.Duration, cfg PriorityConfig) int {
	var base int
	switch decision.Path {
	case model.PathFullReview:
		base = baseFullReview
	case model.PathManualRequired:
		base = baseManualRequired
	default:
		base = baseNormal
	}

	score := base

	if cfg.AgeBoostEnabled && age > 0 {
		boost := int(age/(24*time.Hour)) * ageBoostPerDay
		if boost > ageBoostCap {
			boost = ageBoostCap
		}
		score += boost
	}

	score += len(decision.CriticalFieldsAffected) * criticalFieldBoost

	if score > priorityMax {
		score = priorityMax
	}
	if score < 0 {
		score = 0
	}
	return score
}
