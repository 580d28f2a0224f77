package model

import "time"

// RoutingPath is the terminal disposition of a processed document.
type RoutingPath string

const (
	PathAutoApprove    RoutingPath = "AUTO_APPROVE"
	PathQuickReview    RoutingPath = "QUICK_REVIEW"
	PathFullReview     RoutingPath = "FULL_REVIEW"
	PathManualRequired RoutingPath = "MANUAL_REQUIRED"
)

// RoutingDecision is the routing engine's verdict for one document.
// Created once and never mutated; re-processing a document produces a new
// decision rather than updating an old one.
type RoutingDecision struct {
	Path                   RoutingPath `json:"path"`
	Reason                 string      `json:"reason"`
	Confidence             int         `json:"confidence"` // copy of the overall score
	LowConfidenceFields    []string    `json:"low_confidence_fields"`
	CriticalFieldsAffected []string    `json:"critical_fields_affected"`
	DecidedAt              time.Time   `json:"decided_at"`
	DecidedBy              string      `json:"decided_by"`
}

// DecidedBySystem marks decisions produced by the routing engine rather
// than a human reviewer.
const DecidedBySystem = "SYSTEM"
