package model

// ConfidenceFactors holds the four independent signal scores for a document,
// each in [0,100]. The scorer combines them with fixed weights.
type ConfidenceFactors struct {
	SignalQuality      float64 `json:"signal_quality"`      // OCR provider confidence
	RuleMatch          float64 `json:"rule_match"`          // mapping rule strength and coverage
	FormatValidation   float64 `json:"format_validation"`   // share of fields passing validation
	HistoricalAccuracy float64 `json:"historical_accuracy"` // issuer track record
}

// FieldConfidence is the scored confidence for one extracted field.
type FieldConfidence struct {
	FieldName string `json:"field_name"`
	Score     int    `json:"score"` // 0-100
}

// ConfidenceStats summarizes field-level confidence for a document.
type ConfidenceStats struct {
	TotalFields         int `json:"total_fields"`
	HighConfidenceCount int `json:"high_confidence_count"`
	LowConfidenceCount  int `json:"low_confidence_count"`
}

// DocumentConfidenceResult is the scorer's output for one document.
// Read-only after creation; the routing engine consumes it exactly once.
type DocumentConfidenceResult struct {
	OverallScore int                        `json:"overall_score"`
	FieldScores  map[string]FieldConfidence `json:"field_scores"`
	Stats        ConfidenceStats            `json:"stats"`
}
