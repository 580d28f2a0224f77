package model

import "time"

// Document is an invoice document handed to the pipeline. Callers load the
// content; the orchestrator never touches storage itself.
type Document struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type,omitempty"` // caller-declared MIME, verified by detection
	Content     []byte    `json:"-"`
	SourceURL   string    `json:"source_url,omitempty"` // alternative to Content for URL-reachable files
	ReceivedAt  time.Time `json:"received_at"`
}

// Age returns how long the document has been waiting, measured from ReceivedAt.
func (d Document) Age(now time.Time) time.Duration {
	if d.ReceivedAt.IsZero() {
		return 0
	}
	return now.Sub(d.ReceivedAt)
}

// FieldSource identifies which layer produced an extracted field value.
type FieldSource string

const (
	SourceOCR   FieldSource = "ocr"   // provider-reported invoice field
	SourceTier1 FieldSource = "tier1" // universal mapping rule
	SourceTier2 FieldSource = "tier2" // issuer-specific mapping rule
	SourceLLM   FieldSource = "llm"   // enhanced extraction
)

// FieldValue is a single extracted invoice field with its provenance.
type FieldValue struct {
	FieldName       string      `json:"field_name"`
	Value           string      `json:"value"`
	RawValue        string      `json:"raw_value,omitempty"`
	Confidence      float64     `json:"confidence"` // 0-100
	Source          FieldSource `json:"source"`
	Method          string      `json:"method"` // ocr_field, regex, keyword, llm
	RuleID          string      `json:"rule_id,omitempty"`
	Validated       bool        `json:"validated"`
	ValidationError string      `json:"validation_error,omitempty"`
}
