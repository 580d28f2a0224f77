// Package pipeline runs one invoice document through the fixed sequence of
// processing steps: detect the file type, route it to an extraction model,
// extract, identify the issuer, map fields, score confidence, and decide
// the routing path.
package pipeline

import (
	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/pkg/docintel"
)

// FileType is the detected document type.
type FileType struct {
	// MIME is the sniffed content type, e.g. "application/pdf".
	MIME string

	// Extension is the canonical extension without the dot.
	Extension string
}

// Route is the extraction route chosen by smart routing.
type Route struct {
	// Model is the Document Intelligence model to run.
	Model string

	// Reason explains the choice for the trace log.
	Reason string
}

// IssuerMatch is the outcome of issuer identification.
type IssuerMatch struct {
	// IssuerID identifies the matched issuer profile, empty when no
	// pattern scored above the review floor.
	IssuerID string

	// Name is the issuer's display name.
	Name string

	// Score is the match score in [0,100].
	Score int

	// AutoIdentified is true when the score cleared the auto-identify
	// threshold; below it but above the review floor the match is kept
	// as a hint only.
	AutoIdentified bool

	// HistoricalAccuracy is the issuer's observed extraction accuracy
	// in [0,100], used as a confidence factor.
	HistoricalAccuracy float64
}

// FormatMatch is the outcome of matching the document against the issuer's
// known invoice formats.
type FormatMatch struct {
	FormatID string
	Score    int
}

// MappingStats summarizes one field-mapping pass.
type MappingStats struct {
	TotalRules     int
	MappedFields   int
	ValidatedCount int
	FailedCount    int
	UnmappedRules  []string
}

// State accumulates step outputs across one pipeline run. Steps read the
// outputs of earlier steps from here; the executor owns the instance and
// runs steps sequentially, so no locking is needed.
type State struct {
	Doc *model.Document

	FileType   *FileType
	Route      *Route
	Extraction *docintel.AnalyzeResult
	Issuer     *IssuerMatch
	Format     *FormatMatch
	Rules      []MappingRule

	// Fields is the mapped field set keyed by canonical field name.
	Fields map[string]model.FieldValue

	MappingStats *MappingStats

	Confidence *model.DocumentConfidenceResult
	Decision   *model.RoutingDecision
}

func newState(doc *model.Document) *State {
	return &State{
		Doc:    doc,
		Fields: map[string]model.FieldValue{},
	}
}
