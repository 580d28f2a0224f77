package model

import "time"

// StepStatus is the outcome status of a single pipeline step.
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepTimedOut StepStatus = "timed_out"
)

// TerminalStatus is the final state of one pipeline run.
type TerminalStatus string

const (
	RunCompleted TerminalStatus = "completed"
	RunAborted   TerminalStatus = "aborted"
)

// StepOutcome records one step's execution within a pipeline run. Outcomes
// form an ordered trace matching catalog order; a step is never retried
// after the run has produced a terminal result.
type StepOutcome struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// PipelineResult is the terminal result of running the pipeline for one
// document. Owned by the run that created it and handed by value to the
// batch executor for aggregation.
type PipelineResult struct {
	RunID          string                    `json:"run_id"`
	DocumentID     string                    `json:"document_id"`
	StepTrace      []StepOutcome             `json:"step_trace"`
	TerminalStatus TerminalStatus            `json:"terminal_status"`
	Fields         map[string]FieldValue     `json:"fields,omitempty"`
	Confidence     *DocumentConfidenceResult `json:"confidence,omitempty"`
	Routing        *RoutingDecision          `json:"routing,omitempty"`
}

// Aborted reports whether the run stopped before producing a routing decision.
func (r *PipelineResult) Aborted() bool {
	return r.TerminalStatus == RunAborted
}

// BatchFailure records a document whose pipeline run errored outside the
// normal abort path. The original error is preserved verbatim.
type BatchFailure struct {
	DocumentID string `json:"document_id"`
	Err        error  `json:"-"`
	Error      string `json:"error"`
}

// BatchReport aggregates per-document outcomes for one batch. It is not
// visible to callers until every submitted task has settled. Every
// submitted document lands in exactly one list: Results holds settled
// pipeline results, aborted runs included, and Failed holds documents
// whose run errored outside the normal abort path.
type BatchReport struct {
	Results     []PipelineResult `json:"results"`
	Failed      []BatchFailure   `json:"failed"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Total returns the number of documents the batch settled.
func (r *BatchReport) Total() int {
	return len(r.Results) + len(r.Failed)
}

// AbortedCount returns the number of settled runs that aborted.
func (r *BatchReport) AbortedCount() int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Aborted() {
			n++
		}
	}
	return n
}
