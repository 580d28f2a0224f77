package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/catalog"
	"github.com/sells-group/invoice-pipeline/internal/confidence"
	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/internal/resilience"
	"github.com/sells-group/invoice-pipeline/internal/routing"
	"github.com/sells-group/invoice-pipeline/pkg/docintel"
)

// DefaultExpectedFields is the canonical invoice field set the pipeline
// tries to fill for every document.
var DefaultExpectedFields = []string{
	"invoice_number",
	"invoice_date",
	"due_date",
	"vendor_name",
	"total_amount",
	"subtotal",
	"tax_amount",
	"currency",
	"po_number",
	"payment_terms",
}

// Options wires the executor's dependencies. Extractor, Scorer, Router,
// and RuleSource are required; everything else has a working default.
type Options struct {
	Catalog    *catalog.Catalog
	Extractor  docintel.Client
	Issuers    *IssuerMatcher
	Formats    []FormatProfile
	RuleSource RuleSource
	Enhancer   Enhancer
	TermSink   TermSink
	Scorer     *confidence.Scorer
	Router     *routing.Engine

	// ExpectedFields overrides DefaultExpectedFields.
	ExpectedFields []string
}

// Executor runs documents through the step catalog. Safe for concurrent
// use; each run owns its own state.
type Executor struct {
	catalog        *catalog.Catalog
	extractor      docintel.Client
	issuers        *IssuerMatcher
	formats        []FormatProfile
	ruleSource     RuleSource
	enhancer       Enhancer
	termSink       TermSink
	scorer         *confidence.Scorer
	router         *routing.Engine
	expectedFields []string
}

// New validates the options and builds an executor.
func New(opts Options) (*Executor, error) {
	if opts.Extractor == nil {
		return nil, eris.New("pipeline: extractor is required")
	}
	if opts.RuleSource == nil {
		return nil, eris.New("pipeline: rule source is required")
	}
	if opts.Scorer == nil {
		return nil, eris.New("pipeline: scorer is required")
	}
	if opts.Router == nil {
		return nil, eris.New("pipeline: router is required")
	}

	e := &Executor{
		catalog:        opts.Catalog,
		extractor:      opts.Extractor,
		issuers:        opts.Issuers,
		formats:        opts.Formats,
		ruleSource:     opts.RuleSource,
		enhancer:       opts.Enhancer,
		termSink:       opts.TermSink,
		scorer:         opts.Scorer,
		router:         opts.Router,
		expectedFields: opts.ExpectedFields,
	}
	if e.catalog == nil {
		e.catalog = catalog.Default()
	}
	if e.issuers == nil {
		m, err := NewIssuerMatcher(nil)
		if err != nil {
			return nil, err
		}
		e.issuers = m
	}
	if e.termSink == nil {
		e.termSink = LogTermSink{}
	}
	if len(e.expectedFields) == 0 {
		e.expectedFields = DefaultExpectedFields
	}
	return e, nil
}

// stepFunc runs one step against the shared run state.
type stepFunc func(ctx context.Context, state *State) error

func (e *Executor) stepFuncs() map[string]stepFunc {
	return map[string]stepFunc{
		catalog.StepFileTypeDetection:     detectFileType,
		catalog.StepSmartRouting:          chooseRoute,
		catalog.StepPrimaryExtraction:     e.runExtraction,
		catalog.StepIssuerIdentification:  e.identifyIssuer,
		catalog.StepFormatMatching:        e.matchFormat,
		catalog.StepConfigFetch:           e.fetchRules,
		catalog.StepEnhancedExtraction:    e.enhanceFields,
		catalog.StepFieldMapping:          e.mapFields,
		catalog.StepTermRecording:         e.recordTerms,
		catalog.StepConfidenceCalculation: e.calculateConfidence,
		catalog.StepRoutingDecision:       e.decideRouting,
	}
}

// Run executes the full step sequence for one document. A failed required
// step aborts the run: later steps never start and the result carries the
// trace up to the abort. Optional step failures are logged and skipped
// over. The returned result is terminal either way; the error return is
// reserved for invalid input.
func (e *Executor) Run(ctx context.Context, doc *model.Document) (*model.PipelineResult, error) {
	if doc == nil || doc.ID == "" {
		return nil, eris.New("pipeline: document with an ID is required")
	}

	state := newState(doc)
	steps := e.stepFuncs()

	result := &model.PipelineResult{
		RunID:          uuid.New().String(),
		DocumentID:     doc.ID,
		TerminalStatus: model.RunCompleted,
	}

	log := zap.L().With(
		zap.String("run_id", result.RunID),
		zap.String("document_id", doc.ID),
	)
	log.Info("pipeline run started", zap.String("file_name", doc.FileName))

	for _, def := range e.catalog.Definitions() {
		if cerr := ctx.Err(); cerr != nil {
			result.StepTrace = append(result.StepTrace, model.StepOutcome{
				StepID: def.ID,
				Status: model.StepFailed,
				Error:  cerr.Error(),
			})
			result.TerminalStatus = model.RunAborted
			log.Error("run context canceled, aborting", zap.String("step", def.ID), zap.Error(cerr))
			break
		}

		if !def.Enabled {
			result.StepTrace = append(result.StepTrace, model.StepOutcome{
				StepID: def.ID,
				Status: model.StepSkipped,
			})
			continue
		}

		fn := steps[def.ID]
		start := time.Now()
		attempts, err := resilience.Attempt(ctx, resilience.AttemptPolicy{
			Timeout:     def.Timeout,
			RetryBudget: def.RetryBudget,
			OnRetry:     resilience.RetryLogger(def.ID),
		}, func(ctx context.Context) error {
			return fn(ctx, state)
		})

		outcome := model.StepOutcome{
			StepID:     def.ID,
			Status:     model.StepSuccess,
			Attempts:   attempts,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			outcome.Status = model.StepFailed
			if resilience.IsTimeout(err) {
				outcome.Status = model.StepTimedOut
			}
			outcome.Error = err.Error()
		}
		result.StepTrace = append(result.StepTrace, outcome)

		if err == nil {
			continue
		}

		// The caller tearing down the context ends the run regardless
		// of the step's priority class.
		if def.Class == catalog.Required || ctx.Err() != nil {
			log.Error("required step failed, aborting run",
				zap.String("step", def.ID),
				zap.String("status", string(outcome.Status)),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			result.TerminalStatus = model.RunAborted
			break
		}

		log.Warn("optional step failed, continuing",
			zap.String("step", def.ID),
			zap.String("status", string(outcome.Status)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}

	if !result.Aborted() {
		result.Fields = state.Fields
		result.Confidence = state.Confidence
		if state.Decision != nil {
			result.Routing = state.Decision
		}
	}

	log.Info("pipeline run finished",
		zap.String("terminal_status", string(result.TerminalStatus)),
		zap.Int("steps", len(result.StepTrace)),
	)
	return result, nil
}

// runExtraction submits the document to the extraction provider using the
// model chosen by smart routing.
func (e *Executor) runExtraction(ctx context.Context, state *State) error {
	if state.Route == nil {
		return eris.New("pipeline: extraction requires a route")
	}

	req := docintel.AnalyzeRequest{Model: state.Route.Model}
	if len(state.Doc.Content) > 0 {
		req.Content = state.Doc.Content
		req.ContentType = state.FileType.MIME
	} else {
		req.DocumentURL = state.Doc.SourceURL
	}

	res, err := e.extractor.Analyze(ctx, req)
	if err != nil {
		return classifyExtractionErr(eris.Wrap(err, "pipeline: primary extraction"))
	}
	state.Extraction = res
	return nil
}

// classifyExtractionErr maps provider HTTP status failures onto the step
/// error taxonomy: throttling and server trouble stay retryable, while
// permanent rejections stop the retry loop.
func classifyExtractionErr(err error) error {
	var se *docintel.StatusError
	if !errors.As(err, &se) {
		return err
	}
	if resilience.IsRetryableHTTPStatus(se.StatusCode) {
		return resilience.NewStepError(resilience.CodeServiceError, err)
	}
	switch se.StatusCode {
	case http.StatusRequestEntityTooLarge:
		return resilience.NewStepError(resilience.CodeFileTooLarge, err)
	case http.StatusUnsupportedMediaType:
		return resilience.NewStepError(resilience.CodeUnsupportedFormat, err)
	}
	return resilience.NewStepError(resilience.CodeInvalidInput, err)
}

// decideRouting produces the terminal routing decision from the
// confidence result.
func (e *Executor) decideRouting(_ context.Context, state *State) error {
	if state.Confidence == nil {
		return eris.New("pipeline: routing decision requires a confidence result")
	}
	d := e.router.Decide(state.Confidence)
	state.Decision = &d
	return nil
}
