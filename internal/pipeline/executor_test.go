package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-pipeline/internal/catalog"
	"github.com/sells-group/invoice-pipeline/internal/confidence"
	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/internal/resilience"
	"github.com/sells-group/invoice-pipeline/internal/routing"
	"github.com/sells-group/invoice-pipeline/pkg/docintel"
)

// mockExtractor returns a canned analysis or an error, optionally failing
// the first few calls.
type mockExtractor struct {
	result    *docintel.AnalyzeResult
	err       error
	failUntil int
	calls     int
}

func (m *mockExtractor) Analyze(_ context.Context, _ docintel.AnalyzeRequest, _ ...docintel.PollOption) (*docintel.AnalyzeResult, error) {
	m.calls++
	if m.calls <= m.failUntil {
		return nil, errors.New("connection reset by peer")
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockEnhancer fills every requested field with a fixed value.
type mockEnhancer struct {
	values map[string]string
	err    error
	calls  int
}

func (m *mockEnhancer) Enhance(_ context.Context, _ string, fields []string) (map[string]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]string{}
	for _, f := range fields {
		if v, ok := m.values[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// captureSink records every term record it receives.
type captureSink struct {
	records []TermRecord
}

func (s *captureSink) Record(_ context.Context, rec TermRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func goodAnalysis() *docintel.AnalyzeResult {
	return &docintel.AnalyzeResult{
		Text:       sampleInvoiceText,
		PageCount:  1,
		Confidence: 0.93,
		Fields: map[string]docintel.Field{
			"InvoiceId":    {Content: "ACM-123456", Confidence: 0.97},
			"VendorName":   {Content: "Acme Corporation", Confidence: 0.95},
			"InvoiceTotal": {Content: "$1,250.50", Confidence: 0.92},
		},
	}
}

func testRules(t *testing.T) RuleSource {
	t.Helper()
	src, err := NewStaticRuleSource([]MappingRule{
		{ID: "num", FieldName: "invoice_number", Method: MethodOCRField, SourceField: "InvoiceId", Validation: `ACM-\d{6}`},
		{ID: "vendor", FieldName: "vendor_name", Method: MethodOCRField, SourceField: "VendorName"},
		{ID: "total", FieldName: "total_amount", Method: MethodOCRField, SourceField: "InvoiceTotal", Normalize: "amount", Validation: `-?\d+\.\d{2}`},
		{ID: "date", FieldName: "invoice_date", Method: MethodRegex, Pattern: `Invoice Date:\s*(\S+)`, Normalize: "date", Validation: `\d{4}-\d{2}-\d{2}`},
		{ID: "due", FieldName: "due_date", Method: MethodRegex, Pattern: `Due Date:\s*(\S+)`, Normalize: "date"},
		{ID: "terms", FieldName: "payment_terms", Method: MethodKeyword, Keyword: "Payment Terms"},
	})
	require.NoError(t, err)
	return src
}

// testExecutor builds an executor with fast timeouts and the given
// overrides applied.
func testExecutor(t *testing.T, mutate func(*Options)) (*Executor, *mockExtractor, *captureSink) {
	t.Helper()

	scorer, err := confidence.NewScorer(confidence.DefaultWeights(), confidence.DefaultThresholds())
	require.NoError(t, err)

	issuers, err := NewIssuerMatcher([]IssuerPattern{{
		ID:                 "acme",
		Name:               "Acme Corporation",
		Names:              []string{"Acme Corporation"},
		Keywords:           []string{"Invoice Number", "Payment Terms"},
		LogoText:           []string{"ACME CORPORATION"},
		HistoricalAccuracy: 92,
	}})
	require.NoError(t, err)

	extractor := &mockExtractor{result: goodAnalysis()}
	sink := &captureSink{}

	opts := Options{
		Extractor:  extractor,
		Issuers:    issuers,
		RuleSource: testRules(t),
		Enhancer:   &mockEnhancer{values: map[string]string{"currency": "USD"}},
		TermSink:   sink,
		Scorer:     scorer,
		Router:     routing.NewEngine(confidence.DefaultThresholds(), []string{"invoice_number", "total_amount", "vendor_name"}),
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)
	return e, extractor, sink
}

func pdfDocument() *model.Document {
	return &model.Document{
		ID:       "doc-1",
		FileName: "invoice.pdf",
		Content:  []byte("%PDF-1.7 test document"),
	}
}

func traceStatus(t *testing.T, result *model.PipelineResult, stepID string) model.StepOutcome {
	t.Helper()
	for _, o := range result.StepTrace {
		if o.StepID == stepID {
			return o
		}
	}
	t.Fatalf("step %s not in trace", stepID)
	return model.StepOutcome{}
}

func TestRunCompletes(t *testing.T) {
	e, _, sink := testExecutor(t, nil)

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, result.TerminalStatus)
	assert.NotEmpty(t, result.RunID)
	require.Len(t, result.StepTrace, 11)
	for _, o := range result.StepTrace {
		assert.Equal(t, model.StepSuccess, o.Status, o.StepID)
	}

	// Mapped and enhanced fields are both present; the LLM never
	// overwrites a mapped field.
	assert.Equal(t, "ACM-123456", result.Fields["invoice_number"].Value)
	assert.Equal(t, "1250.50", result.Fields["total_amount"].Value)
	assert.Equal(t, "USD", result.Fields["currency"].Value)
	assert.Equal(t, model.SourceLLM, result.Fields["currency"].Source)

	require.NotNil(t, result.Confidence)
	assert.Greater(t, result.Confidence.OverallScore, 0)
	require.NotNil(t, result.Routing)
	assert.NotEmpty(t, result.Routing.Path)

	// Payment terms reached the sink with the identified issuer.
	require.Len(t, sink.records, 1)
	assert.Equal(t, "acme", sink.records[0].IssuerID)
	assert.Equal(t, "Net 30", sink.records[0].PaymentTerms)
}

func TestRunStepOrder(t *testing.T) {
	e, _, _ := testExecutor(t, nil)

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	var got []string
	for _, o := range result.StepTrace {
		got = append(got, o.StepID)
	}
	assert.Equal(t, []string{
		catalog.StepFileTypeDetection,
		catalog.StepSmartRouting,
		catalog.StepPrimaryExtraction,
		catalog.StepIssuerIdentification,
		catalog.StepFormatMatching,
		catalog.StepConfigFetch,
		catalog.StepEnhancedExtraction,
		catalog.StepFieldMapping,
		catalog.StepTermRecording,
		catalog.StepConfidenceCalculation,
		catalog.StepRoutingDecision,
	}, got)
}

func TestRunRequiredFailureAborts(t *testing.T) {
	e, extractor, _ := testExecutor(t, nil)
	extractor.err = errors.New("invalid request payload")

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunAborted, result.TerminalStatus)
	assert.True(t, result.Aborted())

	// The trace stops at the failed step; nothing after it ran.
	require.Len(t, result.StepTrace, 3)
	last := result.StepTrace[2]
	assert.Equal(t, catalog.StepPrimaryExtraction, last.StepID)
	assert.Equal(t, model.StepFailed, last.Status)
	assert.Contains(t, last.Error, "invalid request payload")

	assert.Nil(t, result.Routing)
	assert.Nil(t, result.Confidence)
	assert.Empty(t, result.Fields)
}

func TestRunRetriesTransientExtractionFailure(t *testing.T) {
	e, extractor, _ := testExecutor(t, func(o *Options) {
		steps := catalog.Default().Definitions()
		for i := range steps {
			// Keep test retries fast.
			steps[i].Timeout = time.Second
		}
		c, err := catalog.New(steps)
		require.NoError(t, err)
		o.Catalog = c
	})
	extractor.failUntil = 2

	start := time.Now()
	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, result.TerminalStatus)
	outcome := traceStatus(t, result, catalog.StepPrimaryExtraction)
	assert.Equal(t, model.StepSuccess, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, extractor.calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClassifyExtractionErr(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  resilience.ErrorCode
		retryable bool
	}{
		{429, resilience.CodeServiceError, true},
		{503, resilience.CodeServiceError, true},
		{400, resilience.CodeInvalidInput, false},
		{413, resilience.CodeFileTooLarge, false},
		{415, resilience.CodeUnsupportedFormat, false},
	}

	for _, tc := range tests {
		err := classifyExtractionErr(eris.Wrapf(&docintel.StatusError{StatusCode: tc.status}, "pipeline: primary extraction"))
		assert.Equal(t, tc.wantCode, resilience.Classify(err), "status %d", tc.status)
		assert.Equal(t, tc.retryable, resilience.IsRetryable(err), "status %d", tc.status)
	}

	// Non-status failures pass through untouched.
	plain := errors.New("connection reset by peer")
	assert.Equal(t, plain, classifyExtractionErr(plain))
}

func TestRunPermanentExtractionRejectionSkipsRetries(t *testing.T) {
	e, extractor, _ := testExecutor(t, nil)
	extractor.err = &docintel.StatusError{StatusCode: 400, Body: "InvalidRequest"}

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunAborted, result.TerminalStatus)
	outcome := traceStatus(t, result, catalog.StepPrimaryExtraction)
	assert.Equal(t, model.StepFailed, outcome.Status)
	// The 400 is permanent; the retry budget stays unspent.
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, extractor.calls)
}

func TestRunOptionalFailureContinues(t *testing.T) {
	e, _, _ := testExecutor(t, func(o *Options) {
		o.Enhancer = &mockEnhancer{err: NewPermanentEnhanceError()}
	})

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, result.TerminalStatus)
	outcome := traceStatus(t, result, catalog.StepEnhancedExtraction)
	assert.Equal(t, model.StepFailed, outcome.Status)

	// Later steps still ran and produced a decision.
	assert.Equal(t, model.StepSuccess, traceStatus(t, result, catalog.StepRoutingDecision).Status)
	require.NotNil(t, result.Routing)

	// Mapped fields survive; only the enhanced ones are missing.
	assert.Equal(t, "ACM-123456", result.Fields["invoice_number"].Value)
	_, hasCurrency := result.Fields["currency"]
	assert.False(t, hasCurrency)
}

func TestRunDisabledStepSkipped(t *testing.T) {
	e, _, sink := testExecutor(t, func(o *Options) {
		steps := catalog.Default().Definitions()
		for i := range steps {
			if steps[i].ID == catalog.StepTermRecording {
				steps[i].Enabled = false
			}
		}
		c, err := catalog.New(steps)
		require.NoError(t, err)
		o.Catalog = c
	})

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, result.TerminalStatus)
	outcome := traceStatus(t, result, catalog.StepTermRecording)
	assert.Equal(t, model.StepSkipped, outcome.Status)
	assert.Zero(t, outcome.Attempts)
	assert.Empty(t, sink.records)

	// A skipped step still appears in the trace in its slot.
	require.Len(t, result.StepTrace, 11)
}

func TestRunTimeoutStatus(t *testing.T) {
	slow := &slowExtractor{delay: time.Second}
	e, _, _ := testExecutor(t, func(o *Options) {
		o.Extractor = slow
		steps := catalog.Default().Definitions()
		for i := range steps {
			if steps[i].ID == catalog.StepPrimaryExtraction {
				steps[i].Timeout = 20 * time.Millisecond
				steps[i].RetryBudget = 1
			}
		}
		c, err := catalog.New(steps)
		require.NoError(t, err)
		o.Catalog = c
	})

	result, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	assert.Equal(t, model.RunAborted, result.TerminalStatus)
	outcome := traceStatus(t, result, catalog.StepPrimaryExtraction)
	assert.Equal(t, model.StepTimedOut, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
}

// slowExtractor blocks until the per-attempt context expires.
type slowExtractor struct {
	delay time.Duration
}

func (s *slowExtractor) Analyze(ctx context.Context, _ docintel.AnalyzeRequest, _ ...docintel.PollOption) (*docintel.AnalyzeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return goodAnalysis(), nil
	}
}

func TestRunParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, _, _ := testExecutor(t, nil)
	result, err := e.Run(ctx, pdfDocument())
	require.NoError(t, err)
	assert.Equal(t, model.RunAborted, result.TerminalStatus)
}

func TestRunUnsupportedDocumentAborts(t *testing.T) {
	e, extractor, _ := testExecutor(t, nil)

	doc := &model.Document{ID: "doc-2", FileName: "notes.txt", Content: []byte("plain text")}
	result, err := e.Run(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, model.RunAborted, result.TerminalStatus)
	require.Len(t, result.StepTrace, 1)
	assert.Equal(t, model.StepFailed, result.StepTrace[0].Status)
	// Permanent classification means no retries were burned.
	assert.Equal(t, 1, result.StepTrace[0].Attempts)
	assert.Zero(t, extractor.calls)
}

func TestRunValidatesInput(t *testing.T) {
	e, _, _ := testExecutor(t, nil)

	_, err := e.Run(context.Background(), nil)
	assert.Error(t, err)

	_, err = e.Run(context.Background(), &model.Document{FileName: "x.pdf"})
	assert.Error(t, err)
}

func TestRunDeterministicDecision(t *testing.T) {
	e, _, _ := testExecutor(t, nil)

	first, err := e.Run(context.Background(), pdfDocument())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := e.Run(context.Background(), pdfDocument())
		require.NoError(t, err)
		assert.Equal(t, first.Routing.Path, again.Routing.Path)
		assert.Equal(t, first.Confidence.OverallScore, again.Confidence.OverallScore)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	scorer, err := confidence.NewScorer(confidence.DefaultWeights(), confidence.DefaultThresholds())
	require.NoError(t, err)
	router := routing.NewEngine(confidence.DefaultThresholds(), nil)
	src := testRules(t)

	cases := []Options{
		{RuleSource: src, Scorer: scorer, Router: router},
		{Extractor: &mockExtractor{}, Scorer: scorer, Router: router},
		{Extractor: &mockExtractor{}, RuleSource: src, Router: router},
		{Extractor: &mockExtractor{}, RuleSource: src, Scorer: scorer},
	}
	for i, opts := range cases {
		_, err := New(opts)
		assert.Error(t, err, "case %d", i)
	}
}

// NewPermanentEnhanceError builds a non-retryable enhancer failure so the
// optional-step test does not sit through retry backoff.
func NewPermanentEnhanceError() error {
	return errors.New("invalid model configuration")
}
