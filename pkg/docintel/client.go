// Package docintel provides a client for the Azure Document Intelligence
// REST API. Analysis is asynchronous: the submit call returns an operation
// URL which is polled until the result is ready.
package docintel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	apiVersion = "2024-11-30"

	// ModelPrebuiltInvoice extracts structured invoice fields.
	ModelPrebuiltInvoice = "prebuilt-invoice"
	// ModelPrebuiltLayout extracts text and layout without field semantics.
	ModelPrebuiltLayout = "prebuilt-layout"
)

// Client defines the Document Intelligence operations.
type Client interface {
	// Analyze submits a document and waits for the analysis result.
	Analyze(ctx context.Context, req AnalyzeRequest, opts ...PollOption) (*AnalyzeResult, error)
}

// AnalyzeRequest describes one document to analyze. Exactly one of Content
// or DocumentURL must be set.
type AnalyzeRequest struct {
	// Model is the analysis model ID, e.g. ModelPrebuiltInvoice.
	Model string

	// Content is the raw document bytes.
	Content []byte

	// ContentType is the MIME type of Content.
	ContentType string

	// DocumentURL points at a remotely hosted document.
	DocumentURL string
}

// Field is one extracted document field.
type Field struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"` // 0-1
}

// AnalyzeResult is the completed analysis.
type AnalyzeResult struct {
	// Text is the full extracted text content.
	Text string

	// PageCount is the number of pages analyzed.
	PageCount int

	// Confidence is the mean field confidence on a 0-1 scale, zero when
	// no fields were extracted.
	Confidence float64

	// Fields maps field names to extracted values, from the first
	// document in the result.
	Fields map[string]Field
}

// StatusError is a non-success HTTP status from the service, kept typed so
// callers can branch on the code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRequestRate caps outbound requests per second, covering both submits
// and poll reads. Azure throttles per resource; pacing below that ceiling
// keeps the service from answering 429.
func WithRequestRate(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a Document Intelligence client for the given resource
// endpoint, e.g. "https://myresource.cognitiveservices.azure.com".
func NewClient(endpoint, apiKey string, opts ...Option) Client {
	c := &httpClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// analyzeBody is the submit request payload. The API takes either inline
// base64 content or a source URL.
type analyzeBody struct {
	Base64Source string `json:"base64Source,omitempty"`
	URLSource    string `json:"urlSource,omitempty"`
}

func (c *httpClient) Analyze(ctx context.Context, req AnalyzeRequest, opts ...PollOption) (*AnalyzeResult, error) {
	opURL, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, opURL, opts...)
}

// submit starts the analysis and returns the operation URL to poll.
func (c *httpClient) submit(ctx context.Context, req AnalyzeRequest) (string, error) {
	if req.Model == "" {
		return "", eris.New("docintel: model is required")
	}
	if len(req.Content) == 0 && req.DocumentURL == "" {
		return "", eris.New("docintel: either Content or DocumentURL is required")
	}

	body := analyzeBody{URLSource: req.DocumentURL}
	if len(req.Content) > 0 {
		body.Base64Source = base64.StdEncoding.EncodeToString(req.Content)
		body.URLSource = ""
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", eris.Wrap(err, "docintel: marshal request")
	}

	reqURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		c.endpoint, req.Model, apiVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", eris.Wrap(err, "docintel: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	if err := c.pace(ctx); err != nil {
		return "", err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "docintel: submit analysis")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return "", eris.Wrap(&StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}, "docintel: submit analysis")
	}

	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", eris.New("docintel: submit response missing Operation-Location header")
	}
	return opURL, nil
}

// pace blocks until the request-rate limiter admits one request. A client
// without a configured rate never blocks.
func (c *httpClient) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "docintel: request rate limit")
	}
	return nil
}

// operationResponse is the polled operation state.
type operationResponse struct {
	Status        string         `json:"status"`
	Error         *apiError      `json:"error,omitempty"`
	AnalyzeResult *analyzeResult `json:"analyzeResult,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzeResult struct {
	Content   string            `json:"content"`
	Pages     []json.RawMessage `json:"pages"`
	Documents []struct {
		Fields map[string]Field `json:"fields"`
	} `json:"documents"`
}

// toResult flattens the API result into the package's AnalyzeResult.
func (r *analyzeResult) toResult() *AnalyzeResult {
	out := &AnalyzeResult{
		Text:      r.Content,
		PageCount: len(r.Pages),
		Fields:    map[string]Field{},
	}
	if len(r.Documents) > 0 {
		out.Fields = r.Documents[0].Fields
	}
	if len(out.Fields) > 0 {
		var sum float64
		for _, f := range out.Fields {
			sum += f.Confidence
		}
		out.Confidence = sum / float64(len(out.Fields))
	}
	return out
}
