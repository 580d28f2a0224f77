package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient returns canned responses for CreateMessage.
type mockClient struct {
	resp    *MessageResponse
	err     error
	lastReq MessageRequest
	calls   int
}

func (m *mockClient) CreateMessage(_ context.Context, req MessageRequest) (*MessageResponse, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func textResponse(text string) *MessageResponse {
	return &MessageResponse{
		Content: []ContentBlock{{Type: "text", Text: text}},
		Usage:   TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func TestExtractFields(t *testing.T) {
	mock := &mockClient{resp: textResponse(`{"invoice_number": "INV-001", "po_number": null, "total_amount": "1250.00"}`)}

	res, err := ExtractFields(context.Background(), mock, ExtractRequest{
		Model:  "claude-haiku-4-5-20251001",
		Text:   "INVOICE INV-001 ... Total Due: $1,250.00",
		Fields: []string{"invoice_number", "po_number", "total_amount"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"invoice_number": "INV-001",
		"total_amount":   "1250.00",
	}, res.Values)
	assert.Equal(t, int64(100), res.Usage.InputTokens)

	// The cached system prompt and zero temperature are fixed.
	require.Len(t, mock.lastReq.System, 1)
	assert.NotNil(t, mock.lastReq.System[0].CacheControl)
	require.NotNil(t, mock.lastReq.Temperature)
	assert.Zero(t, *mock.lastReq.Temperature)
}

func TestExtractFieldsCodeFence(t *testing.T) {
	mock := &mockClient{resp: textResponse("```json\n{\"vendor_name\": \"Acme Corp\"}\n```")}

	res, err := ExtractFields(context.Background(), mock, ExtractRequest{
		Model:  "claude-haiku-4-5-20251001",
		Text:   "...",
		Fields: []string{"vendor_name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", res.Values["vendor_name"])
}

func TestExtractFieldsDropsUnrequested(t *testing.T) {
	mock := &mockClient{resp: textResponse(`{"vendor_name": "Acme", "hallucinated": "x"}`)}

	res, err := ExtractFields(context.Background(), mock, ExtractRequest{
		Model:  "m",
		Text:   "...",
		Fields: []string{"vendor_name"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vendor_name": "Acme"}, res.Values)
}

func TestExtractFieldsEmptyRequest(t *testing.T) {
	mock := &mockClient{}
	res, err := ExtractFields(context.Background(), mock, ExtractRequest{Model: "m", Text: "..."})
	require.NoError(t, err)
	assert.Empty(t, res.Values)
	assert.Zero(t, mock.calls)
}

func TestExtractFieldsErrors(t *testing.T) {
	mock := &mockClient{err: errors.New("overloaded")}
	_, err := ExtractFields(context.Background(), mock, ExtractRequest{
		Model: "m", Text: "...", Fields: []string{"a"},
	})
	assert.Error(t, err)

	mock = &mockClient{resp: textResponse("sorry, I cannot do that")}
	_, err = ExtractFields(context.Background(), mock, ExtractRequest{
		Model: "m", Text: "...", Fields: []string{"a"},
	})
	assert.Error(t, err)
}

func TestExtractPrimerWarmsCache(t *testing.T) {
	mock := &mockClient{resp: textResponse("ok")}

	resp, err := PrimerRequest(context.Background(), mock, ExtractPrimer("claude-haiku-4-5-20251001"))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.calls)
	assert.Equal(t, TokenUsage{InputTokens: 100, OutputTokens: 20}, resp.Usage)

	// The primer must carry the same cached system prompt that
	// ExtractFields sends, or the cache prefix will not line up.
	require.Len(t, mock.lastReq.System, 1)
	assert.Equal(t, extractSystemPrompt, mock.lastReq.System[0].Text)
	require.NotNil(t, mock.lastReq.System[0].CacheControl)
	assert.Equal(t, "1h", mock.lastReq.System[0].CacheControl.TTL)

	mock = &mockClient{err: errors.New("overloaded")}
	_, err = PrimerRequest(context.Background(), mock, ExtractPrimer("m"))
	assert.Error(t, err)
}

func TestEstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 4.80, u.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))
}
