package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

const extractSystemPrompt = `You are an invoice data extraction assistant.
You receive the text content of an invoice and a list of field names.
Return a JSON object mapping each field name to its extracted string value.
Use null for fields you cannot find. Return only the JSON object, no prose.`

const defaultExtractMaxTokens = 1024

// ExtractRequest asks the model to pull specific fields out of invoice text.
type ExtractRequest struct {
	Model string

	// Text is the invoice text content, typically from OCR.
	Text string

	// Fields are the field names to extract.
	Fields []string
}

// ExtractResult holds the extracted field values and the token usage of the
// underlying request.
type ExtractResult struct {
	// Values maps field names to extracted strings. Fields the model
	// could not find are absent.
	Values map[string]string

	Usage TokenUsage
}

// ExtractPrimer builds the cache-warming request for the extraction system
// prompt. Sending it once via PrimerRequest before a batch makes every
// subsequent ExtractFields call hit the cached prefix.
func ExtractPrimer(model string) MessageRequest {
	return MessageRequest{
		Model:     model,
		MaxTokens: 1,
		System:    BuildCachedSystemBlocks(extractSystemPrompt),
		Messages:  []Message{{Role: "user", Content: "ok"}},
	}
}

// ExtractFields sends one extraction request and parses the JSON reply.
// The system prompt is cached so repeated calls within a batch are cheap.
func ExtractFields(ctx context.Context, client Client, req ExtractRequest) (*ExtractResult, error) {
	if len(req.Fields) == 0 {
		return &ExtractResult{Values: map[string]string{}}, nil
	}

	prompt := fmt.Sprintf("Fields to extract:\n%s\n\nInvoice text:\n%s",
		strings.Join(req.Fields, "\n"), req.Text)

	zero := 0.0
	resp, err := client.CreateMessage(ctx, MessageRequest{
		Model:       req.Model,
		MaxTokens:   defaultExtractMaxTokens,
		System:      BuildCachedSystemBlocks(extractSystemPrompt),
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: &zero,
	})
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: extract fields")
	}

	values, err := parseExtractReply(resp.Text())
	if err != nil {
		return nil, err
	}

	// Discard anything the model invented outside the requested set.
	requested := make(map[string]bool, len(req.Fields))
	for _, f := range req.Fields {
		requested[f] = true
	}
	for name := range values {
		if !requested[name] {
			delete(values, name)
		}
	}

	return &ExtractResult{Values: values, Usage: resp.Usage}, nil
}

// parseExtractReply decodes the model's JSON object, tolerating markdown
// code fences around it.
func parseExtractReply(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var raw map[string]*string
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, eris.Wrap(err, "anthropic: parse extraction reply")
	}

	out := make(map[string]string, len(raw))
	for name, v := range raw {
		if v != nil && strings.TrimSpace(*v) != "" {
			out[name] = strings.TrimSpace(*v)
		}
	}
	return out, nil
}
