package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/pkg/anthropic"
)

// Enhancer fills fields the rule-based mapping missed, typically with a
// language model over the extracted text.
type Enhancer interface {
	// Enhance returns values for the requested fields. Fields the
	// enhancer cannot resolve are simply absent from the result.
	Enhance(ctx context.Context, text string, fields []string) (map[string]string, error)
}

// AnthropicEnhancer implements Enhancer on the Anthropic messages API.
type AnthropicEnhancer struct {
	client anthropic.Client
	model  string
}

// NewAnthropicEnhancer creates an enhancer using the given model ID.
func NewAnthropicEnhancer(client anthropic.Client, modelID string) *AnthropicEnhancer {
	return &AnthropicEnhancer{client: client, model: modelID}
}

// WarmCache primes the provider-side prompt cache with the extraction
// system prompt. One warm request before a batch makes every enhancement
// call in that batch hit the cached prefix.
func (a *AnthropicEnhancer) WarmCache(ctx context.Context) (anthropic.TokenUsage, error) {
	resp, err := anthropic.PrimerRequest(ctx, a.client, anthropic.ExtractPrimer(a.model))
	if err != nil {
		return anthropic.TokenUsage{}, err
	}
	return resp.Usage, nil
}

func (a *AnthropicEnhancer) Enhance(ctx context.Context, text string, fields []string) (map[string]string, error) {
	res, err := anthropic.ExtractFields(ctx, a.client, anthropic.ExtractRequest{
		Model:  a.model,
		Text:   text,
		Fields: fields,
	})
	if err != nil {
		return nil, err
	}
	res.Usage.LogCost(a.model, "enhanced-extraction")
	return res.Values, nil
}

// enhanceFields asks the enhancer for every expected field not yet filled.
// It runs ahead of rule-based mapping in catalog order; LLM values carry
// the low llm base confidence and a later successful rule replaces them.
func (e *Executor) enhanceFields(ctx context.Context, state *State) error {
	if e.enhancer == nil {
		return eris.New("pipeline: enhanced extraction enabled but no enhancer configured")
	}
	if state.Extraction == nil || state.Extraction.Text == "" {
		return eris.New("pipeline: enhanced extraction requires extracted text")
	}

	var missing []string
	for _, name := range e.expectedFields {
		if _, ok := state.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	values, err := e.enhancer.Enhance(ctx, state.Extraction.Text, missing)
	if err != nil {
		return eris.Wrap(err, "pipeline: enhanced extraction")
	}

	filled := 0
	for name, value := range values {
		if _, ok := state.Fields[name]; ok {
			continue
		}
		state.Fields[name] = model.FieldValue{
			FieldName:  name,
			Value:      value,
			RawValue:   value,
			Confidence: methodBaseConfidence[MethodLLM],
			Source:     model.SourceLLM,
			Method:     MethodLLM,
		}
		filled++
	}

	zap.L().Debug("enhanced extraction filled fields",
		zap.String("document_id", state.Doc.ID),
		zap.Int("requested", len(missing)),
		zap.Int("filled", filled),
	)
	return nil
}
