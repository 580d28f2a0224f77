package pipeline

import (
	"context"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// Mapping methods and their base confidence scores. A provider-reported
// invoice field is trusted more than a regex over raw text, which in turn
// beats keyword proximity.
const (
	MethodOCRField = "ocr_field"
	MethodRegex    = "regex"
	MethodKeyword  = "keyword"
	MethodLLM      = "llm"
)

var methodBaseConfidence = map[string]float64{
	MethodOCRField: 90,
	MethodRegex:    85,
	MethodKeyword:  75,
	MethodLLM:      60,
}

// MappingRule maps one extracted signal to a canonical invoice field.
// Rules without an issuer are universal (tier 1); issuer- or
// format-scoped rules (tier 2) override them by priority.
type MappingRule struct {
	ID        string `yaml:"id"`
	FieldName string `yaml:"field_name"`

	// IssuerID scopes the rule to one issuer. Empty means universal.
	IssuerID string `yaml:"issuer_id"`

	// FormatID further scopes the rule to one format profile.
	FormatID string `yaml:"format_id"`

	// Method is one of ocr_field, regex, keyword.
	Method string `yaml:"method"`

	// SourceField names the provider field for the ocr_field method,
	// e.g. "InvoiceId".
	SourceField string `yaml:"source_field"`

	// Pattern is the regex for the regex method. The first capture
	// group is the value; without groups the whole match is used.
	Pattern string `yaml:"pattern"`

	// Keyword anchors the keyword method: the value is the text
	// following the keyword on the same line.
	Keyword string `yaml:"keyword"`

	// Normalize selects a value normalizer: date, amount, weight, or
	// empty for none.
	Normalize string `yaml:"normalize"`

	// Validation is a regex the normalized value must fully match.
	Validation string `yaml:"validation"`

	// ConfidenceBoost is added to the method's base confidence,
	// capped at 100.
	ConfidenceBoost float64 `yaml:"confidence_boost"`

	// Priority orders rules targeting the same field, higher first.
	Priority int `yaml:"priority"`

	compiledPattern    *regexp.Regexp
	compiledValidation *regexp.Regexp
}

// compile validates the rule and prepares its regexes.
func (r *MappingRule) compile() error {
	if r.ID == "" || r.FieldName == "" {
		return eris.Errorf("pipeline: mapping rule needs id and field_name, got id=%q field=%q", r.ID, r.FieldName)
	}

	switch r.Method {
	case MethodOCRField:
		if r.SourceField == "" {
			return eris.Errorf("pipeline: rule %s: ocr_field method needs source_field", r.ID)
		}
	case MethodRegex:
		if r.Pattern == "" {
			return eris.Errorf("pipeline: rule %s: regex method needs pattern", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return eris.Wrapf(err, "pipeline: rule %s pattern", r.ID)
		}
		r.compiledPattern = re
	case MethodKeyword:
		if r.Keyword == "" {
			return eris.Errorf("pipeline: rule %s: keyword method needs keyword", r.ID)
		}
	default:
		return eris.Errorf("pipeline: rule %s: unknown method %q", r.ID, r.Method)
	}

	switch r.Normalize {
	case "", "date", "amount", "weight":
	default:
		return eris.Errorf("pipeline: rule %s: unknown normalizer %q", r.ID, r.Normalize)
	}

	if r.Validation != "" {
		re, err := regexp.Compile("^(?:" + r.Validation + ")$")
		if err != nil {
			return eris.Wrapf(err, "pipeline: rule %s validation", r.ID)
		}
		r.compiledValidation = re
	}
	return nil
}

// source reports which tier produced the rule.
func (r *MappingRule) source() model.FieldSource {
	if r.IssuerID != "" || r.FormatID != "" {
		return model.SourceTier2
	}
	return model.SourceTier1
}

// RuleSource supplies the mapping rules applicable to one document.
// Implementations may hit remote config services; the config-fetch step
// runs them under its own timeout and retry budget.
type RuleSource interface {
	Rules(ctx context.Context, issuerID, formatID string) ([]MappingRule, error)
}

// StaticRuleSource serves rules from a YAML file loaded at startup.
type StaticRuleSource struct {
	rules []MappingRule
}

// NewStaticRuleSource compiles the given rules.
func NewStaticRuleSource(rules []MappingRule) (*StaticRuleSource, error) {
	rs := make([]MappingRule, len(rules))
	copy(rs, rules)
	for i := range rs {
		if err := rs[i].compile(); err != nil {
			return nil, err
		}
	}
	return &StaticRuleSource{rules: rs}, nil
}

// LoadRuleSource reads mapping rules from a YAML file.
func LoadRuleSource(path string) (*StaticRuleSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read mapping rules %s", path)
	}
	var wrapper struct {
		Rules []MappingRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse mapping rules %s", path)
	}
	return NewStaticRuleSource(wrapper.Rules)
}

// Rules returns universal rules plus those scoped to the given issuer and
// format. A format-scoped rule applies only when its format matched.
func (s *StaticRuleSource) Rules(_ context.Context, issuerID, formatID string) ([]MappingRule, error) {
	var out []MappingRule
	for _, r := range s.rules {
		if r.IssuerID != "" && r.IssuerID != issuerID {
			continue
		}
		if r.FormatID != "" && r.FormatID != formatID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// fetchRules pulls the applicable rules into the run state. The rule
// source sees the issuer and format when the optional upstream steps
// produced them; otherwise it serves the universal set.
func (e *Executor) fetchRules(ctx context.Context, state *State) error {
	var issuerID, formatID string
	if state.Issuer != nil {
		issuerID = state.Issuer.IssuerID
	}
	if state.Format != nil {
		formatID = state.Format.FormatID
	}

	rules, err := e.ruleSource.Rules(ctx, issuerID, formatID)
	if err != nil {
		return eris.Wrap(err, "pipeline: fetch mapping rules")
	}
	state.Rules = rules
	return nil
}
