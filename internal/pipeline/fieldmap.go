package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// mapFields applies the fetched rules to the extraction output. Rules are
// tried in priority order and the first successful rule per field wins;
// a rule hit replaces any LLM value from enhanced extraction, since rule
// methods carry higher base confidence. Normalization and validation
// failures keep the value but mark it, lowering its confidence downstream.
func (e *Executor) mapFields(_ context.Context, state *State) error {
	if state.Extraction == nil {
		return eris.New("pipeline: field mapping requires extraction output")
	}
	if len(state.Rules) == 0 {
		return eris.New("pipeline: no mapping rules available")
	}

	rules := make([]MappingRule, len(state.Rules))
	copy(rules, state.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	stats := MappingStats{TotalRules: len(rules)}

	for i := range rules {
		rule := &rules[i]
		if existing, done := state.Fields[rule.FieldName]; done && existing.Source != model.SourceLLM {
			continue
		}

		raw, ok := rule.apply(state)
		if !ok {
			stats.UnmappedRules = append(stats.UnmappedRules, rule.ID)
			continue
		}

		fv := buildFieldValue(rule, raw)
		state.Fields[rule.FieldName] = fv

		stats.MappedFields++
		if fv.Validated {
			stats.ValidatedCount++
		} else if fv.ValidationError != "" {
			stats.FailedCount++
		}
	}

	state.MappingStats = &stats
	zap.L().Debug("fields mapped",
		zap.String("document_id", state.Doc.ID),
		zap.Int("mapped", stats.MappedFields),
		zap.Int("validated", stats.ValidatedCount),
		zap.Int("validation_failures", stats.FailedCount),
	)
	return nil
}

// apply runs one rule against the state and returns the raw value.
func (r *MappingRule) apply(state *State) (string, bool) {
	switch r.Method {
	case MethodOCRField:
		f, ok := state.Extraction.Fields[r.SourceField]
		if !ok || strings.TrimSpace(f.Content) == "" {
			return "", false
		}
		return strings.TrimSpace(f.Content), true

	case MethodRegex:
		m := r.compiledPattern.FindStringSubmatch(state.Extraction.Text)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return strings.TrimSpace(m[1]), true
		}
		return strings.TrimSpace(m[0]), true

	case MethodKeyword:
		for _, line := range strings.Split(state.Extraction.Text, "\n") {
			idx := strings.Index(strings.ToLower(line), strings.ToLower(r.Keyword))
			if idx < 0 {
				continue
			}
			rest := line[idx+len(r.Keyword):]
			rest = strings.TrimLeft(rest, " \t:：-")
			rest = strings.TrimSpace(rest)
			if rest != "" {
				return rest, true
			}
		}
		return "", false
	}
	return "", false
}

// buildFieldValue normalizes, validates, and scores one mapped value.
func buildFieldValue(rule *MappingRule, raw string) model.FieldValue {
	fv := model.FieldValue{
		FieldName:  rule.FieldName,
		RawValue:   raw,
		Value:      raw,
		Source:     rule.source(),
		Method:     rule.Method,
		RuleID:     rule.ID,
		Confidence: methodBaseConfidence[rule.Method] + rule.ConfidenceBoost,
	}
	if fv.Confidence > 100 {
		fv.Confidence = 100
	}

	normalized, err := normalizeValue(rule.Normalize, raw)
	if err != nil {
		fv.ValidationError = err.Error()
		fv.Confidence /= 2
		return fv
	}
	fv.Value = normalized

	if rule.compiledValidation != nil {
		if rule.compiledValidation.MatchString(normalized) {
			fv.Validated = true
		} else {
			fv.ValidationError = fmt.Sprintf("value %q does not match validation pattern", normalized)
			fv.Confidence /= 2
		}
	}
	return fv
}

var (
	dateLayouts = []string{
		"2006-01-02",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
		"02 Jan 2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"2 January 2006",
		"20060102",
	}

	amountRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	weightRe = regexp.MustCompile(`(-?\d[\d,]*(?:\.\d+)?)\s*(?i:kg|kgs|lb|lbs|g|oz|t)?\.?\s*$`)
)

// normalizeValue canonicalizes a raw value: dates become YYYY-MM-DD,
// amounts lose currency symbols and separators and gain two decimals,
// weights lose their unit suffix.
func normalizeValue(kind, raw string) (string, error) {
	switch kind {
	case "":
		return raw, nil
	case "date":
		return normalizeDate(raw)
	case "amount":
		return normalizeAmount(raw)
	case "weight":
		return normalizeWeight(raw)
	}
	return raw, nil
}

func normalizeDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", eris.Errorf("unrecognized date %q", raw)
}

func normalizeAmount(raw string) (string, error) {
	m := amountRe.FindString(raw)
	if m == "" {
		return "", eris.Errorf("no numeric amount in %q", raw)
	}
	m = strings.ReplaceAll(m, ",", "")
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return "", eris.Errorf("unparseable amount %q", raw)
	}
	return strconv.FormatFloat(v, 'f', 2, 64), nil
}

func normalizeWeight(raw string) (string, error) {
	m := weightRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", eris.Errorf("no numeric weight in %q", raw)
	}
	num := strings.ReplaceAll(m[1], ",", "")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return "", eris.Errorf("unparseable weight %q", raw)
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}
