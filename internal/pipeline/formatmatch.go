package pipeline

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FormatProfile describes one known invoice layout for an issuer. Issuers
// that revise their invoice template over time carry one profile per
// revision, each with its own mapping rules.
type FormatProfile struct {
	ID       string `yaml:"id"`
	IssuerID string `yaml:"issuer_id"`

	// Markers are text fragments unique to this layout revision. Each
	// marker found contributes equally to the match score.
	Markers []string `yaml:"markers"`
}

// LoadFormatProfiles reads format profiles from a YAML file.
func LoadFormatProfiles(path string) ([]FormatProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read format profiles %s", path)
	}
	var wrapper struct {
		Formats []FormatProfile `yaml:"formats"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse format profiles %s", path)
	}
	for i, p := range wrapper.Formats {
		if p.ID == "" || p.IssuerID == "" {
			return nil, eris.Errorf("pipeline: format profile %d needs id and issuer_id", i)
		}
	}
	return wrapper.Formats, nil
}

// matchFormat picks the issuer's best-matching format profile by marker
// coverage. An identified issuer with no profiles, or a document matching
// none of them, leaves Format unset and the universal rules apply.
func (e *Executor) matchFormat(_ context.Context, state *State) error {
	if state.Issuer == nil || state.Issuer.IssuerID == "" {
		return eris.New("pipeline: format matching requires an identified issuer")
	}
	if state.Extraction == nil {
		return eris.New("pipeline: format matching requires extracted text")
	}

	normalized := normalizeText(state.Extraction.Text)

	var best *FormatMatch
	for _, p := range e.formats {
		if p.IssuerID != state.Issuer.IssuerID || len(p.Markers) == 0 {
			continue
		}
		found := 0
		for _, marker := range p.Markers {
			if strings.Contains(normalized, normalizeText(marker)) {
				found++
			}
		}
		if found == 0 {
			continue
		}
		score := found * 100 / len(p.Markers)
		if best == nil || score > best.Score {
			best = &FormatMatch{FormatID: p.ID, Score: score}
		}
	}

	if best != nil {
		state.Format = best
		zap.L().Debug("format matched",
			zap.String("document_id", state.Doc.ID),
			zap.String("format_id", best.FormatID),
			zap.Int("score", best.Score),
		)
	}
	return nil
}
