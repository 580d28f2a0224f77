package pipeline

import (
	"context"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Match score contributions and thresholds for issuer identification.
const (
	issuerNameScore       = 40
	issuerKeywordScore    = 15
	issuerKeywordScoreCap = 30
	issuerFormatScore     = 20
	issuerLogoScore       = 10
	issuerScoreCap        = 100

	issuerAutoIdentify = 80
	issuerReviewFloor  = 50

	defaultHistoricalAccuracy = 75
)

// IssuerPattern describes how to recognize one invoice issuer in extracted
// text. Patterns are evaluated against the normalized document text.
type IssuerPattern struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Names are display-name variants; any one found in the text scores
	// the full name contribution.
	Names []string `yaml:"names"`

	// Keywords are secondary terms (addresses, tax IDs, slogans).
	Keywords []string `yaml:"keywords"`

	// InvoiceNumberFormats are regexes matching the issuer's invoice
	// numbering scheme.
	InvoiceNumberFormats []string `yaml:"invoice_number_formats"`

	// LogoText is text that only appears in this issuer's letterhead.
	LogoText []string `yaml:"logo_text"`

	// Priority breaks ties; higher priority patterns are tried first.
	Priority int `yaml:"priority"`

	// HistoricalAccuracy is the observed extraction accuracy for this
	// issuer in [0,100]. Zero means unknown.
	HistoricalAccuracy float64 `yaml:"historical_accuracy"`

	compiledFormats []*regexp.Regexp
}

// IssuerMatcher scores extracted text against the known issuer patterns.
type IssuerMatcher struct {
	patterns []IssuerPattern
}

// NewIssuerMatcher compiles the patterns and orders them by priority.
func NewIssuerMatcher(patterns []IssuerPattern) (*IssuerMatcher, error) {
	ps := make([]IssuerPattern, len(patterns))
	copy(ps, patterns)

	for i := range ps {
		if ps[i].ID == "" {
			return nil, eris.Errorf("pipeline: issuer pattern %d has no id", i)
		}
		for _, f := range ps[i].InvoiceNumberFormats {
			re, err := regexp.Compile(f)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: issuer %s format %q", ps[i].ID, f)
			}
			ps[i].compiledFormats = append(ps[i].compiledFormats, re)
		}
	}

	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].Priority > ps[j].Priority
	})

	return &IssuerMatcher{patterns: ps}, nil
}

// LoadIssuerPatterns reads issuer patterns from a YAML file.
func LoadIssuerPatterns(path string) ([]IssuerPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read issuer patterns %s", path)
	}
	var wrapper struct {
		Issuers []IssuerPattern `yaml:"issuers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse issuer patterns %s", path)
	}
	return wrapper.Issuers, nil
}

// Match scores every pattern against the text and returns the best match.
// Scores below the review floor return an empty match; between the floor
// and the auto-identify threshold the match is kept but not auto-applied.
func (m *IssuerMatcher) Match(text string) IssuerMatch {
	normalized := normalizeText(text)

	best := IssuerMatch{HistoricalAccuracy: defaultHistoricalAccuracy}
	for _, p := range m.patterns {
		score := p.score(normalized, text)
		// Strict greater-than keeps the higher-priority pattern on ties.
		if score > best.Score {
			best = IssuerMatch{
				IssuerID:           p.ID,
				Name:               p.Name,
				Score:              score,
				AutoIdentified:     score >= issuerAutoIdentify,
				HistoricalAccuracy: p.HistoricalAccuracy,
			}
			if best.HistoricalAccuracy == 0 {
				best.HistoricalAccuracy = defaultHistoricalAccuracy
			}
		}
	}

	if best.Score < issuerReviewFloor {
		return IssuerMatch{HistoricalAccuracy: defaultHistoricalAccuracy}
	}
	return best
}

func (p *IssuerPattern) score(normalized, raw string) int {
	score := 0

	for _, name := range p.Names {
		if name != "" && strings.Contains(normalized, normalizeText(name)) {
			score += issuerNameScore
			break
		}
	}

	keywordScore := 0
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(normalized, normalizeText(kw)) {
			keywordScore += issuerKeywordScore
		}
	}
	if keywordScore > issuerKeywordScoreCap {
		keywordScore = issuerKeywordScoreCap
	}
	score += keywordScore

	for _, re := range p.compiledFormats {
		if re.MatchString(raw) {
			score += issuerFormatScore
			break
		}
	}

	for _, logo := range p.LogoText {
		if logo != "" && strings.Contains(normalized, normalizeText(logo)) {
			score += issuerLogoScore
			break
		}
	}

	if score > issuerScoreCap {
		score = issuerScoreCap
	}
	return score
}

// normalizeText applies Unicode compatibility normalization, lowercases,
// and collapses whitespace so ligatures and OCR spacing quirks do not
// break substring matching.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// identifyIssuer runs the matcher over the extracted text. No extraction
// text means nothing to match, which is not an error for this optional
// step; the run continues without an issuer.
func (e *Executor) identifyIssuer(_ context.Context, state *State) error {
	if state.Extraction == nil || state.Extraction.Text == "" {
		return eris.New("pipeline: issuer identification requires extracted text")
	}

	match := e.issuers.Match(state.Extraction.Text)
	state.Issuer = &match

	if match.IssuerID != "" {
		zap.L().Debug("issuer identified",
			zap.String("document_id", state.Doc.ID),
			zap.String("issuer_id", match.IssuerID),
			zap.Int("score", match.Score),
			zap.Bool("auto_identified", match.AutoIdentified),
		)
	}
	return nil
}
