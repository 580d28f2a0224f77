// Package catalog holds the static, ordered description of the pipeline's
// steps. The catalog is loaded once at startup and is read-only afterwards;
// changing step behavior means shipping new configuration, not a live write.
package catalog

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PriorityClass determines how a step's failure affects the run.
type PriorityClass string

const (
	// Required steps abort the whole document on exhausted retries.
	Required PriorityClass = "required"
	// Optional steps log a warning and the run continues without their output.
	Optional PriorityClass = "optional"
)

// Canonical step IDs, in execution order.
const (
	StepFileTypeDetection     = "file-type-detection"
	StepSmartRouting          = "smart-routing"
	StepPrimaryExtraction     = "primary-extraction"
	StepIssuerIdentification  = "issuer-identification"
	StepFormatMatching        = "format-matching"
	StepConfigFetch           = "config-fetch"
	StepEnhancedExtraction    = "enhanced-extraction"
	StepFieldMapping          = "field-mapping"
	StepTermRecording         = "term-recording"
	StepConfidenceCalculation = "confidence-calculation"
	StepRoutingDecision       = "routing-decision"
)

// StepDefinition describes one pipeline step. Immutable after load.
type StepDefinition struct {
	ID          string        `yaml:"id"`
	Class       PriorityClass `yaml:"class"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryBudget int           `yaml:"retry_budget"` // extra attempts after the first
	Enabled     bool          `yaml:"enabled"`
}

// Catalog is the ordered set of step definitions. Safe for concurrent reads.
type Catalog struct {
	steps []StepDefinition
	index map[string]int
}

// Default returns the canonical 11-step catalog with production timeouts
// and retry budgets.
func Default() *Catalog {
	c, err := New(defaultSteps())
	if err != nil {
		// defaultSteps is canonical by construction.
		panic(err)
	}
	return c
}

func defaultSteps() []StepDefinition {
	return []StepDefinition{
		{ID: StepFileTypeDetection, Class: Required, Timeout: 2 * time.Second, RetryBudget: 0, Enabled: true},
		{ID: StepSmartRouting, Class: Required, Timeout: 2 * time.Second, RetryBudget: 0, Enabled: true},
		{ID: StepPrimaryExtraction, Class: Required, Timeout: 120 * time.Second, RetryBudget: 2, Enabled: true},
		{ID: StepIssuerIdentification, Class: Optional, Timeout: 10 * time.Second, RetryBudget: 1, Enabled: true},
		{ID: StepFormatMatching, Class: Optional, Timeout: 15 * time.Second, RetryBudget: 1, Enabled: true},
		{ID: StepConfigFetch, Class: Optional, Timeout: 10 * time.Second, RetryBudget: 2, Enabled: true},
		{ID: StepEnhancedExtraction, Class: Optional, Timeout: 60 * time.Second, RetryBudget: 1, Enabled: true},
		{ID: StepFieldMapping, Class: Optional, Timeout: 20 * time.Second, RetryBudget: 1, Enabled: true},
		{ID: StepTermRecording, Class: Optional, Timeout: 5 * time.Second, RetryBudget: 0, Enabled: true},
		{ID: StepConfidenceCalculation, Class: Required, Timeout: 2 * time.Second, RetryBudget: 0, Enabled: true},
		{ID: StepRoutingDecision, Class: Required, Timeout: 2 * time.Second, RetryBudget: 0, Enabled: true},
	}
}

// New validates the given steps against the canonical order and priority
// classes and returns a catalog. The step order and the required/optional
// split are fixed; only timeouts, retry budgets, and enabled flags vary.
func New(steps []StepDefinition) (*Catalog, error) {
	canonical := defaultSteps()
	if len(steps) != len(canonical) {
		return nil, eris.Errorf("catalog: expected %d steps, got %d", len(canonical), len(steps))
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.ID != canonical[i].ID {
			return nil, eris.Errorf("catalog: step %d must be %q, got %q", i, canonical[i].ID, s.ID)
		}
		if s.Class != canonical[i].Class {
			return nil, eris.Errorf("catalog: step %q has fixed class %q", s.ID, canonical[i].Class)
		}
		if s.Timeout <= 0 {
			return nil, eris.Errorf("catalog: step %q timeout must be positive", s.ID)
		}
		if s.RetryBudget < 0 {
			return nil, eris.Errorf("catalog: step %q retry budget must be non-negative", s.ID)
		}
		index[s.ID] = i
	}

	return &Catalog{steps: steps, index: index}, nil
}

// fileStep is the YAML override shape: everything optional except the ID.
type fileStep struct {
	ID          string         `yaml:"id"`
	Timeout     *time.Duration `yaml:"timeout"`
	RetryBudget *int           `yaml:"retry_budget"`
	Enabled     *bool          `yaml:"enabled"`
}

// Load reads per-step overrides from a YAML file and applies them over the
// defaults. Unknown step IDs are a configuration error; order and priority
// class cannot be overridden.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	var wrapper struct {
		Steps []fileStep `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}

	steps := defaultSteps()
	byID := make(map[string]int, len(steps))
	for i, s := range steps {
		byID[s.ID] = i
	}

	for _, o := range wrapper.Steps {
		i, ok := byID[o.ID]
		if !ok {
			return nil, eris.Errorf("catalog: unknown step %q in %s", o.ID, path)
		}
		if o.Timeout != nil {
			steps[i].Timeout = *o.Timeout
		}
		if o.RetryBudget != nil {
			steps[i].RetryBudget = *o.RetryBudget
		}
		if o.Enabled != nil {
			steps[i].Enabled = *o.Enabled
		}
	}

	return New(steps)
}

// Definitions returns the steps in execution order. The returned slice is a
// copy; catalog contents never change after construction.
func (c *Catalog) Definitions() []StepDefinition {
	out := make([]StepDefinition, len(c.steps))
	copy(out, c.steps)
	return out
}

// Get looks up a step definition by ID.
func (c *Catalog) Get(stepID string) (StepDefinition, bool) {
	i, ok := c.index[stepID]
	if !ok {
		return StepDefinition{}, false
	}
	return c.steps[i], true
}

// IsRequired reports whether the step's failure aborts the run.
// Unknown steps are not required.
func (c *Catalog) IsRequired(stepID string) bool {
	def, ok := c.Get(stepID)
	return ok && def.Class == Required
}

// RequiredSteps returns the IDs of required steps in order.
func (c *Catalog) RequiredSteps() []string {
	return c.stepsByClass(Required)
}

// OptionalSteps returns the IDs of optional steps in order.
func (c *Catalog) OptionalSteps() []string {
	return c.stepsByClass(Optional)
}

func (c *Catalog) stepsByClass(class PriorityClass) []string {
	var out []string
	for _, s := range c.steps {
		if s.Class == class {
			out = append(out, s.ID)
		}
	}
	return out
}
