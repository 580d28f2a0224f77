package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/batch"
	"github.com/sells-group/invoice-pipeline/internal/catalog"
	"github.com/sells-group/invoice-pipeline/internal/config"
	"github.com/sells-group/invoice-pipeline/internal/confidence"
	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/internal/pipeline"
	"github.com/sells-group/invoice-pipeline/internal/routing"
	"github.com/sells-group/invoice-pipeline/pkg/anthropic"
	"github.com/sells-group/invoice-pipeline/pkg/docintel"
)

// env bundles the constructed pipeline components for a command invocation.
type env struct {
	Catalog  *catalog.Catalog
	Executor *pipeline.Executor

	// Enhancer is nil when no Anthropic key is configured.
	Enhancer *pipeline.AnthropicEnhancer
}

// buildEnv wires the executor from configuration. Configuration problems
// surface here, before any document is touched.
func buildEnv(cfg *config.Config) (*env, error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.DocIntel.Endpoint == "" || cfg.DocIntel.Key == "" {
		return nil, eris.New("docintel endpoint and key are required (docintel.endpoint / docintel.key)")
	}
	var clientOpts []docintel.Option
	if cfg.DocIntel.RequestRate > 0 {
		clientOpts = append(clientOpts, docintel.WithRequestRate(cfg.DocIntel.RequestRate))
	}
	extractor := docintel.NewClient(cfg.DocIntel.Endpoint, cfg.DocIntel.Key, clientOpts...)

	scorer, err := confidence.NewScorer(cfg.Confidence.Weights, cfg.Confidence.Thresholds)
	if err != nil {
		return nil, err
	}
	router := routing.NewEngine(cfg.Confidence.Thresholds, cfg.Routing.CriticalFields)

	var issuers *pipeline.IssuerMatcher
	if cfg.Mapping.IssuersPath != "" {
		patterns, err := pipeline.LoadIssuerPatterns(cfg.Mapping.IssuersPath)
		if err != nil {
			return nil, err
		}
		issuers, err = pipeline.NewIssuerMatcher(patterns)
		if err != nil {
			return nil, err
		}
	}

	var formats []pipeline.FormatProfile
	if cfg.Mapping.FormatsPath != "" {
		formats, err = pipeline.LoadFormatProfiles(cfg.Mapping.FormatsPath)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Mapping.RulesPath == "" {
		return nil, eris.New("mapping rules path is required (mapping.rules_path)")
	}
	ruleSource, err := pipeline.LoadRuleSource(cfg.Mapping.RulesPath)
	if err != nil {
		return nil, err
	}

	var enhancer *pipeline.AnthropicEnhancer
	if cfg.Anthropic.Enabled && cfg.Anthropic.Key != "" {
		enhancer = pipeline.NewAnthropicEnhancer(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
	} else {
		// No enhancer means the optional step must not run at all.
		cat, err = disableStep(cat, catalog.StepEnhancedExtraction)
		if err != nil {
			return nil, err
		}
		zap.L().Info("enhanced extraction disabled, no anthropic key configured")
	}

	opts := pipeline.Options{
		Catalog:    cat,
		Extractor:  extractor,
		Issuers:    issuers,
		Formats:    formats,
		RuleSource: ruleSource,
		Scorer:     scorer,
		Router:     router,
	}
	if enhancer != nil {
		opts.Enhancer = enhancer
	}
	exec, err := pipeline.New(opts)
	if err != nil {
		return nil, err
	}

	return &env{Catalog: cat, Executor: exec, Enhancer: enhancer}, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.Catalog.Path)
}

func disableStep(cat *catalog.Catalog, stepID string) (*catalog.Catalog, error) {
	steps := cat.Definitions()
	for i := range steps {
		if steps[i].ID == stepID {
			steps[i].Enabled = false
		}
	}
	return catalog.New(steps)
}

// loadDocument reads one file into a Document with a fresh ID.
func loadDocument(path string) (*model.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read document %s", path)
	}
	return &model.Document{
		ID:         uuid.New().String(),
		FileName:   filepath.Base(path),
		Content:    content,
		ReceivedAt: time.Now(),
	}, nil
}

// newBatchExecutor builds the batch runner around the pipeline executor.
func newBatchExecutor(e *env) (*batch.Executor, error) {
	return batch.New(func(ctx context.Context, doc *model.Document) (*model.PipelineResult, error) {
		return e.Executor.Run(ctx, doc)
	}, cfg.Batch)
}
