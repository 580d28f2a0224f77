package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/internal/resilience"
	"github.com/sells-group/invoice-pipeline/pkg/anthropic"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process every invoice document in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := buildEnv(cfg)
		if err != nil {
			return err
		}

		docs, err := collectDocuments(args[0], batchLimit)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			zap.L().Info("no documents found", zap.String("dir", args[0]))
			return nil
		}

		runner, err := newBatchExecutor(e)
		if err != nil {
			return err
		}

		warmPromptCache(ctx, e)

		report := runner.RunBatch(ctx, docs)

		cmd.Printf("batch settled %d documents: %d completed, %d aborted, %d failed in %s\n",
			report.Total(),
			len(report.Results)-report.AbortedCount(),
			report.AbortedCount(),
			len(report.Failed),
			report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond),
		)
		for _, f := range report.Failed {
			cmd.Printf("  failed %s: %s\n", f.DocumentID, f.Error)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	rootCmd.AddCommand(batchCmd)
}

// warmPromptCache primes the extraction prompt cache before the batch so
// the enhanced-extraction calls hit the cached system prompt. A warm-up
// failure is not fatal; the batch just pays full prompt cost.
func warmPromptCache(ctx context.Context, e *env) {
	if e.Enhancer == nil {
		return
	}

	usage, attempts, err := resilience.AttemptVal(ctx, resilience.AttemptPolicy{
		Timeout:     30 * time.Second,
		RetryBudget: 1,
		OnRetry:     resilience.RetryLogger("prompt-cache-warm"),
	}, func(ctx context.Context) (anthropic.TokenUsage, error) {
		return e.Enhancer.WarmCache(ctx)
	})
	if err != nil {
		zap.L().Warn("prompt cache warm-up failed, continuing",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	usage.LogCost(cfg.Anthropic.Model, "cache-warm")
}

// collectDocuments loads the supported files in dir, sorted by name for a
// stable submission order.
func collectDocuments(dir string, limit int) ([]*model.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "read directory %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pdf", ".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	docs := make([]*model.Document, 0, len(names))
	for _, name := range names {
		doc, err := loadDocument(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
