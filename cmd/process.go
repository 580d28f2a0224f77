package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/invoice-pipeline/internal/model"
	"github.com/sells-group/invoice-pipeline/internal/routing"
)

var processJSON bool

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run one invoice document through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := buildEnv(cfg)
		if err != nil {
			return err
		}

		doc, err := loadDocument(args[0])
		if err != nil {
			return err
		}

		result, err := e.Executor.Run(ctx, doc)
		if err != nil {
			return eris.Wrap(err, "run pipeline")
		}

		if processJSON {
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return eris.Wrap(err, "marshal result")
			}
			cmd.Println(string(out))
			return nil
		}

		printResult(cmd, result, doc)
		return nil
	},
}

// queuePriority recomputes the review-queue priority for display; it is
// derived from the decision and document age, never stored.
func queuePriority(result *model.PipelineResult, doc *model.Document) int {
	return routing.Priority(*result.Routing, doc.Age(time.Now()), routing.PriorityConfig{
		AgeBoostEnabled: cfg.Routing.AgeBoostEnabled,
	})
}

func init() {
	processCmd.Flags().BoolVar(&processJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(processCmd)
}

func printResult(cmd *cobra.Command, result *model.PipelineResult, doc *model.Document) {
	cmd.Printf("run %s  document %s  %s\n", result.RunID, result.DocumentID, result.TerminalStatus)

	for _, o := range result.StepTrace {
		line := fmt.Sprintf("  %-24s %-10s attempts=%d %dms", o.StepID, o.Status, o.Attempts, o.DurationMS)
		if o.Error != "" {
			line += "  " + o.Error
		}
		cmd.Println(line)
	}

	if result.Aborted() {
		return
	}

	if result.Confidence != nil {
		cmd.Printf("confidence: %d (fields: %d high, %d low)\n",
			result.Confidence.OverallScore,
			result.Confidence.Stats.HighConfidenceCount,
			result.Confidence.Stats.LowConfidenceCount,
		)
	}
	if result.Routing != nil {
		cmd.Printf("routing: %s (%s)\n", result.Routing.Path, result.Routing.Reason)
		cmd.Printf("queue priority: %d\n", queuePriority(result, doc))
	}
	names := make([]string, 0, len(result.Fields))
	for name := range result.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fv := result.Fields[name]
		cmd.Printf("  %-18s = %-24q (%.0f%% via %s)\n", name, fv.Value, fv.Confidence, fv.Method)
	}
}
