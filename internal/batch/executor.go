// Package batch runs the pipeline for many documents at once under a
// concurrency cap and a rolling rate limit, with settle-all semantics: one
// bad document never interrupts the rest of the batch.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// RunFunc executes the pipeline for one document.
type RunFunc func(ctx context.Context, doc *model.Document) (*model.PipelineResult, error)

// Config bounds batch throughput.
type Config struct {
	// Concurrency is the maximum number of documents in flight.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`

	// Interval is the rolling rate-limit window. Zero disables rate
	// limiting.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// IntervalCap is the number of task starts allowed per Interval.
	IntervalCap int `yaml:"interval_cap" mapstructure:"interval_cap"`
}

// Validate checks the throughput bounds.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return eris.Errorf("batch: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Interval < 0 {
		return eris.Errorf("batch: interval must not be negative, got %s", c.Interval)
	}
	if c.Interval > 0 && c.IntervalCap < 1 {
		return eris.Errorf("batch: interval_cap must be >= 1 when interval is set, got %d", c.IntervalCap)
	}
	return nil
}

// Executor runs batches of documents through a RunFunc. Safe for
// concurrent use; the pending counter spans all in-flight batches.
type Executor struct {
	run     RunFunc
	cfg     Config
	limiter *startLimiter
	pending atomic.Int64
}

// New validates the config and builds an executor. Task starts are
// admitted against a rolling window: up to IntervalCap may start at once,
// and a further start is admitted only when an earlier one has aged out
// of the trailing Interval.
func New(run RunFunc, cfg Config) (*Executor, error) {
	if run == nil {
		return nil, eris.New("batch: run function is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *startLimiter
	if cfg.Interval > 0 {
		limiter = newStartLimiter(cfg.IntervalCap, cfg.Interval)
	}

	return &Executor{run: run, cfg: cfg, limiter: limiter}, nil
}

// startLimiter admits task starts under a rolling-window bound: at most
// cap starts within any trailing window of the configured length. Start
// timestamps are retained until they age out of the window.
type startLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts []time.Time
}

func newStartLimiter(limit int, window time.Duration) *startLimiter {
	return &startLimiter{limit: limit, window: window}
}

// Wait blocks until a start slot is free or the context ends.
func (l *startLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := time.Now()
		kept := l.starts[:0]
		for _, s := range l.starts {
			if now.Sub(s) < l.window {
				kept = append(kept, s)
			}
		}
		l.starts = kept

		if len(l.starts) < l.limit {
			l.starts = append(l.starts, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.starts[0])
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending returns the number of submitted documents that have not settled.
func (e *Executor) Pending() int {
	return int(e.pending.Load())
}

// RunBatch processes every document and returns when all have settled.
// Task failures, panics included, are captured into the report's Failed
// list with the original error preserved; they never propagate to the
// caller or interrupt other tasks. RunBatch itself never returns an error
// for per-document problems.
func (e *Executor) RunBatch(ctx context.Context, docs []*model.Document) *model.BatchReport {
	report := &model.BatchReport{StartedAt: time.Now()}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(e.cfg.Concurrency)

	log := zap.L().With(zap.Int("batch_size", len(docs)))
	log.Info("batch started",
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("interval_cap", e.cfg.IntervalCap),
	)

	for _, doc := range docs {
		doc := doc
		e.pending.Add(1)

		// Go blocks once Concurrency tasks are in flight, so at
		// concurrency 1 the start order is exactly submission order.
		g.Go(func() error {
			defer e.pending.Add(-1)

			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					mu.Lock()
					report.Failed = append(report.Failed, failure(doc, eris.Wrap(err, "batch: rate limiter")))
					mu.Unlock()
					return nil
				}
			}

			result, err := e.runOne(ctx, doc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, failure(doc, err))
				return nil
			}
			report.Results = append(report.Results, *result)
			return nil
		})
	}

	// Tasks never return errors; Wait is purely a barrier.
	_ = g.Wait()
	report.CompletedAt = time.Now()

	log.Info("batch finished",
		zap.Int("settled", report.Total()),
		zap.Int("aborted", report.AbortedCount()),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report
}

// runOne invokes the pipeline with panic recovery. A panicking document
// settles as a failure carrying the panic value.
func (e *Executor) runOne(ctx context.Context, doc *model.Document) (result *model.PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if perr, ok := r.(error); ok {
				err = eris.Wrap(perr, "batch: task panicked")
				return
			}
			err = eris.New(fmt.Sprintf("batch: task panicked: %v", r))
		}
	}()

	result, err = e.run(ctx, doc)
	if err == nil && result == nil {
		err = eris.New("batch: run returned neither result nor error")
	}
	return result, err
}

func failure(doc *model.Document, err error) model.BatchFailure {
	docID := ""
	if doc != nil {
		docID = doc.ID
	}
	zap.L().Warn("batch task failed", zap.String("document_id", docID), zap.Error(err))
	return model.BatchFailure{DocumentID: docID, Err: err, Error: err.Error()}
}
