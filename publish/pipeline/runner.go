// Package pipeline sequences the publication of the DAARION contract set:
// resolve artifacts, bind or deploy proxies, initialize, wire the tokens to
// the distributor and staking contracts, then hand ownership to custody.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connectplatform/daarion/publish"
)

// Step is one named stage of a run. Steps execute strictly in order.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepError identifies the step that aborted a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Runner struct {
	logger  *slog.Logger
	metrics *publish.Metrics
}

func NewRunner(logger *slog.Logger, metrics *publish.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, metrics: metrics}
}

// Run executes steps until one fails or ctx is cancelled. It returns the
// names of the steps that completed.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]string, error) {
	completed := make([]string, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return completed, &StepError{Step: step.Name, Err: err}
		}

		r.logger.Info("step started", slog.String("step", step.Name))
		start := time.Now()
		err := step.Run(ctx)
		elapsed := time.Since(start)
		r.metrics.ObserveStep(step.Name, elapsed, err)

		if err != nil {
			r.logger.Error("step failed",
				slog.String("step", step.Name),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return completed, &StepError{Step: step.Name, Err: err}
		}
		r.logger.Info("step completed",
			slog.String("step", step.Name),
			slog.Duration("elapsed", elapsed),
		)
		completed = append(completed, step.Name)
	}
	return completed, nil
}
