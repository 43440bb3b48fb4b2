package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/metrics"
)

// StageFunc executes one stage. It reads and fills fields on the run and
// returns a one-line detail for the stage record; a non-nil error fails
// the stage and skips everything behind it.
type StageFunc func(ctx context.Context, run *Run) (string, error)

// StageDef pairs a stage name with its implementation.
type StageDef struct {
	Name string
	Run  StageFunc
}

// HookWhen selects which run outcomes fire a hook.
type HookWhen string

const (
	HookAlways    HookWhen = "always"
	HookOnSuccess HookWhen = "onSuccess"
	HookOnFailure HookWhen = "onFailure"
)

// Hook is a post-run action. Hooks cannot change the run's outcome: their
// errors and panics are logged and dropped.
type Hook struct {
	Name string
	When HookWhen
	Run  func(ctx context.Context, run *Run)
}

// Driver executes a run's stages in order and fires its hooks afterward.
type Driver struct {
	stages  []StageDef
	hooks   []Hook
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDriver creates a driver. The metrics collector may be nil.
func NewDriver(logger *slog.Logger, m *metrics.Metrics) *Driver {
	return &Driver{logger: logger, metrics: m}
}

// AddStage appends a stage. Stages run in registration order.
func (d *Driver) AddStage(name string, fn StageFunc) {
	d.stages = append(d.stages, StageDef{Name: name, Run: fn})
}

// AddHook registers a post-run action.
func (d *Driver) AddHook(when HookWhen, name string, fn func(ctx context.Context, run *Run)) {
	d.hooks = append(d.hooks, Hook{Name: name, When: when, Run: fn})
}

// Execute runs every registered stage in order, then fires the matching
// hooks. The run's final status, first error and error kind are filled in.
func (d *Driver) Execute(ctx context.Context, run *Run) {
	run.StartedAt = time.Now()
	if d.metrics != nil {
		d.metrics.ActiveRuns.Inc()
		defer d.metrics.ActiveRuns.Dec()
	}

	for _, def := range d.stages {
		run.Stages = append(run.Stages, &Stage{Name: def.Name, Status: StagePending})
	}

	var failed bool
	for i, def := range d.stages {
		stage := run.Stages[i]

		if failed {
			stage.transition(StageSkipped)
			continue
		}

		stage.transition(StageRunning)
		d.logger.Info("stage started", "stage", def.Name, "build", run.BuildNumber)

		start := time.Now()
		detail, err := d.runStage(ctx, def, run)
		stage.Duration = time.Since(start)
		stage.Detail = detail

		if d.metrics != nil {
			d.metrics.ObserveStage(def.Name, stage.Duration)
		}

		if err != nil {
			stage.Err = err
			stage.transition(StageFailed)
			failed = true

			run.Err = err
			// A cancelled run context means the failure is the abort
			// itself: a killed child process surfaces "signal: killed"
			// with no context.Canceled in its chain.
			if ctx.Err() != nil {
				run.ErrorKind = KindAborted
			} else {
				run.ErrorKind = classify(err)
			}

			d.logger.Error("stage failed",
				"stage", def.Name,
				"build", run.BuildNumber,
				"kind", run.ErrorKind,
				"elapsed", stage.Duration.Round(time.Millisecond),
				"error", err)
			continue
		}

		stage.transition(StageSucceeded)
		d.logger.Info("stage succeeded",
			"stage", def.Name,
			"build", run.BuildNumber,
			"elapsed", stage.Duration.Round(time.Millisecond))
	}

	run.Elapsed = time.Since(run.StartedAt)

	switch {
	case !failed:
		run.Status = StatusSuccess
	case run.ErrorKind == KindAborted:
		run.Status = StatusAborted
	default:
		run.Status = StatusFailed
	}

	if d.metrics != nil {
		d.metrics.ObserveRun(string(run.Status), run.Elapsed)
	}

	d.fireHooks(ctx, run)
}

// runStage isolates one stage so a panic fails the stage instead of
// tearing down the daemon.
func (d *Driver) runStage(ctx context.Context, def StageDef, run *Run) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage '%s' panicked: %v", def.Name, r)
		}
	}()

	return def.Run(ctx, run)
}

// fireHooks runs onSuccess or onFailure hooks first, then the always
// hooks. Hooks run on a context detached from the run's cancellation so an
// aborted run still gets its cleanup.
func (d *Driver) fireHooks(ctx context.Context, run *Run) {
	hookCtx := context.WithoutCancel(ctx)

	matches := func(when HookWhen) bool {
		switch when {
		case HookAlways:
			return true
		case HookOnSuccess:
			return run.Status == StatusSuccess
		case HookOnFailure:
			return run.Status != StatusSuccess
		}
		return false
	}

	ordered := make([]Hook, 0, len(d.hooks))
	for _, h := range d.hooks {
		if h.When != HookAlways && matches(h.When) {
			ordered = append(ordered, h)
		}
	}
	for _, h := range d.hooks {
		if h.When == HookAlways {
			ordered = append(ordered, h)
		}
	}

	for _, h := range ordered {
		d.fireHook(hookCtx, h, run)
	}
}

func (d *Driver) fireHook(ctx context.Context, h Hook, run *Run) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook panicked", "hook", h.Name, "panic", fmt.Sprint(r))
		}
	}()

	d.logger.Info("running hook", "hook", h.Name, "when", string(h.When))
	h.Run(ctx, run)
}
