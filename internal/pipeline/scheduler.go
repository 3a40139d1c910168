package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config controls scheduler behavior
type Config struct {
	// Workers bounds concurrent step execution across all tasks
	Workers int
	// StepTimeout applies to steps without their own timeout
	StepTimeout time.Duration
	// MaxRetries re-runs a step after a retryable failure
	MaxRetries int
}

// DefaultConfig returns the standard scheduler configuration
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		StepTimeout: 10 * time.Minute,
		MaxRetries:  0,
	}
}

// Scheduler runs pipeline templates. A single Scheduler is shared by
// all tasks so the worker pool caps step concurrency process-wide.
type Scheduler struct {
	workers     *semaphore.Weighted
	stepTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger
	metrics     *schedulerMetrics
}

// NewScheduler creates a scheduler with a weighted-semaphore worker pool
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	return &Scheduler{
		workers:     semaphore.NewWeighted(int64(cfg.Workers)),
		stepTimeout: cfg.StepTimeout,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		metrics:     newSchedulerMetrics(logger),
	}
}

type stepResult struct {
	key     string
	output  string
	started bool
	err     error
}

// Run executes the template for one task. Teams run in order, steps
// inside a team run concurrently once their dependencies complete. Run
// returns nil when the task completed, including runs with tolerated
// step failures.
func (s *Scheduler) Run(ctx context.Context, task Task, tpl *Template, execs ExecutorSet, tracker *Tracker, artifacts ArtifactSink) error {
	if err := tpl.Validate(); err != nil {
		tracker.FailTask(err)
		return err
	}
	for _, team := range tpl.Teams {
		for _, step := range team.Steps {
			if _, ok := execs[step.Key]; !ok {
				err := NewValidationError(step.Key, "no executor registered")
				tracker.FailTask(err)
				return err
			}
		}
	}

	tracker.StartTask()
	s.metrics.taskStarted()
	taskStart := time.Now()
	defer func() {
		s.metrics.taskFinished()
		s.metrics.recordTask(tracker.Status(), time.Since(taskStart))
	}()

	s.logger.InfoContext(ctx, "task started",
		slog.String("task_id", task.ID),
		slog.String("symbol", task.Symbol),
		slog.Int("total_steps", tpl.StepCount()))

	outputs := make(map[string]string)

	for _, team := range tpl.Teams {
		if ctx.Err() != nil {
			s.skipRemaining(tracker, tpl, "task cancelled")
			tracker.CancelTask()
			return NewCancellationError("task cancelled")
		}

		if err := s.runTeam(ctx, task, team, execs, tracker, artifacts, outputs); err != nil {
			s.skipRemaining(tracker, tpl, fmt.Sprintf("team %s did not finish", team.Key))
			if IsCancellation(err) {
				tracker.CancelTask()
			} else {
				tracker.FailTask(err)
			}
			s.logger.WarnContext(ctx, "task did not complete",
				slog.String("task_id", task.ID),
				slog.String("team", team.Key),
				slog.String("error", err.Error()))
			return err
		}
	}

	tracker.CompleteTask()
	s.logger.InfoContext(ctx, "task completed", slog.String("task_id", task.ID))
	return nil
}

// runTeam dispatches the steps of one team. Steps launch as soon as
// their in-team dependencies complete, each holding one worker slot
// while executing.
func (s *Scheduler) runTeam(ctx context.Context, task Task, team Team, execs ExecutorSet, tracker *Tracker, artifacts ArtifactSink, outputs map[string]string) error {
	order, err := teamOrder(team)
	if err != nil {
		return err
	}

	defs := make(map[string]StepDef, len(order))
	depsLeft := make(map[string]int, len(order))
	dependents := make(map[string][]string)
	launched := make(map[string]bool, len(order))
	terminal := make(map[string]bool, len(order))

	for _, def := range order {
		defs[def.Key] = def
		depsLeft[def.Key] = len(def.DependsOn)
		for _, dep := range def.DependsOn {
			dependents[dep] = append(dependents[dep], def.Key)
		}
	}

	teamCtx, cancelTeam := context.WithCancel(ctx)
	defer cancelTeam()

	results := make(chan stepResult)
	running := 0
	var abortErr error

	// skipCascade marks a not-yet-launched step and everything that
	// depends on it as skipped
	var skipCascade func(key, reason string)
	skipCascade = func(key, reason string) {
		if launched[key] || terminal[key] {
			return
		}
		terminal[key] = true
		tracker.SkipStep(key, reason)
		for _, next := range dependents[key] {
			skipCascade(next, fmt.Sprintf("dependency %s unavailable", key))
		}
	}

	launchReady := func() {
		for _, def := range order {
			if launched[def.Key] || terminal[def.Key] || depsLeft[def.Key] > 0 {
				continue
			}
			launched[def.Key] = true
			running++

			inputs := make(map[string]string, len(outputs))
			for k, v := range outputs {
				inputs[k] = v
			}

			go func(def StepDef, inputs map[string]string) {
				if err := s.workers.Acquire(teamCtx, 1); err != nil {
					results <- stepResult{key: def.Key, err: NewCancellationError("cancelled before start")}
					return
				}
				defer s.workers.Release(1)

				tracker.StartStep(def.Key)
				stepStart := time.Now()
				out, err := s.executeStep(teamCtx, task, def, execs[def.Key], inputs)
				s.metrics.recordStep(def.Key, time.Since(stepStart), err)
				results <- stepResult{key: def.Key, output: out, started: true, err: err}
			}(def, inputs)
		}
	}

	for {
		if abortErr == nil {
			launchReady()
		}
		if running == 0 {
			break
		}

		var res stepResult
		if abortErr == nil {
			select {
			case res = <-results:
			case <-ctx.Done():
				abortErr = NewCancellationError("task cancelled")
				cancelTeam()
				continue
			}
		} else {
			// Drain in-flight steps after abort or cancel
			res = <-results
		}
		running--
		terminal[res.key] = true

		if res.err == nil && IsCancellation(abortErr) {
			// The step ignored the cancel signal and ran to completion;
			// its output does not outlive the cancelled run
			s.logger.Info("discarding artifact from cancelled run",
				slog.String("task_id", task.ID),
				slog.String("step", res.key))
			tracker.SkipStep(res.key, "cancelled, output discarded")
			continue
		}

		if res.err == nil {
			if perr := artifacts.Put(context.Background(), task, res.key, res.output); perr != nil {
				res.err = NewStepExecutionError(res.key, perr)
			}
		}

		if res.err == nil {
			outputs[res.key] = res.output
			tracker.CompleteStep(res.key)
			for _, next := range dependents[res.key] {
				depsLeft[next]--
			}
			continue
		}

		if !res.started {
			tracker.SkipStep(res.key, "cancelled before start")
			continue
		}

		tracker.FailStep(res.key, res.err)
		def := defs[res.key]
		if def.OnFailure == FailAbort && abortErr == nil {
			abortErr = res.err
			cancelTeam()
			for _, other := range order {
				skipCascade(other.Key, fmt.Sprintf("aborted after %s failed", res.key))
			}
			continue
		}

		// A tolerated failure still satisfies the dependency edge; the
		// dependent runs with whichever upstream outputs exist
		for _, next := range dependents[res.key] {
			depsLeft[next]--
		}
	}

	if abortErr != nil {
		for _, def := range order {
			skipCascade(def.Key, "team aborted")
		}
		return abortErr
	}
	return nil
}

// executeStep runs one step with its timeout, retrying retryable
// failures up to the configured attempt budget
func (s *Scheduler) executeStep(ctx context.Context, task Task, def StepDef, exec Executor, inputs map[string]string) (string, error) {
	var out string
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.InfoContext(ctx, "retrying step",
				slog.String("task_id", task.ID),
				slog.String("step", def.Key),
				slog.Int("attempt", attempt+1))
		}
		out, err = s.runStepOnce(ctx, task, def, exec, inputs)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return out, err
		}
	}
	return out, err
}

func (s *Scheduler) runStepOnce(ctx context.Context, task Task, def StepDef, exec Executor, inputs map[string]string) (out string, err error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewStepPanicError(def.Key, r)
		}
	}()

	out, execErr := exec.Execute(stepCtx, task, inputs)
	if execErr != nil {
		switch {
		case errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil:
			return "", NewStepTimeoutError(def.Key, execErr)
		case errors.Is(execErr, context.Canceled):
			return "", NewCancellationError("step cancelled")
		default:
			return "", NewStepExecutionError(def.Key, execErr)
		}
	}
	return out, nil
}

// skipRemaining marks every non-terminal step of the template skipped.
// SkipStep ignores steps that already reached a terminal state.
func (s *Scheduler) skipRemaining(tracker *Tracker, tpl *Template, reason string) {
	for _, team := range tpl.Teams {
		for _, step := range team.Steps {
			tracker.SkipStep(step.Key, reason)
		}
	}
}
