package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu    sync.Mutex
	data  map[string]string
	order []string
}

func newMemorySink() *memorySink {
	return &memorySink{data: make(map[string]string)}
}

func (m *memorySink) Put(ctx context.Context, task Task, kind, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[kind]; ok {
		return fmt.Errorf("duplicate artifact %s", kind)
	}
	m.data[kind] = content
	m.order = append(m.order, kind)
	return nil
}

func (m *memorySink) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func testScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(cfg, logger)
}

func testTask() Task {
	return Task{
		ID:            "task-1",
		Ticker:        "600519",
		Symbol:        "600519.SH",
		TradeDate:     "2026-08-28",
		ResearchDepth: 1,
	}
}

// instantExecutors returns executors that immediately produce a report
// section for every step of the template
func instantExecutors(tpl *Template) ExecutorSet {
	execs := make(ExecutorSet)
	for _, team := range tpl.Teams {
		for _, step := range team.Steps {
			key := step.Key
			execs[key] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
				return fmt.Sprintf("# %s report for %s", key, task.Symbol), nil
			})
		}
	}
	return execs
}

func TestRunFullPipeline(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)
	sink := newMemorySink()

	err = s.Run(context.Background(), testTask(), tpl, instantExecutors(tpl), tracker, sink)
	require.NoError(t, err)

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)
	assert.Len(t, snap.CompletedSteps, 12)
	assert.Equal(t, 100.0, snap.Percent)

	// Team order holds in the completion sequence
	pos := make(map[string]int)
	for i, key := range snap.CompletedSteps {
		pos[key] = i
	}
	for _, analyst := range DefaultAnalysts() {
		assert.Less(t, pos[analyst], pos[StepBullResearcher], "analysts finish before research starts")
	}
	assert.Less(t, pos[StepBullResearcher], pos[StepResearchManager])
	assert.Less(t, pos[StepBearResearcher], pos[StepResearchManager])
	assert.Less(t, pos[StepRiskManager], pos[StepConsolidation])
	assert.Equal(t, StepConsolidation, snap.CompletedSteps[11])

	assert.Len(t, sink.kinds(), 12)
}

func TestRunDownstreamStepsSeeUpstreamOutputs(t *testing.T) {
	tpl, err := DefaultTemplate([]string{StepMarketAnalyst})
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	var gotInputs map[string]string
	execs[StepBullResearcher] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		gotInputs = inputs
		return "bull case", nil
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)

	require.NoError(t, s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink()))
	assert.Contains(t, gotInputs, StepMarketAnalyst)
}

func TestRunWorkerPoolBound(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	var current, max int64
	execs := instantExecutors(tpl)
	for _, key := range DefaultAnalysts() {
		execs[key] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				prev := atomic.LoadInt64(&max)
				if n <= prev || atomic.CompareAndSwapInt64(&max, prev, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return "report", nil
		})
	}

	s := testScheduler(t, Config{Workers: 2, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)

	require.NoError(t, s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink()))
	assert.LessOrEqual(t, atomic.LoadInt64(&max), int64(2))
}

func TestRunToleratedTimeout(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	execs[StepSocialAnalyst] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: 50 * time.Millisecond})
	tracker := NewTracker("task-1", tpl)
	sink := newMemorySink()

	err = s.Run(context.Background(), testTask(), tpl, execs, tracker, sink)
	require.NoError(t, err, "a tolerated timeout must not fail the task")

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)
	assert.Len(t, snap.CompletedSteps, 11)

	for _, step := range snap.Steps {
		if step.Key == StepSocialAnalyst {
			assert.Equal(t, StepStatusFailed, step.Status)
			assert.Contains(t, step.Error, "timeout")
		}
	}
	assert.NotContains(t, sink.kinds(), StepSocialAnalyst)
}

func TestRunAbortPolicy(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	execs[StepResearchManager] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		return "", errors.New("synthesis impossible")
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)

	err = s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink())
	require.Error(t, err)

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusFailed, snap.Status)

	byKey := make(map[string]StepSnapshot)
	for _, step := range snap.Steps {
		byKey[step.Key] = step
	}
	assert.Equal(t, StepStatusFailed, byKey[StepResearchManager].Status)
	assert.Equal(t, StepStatusSkipped, byKey[StepRiskManager].Status)
	assert.Equal(t, StepStatusSkipped, byKey[StepConsolidation].Status)
	// The analyst work that finished stays completed
	assert.Equal(t, StepStatusCompleted, byKey[StepMarketAnalyst].Status)
}

func TestRunCancellationMidPipeline(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	execs := instantExecutors(tpl)
	execs[StepBullResearcher] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)
	sink := newMemorySink()

	err = s.Run(ctx, testTask(), tpl, execs, tracker, sink)
	require.Error(t, err)
	assert.True(t, IsCancellation(err))

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusCancelled, snap.Status)

	byKey := make(map[string]StepSnapshot)
	for _, step := range snap.Steps {
		byKey[step.Key] = step
	}
	assert.Equal(t, StepStatusSkipped, byKey[StepConsolidation].Status)
	assert.Equal(t, StepStatusSkipped, byKey[StepRiskManager].Status)

	// Analyst artifacts produced before the cancel survive
	for _, analyst := range DefaultAnalysts() {
		assert.Contains(t, sink.kinds(), analyst)
	}
}

func TestRunCancelledStepArtifactDiscarded(t *testing.T) {
	tpl := &Template{
		Name: "single",
		Teams: []Team{{
			Key:  "analysts",
			Name: "Analyst Team",
			Steps: []StepDef{
				{Key: "stubborn", Name: "Stubborn Analyst", OnFailure: FailTolerate},
			},
		}},
	}
	require.NoError(t, tpl.Validate())

	release := make(chan struct{})
	execs := ExecutorSet{
		// Ignores the cooperative cancel and finishes anyway
		"stubborn": ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
			<-release
			return "late output", nil
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := testScheduler(t, Config{Workers: 2, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)
	sink := newMemorySink()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, testTask(), tpl, execs, tracker, sink) }()

	require.Eventually(t, func() bool {
		for _, step := range tracker.Snapshot().Steps {
			if step.Key == "stubborn" && step.Status == StepStatusRunning {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	// The scheduler has to observe the cancel before the step finishes
	time.Sleep(30 * time.Millisecond)
	close(release)

	err := <-done
	require.Error(t, err)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, TaskStatusCancelled, tracker.Status())
	assert.NotContains(t, sink.kinds(), "stubborn", "output of a step in flight at cancellation must be discarded")
}

func TestRunToleratedDependencyFailureStillRunsDependent(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	execs[StepBullResearcher] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		return "", errors.New("no bull thesis")
	})

	var gotInputs map[string]string
	execs[StepResearchManager] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		gotInputs = inputs
		return "investment plan", nil
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)
	sink := newMemorySink()

	err = s.Run(context.Background(), testTask(), tpl, execs, tracker, sink)
	require.NoError(t, err, "a tolerated dependency failure must not fail the task")

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)

	byKey := make(map[string]StepSnapshot)
	for _, step := range snap.Steps {
		byKey[step.Key] = step
	}
	assert.Equal(t, StepStatusFailed, byKey[StepBullResearcher].Status)
	assert.Equal(t, StepStatusCompleted, byKey[StepResearchManager].Status, "synthesis runs with the outputs that exist")

	assert.NotContains(t, gotInputs, StepBullResearcher)
	assert.Contains(t, gotInputs, StepBearResearcher)
	assert.NotContains(t, sink.kinds(), StepBullResearcher)
	assert.Contains(t, sink.kinds(), StepResearchManager)
}

func TestRunPanicRecovered(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	execs[StepNewsAnalyst] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		panic("nil feed")
	})

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)

	err = s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink())
	require.NoError(t, err, "a tolerated panic must not fail the task")

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)
	for _, step := range snap.Steps {
		if step.Key == StepNewsAnalyst {
			assert.Equal(t, StepStatusFailed, step.Status)
			assert.Contains(t, step.Error, "panic")
		}
	}
}

func TestRunRetriesRetryableFailures(t *testing.T) {
	tpl, err := DefaultTemplate([]string{StepMarketAnalyst})
	require.NoError(t, err)

	var attempts int64
	execs := instantExecutors(tpl)
	execs[StepMarketAnalyst] = ExecutorFunc(func(ctx context.Context, task Task, inputs map[string]string) (string, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return "", ctx.Err()
		}
		return "report", nil
	})

	s := testScheduler(t, Config{Workers: 2, StepTimeout: 50 * time.Millisecond, MaxRetries: 1})
	tracker := NewTracker("task-1", tpl)

	require.NoError(t, s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink()))
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	assert.Equal(t, TaskStatusCompleted, tracker.Status())
}

func TestRunMissingExecutor(t *testing.T) {
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)

	execs := instantExecutors(tpl)
	delete(execs, StepConsolidation)

	s := testScheduler(t, Config{Workers: 4, StepTimeout: time.Second})
	tracker := NewTracker("task-1", tpl)

	err = s.Run(context.Background(), testTask(), tpl, execs, tracker, newMemorySink())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor registered")
	assert.Equal(t, TaskStatusFailed, tracker.Status())
}
