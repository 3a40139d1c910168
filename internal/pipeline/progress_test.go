package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplate(t *testing.T) *Template {
	t.Helper()
	tpl, err := DefaultTemplate(nil)
	require.NoError(t, err)
	return tpl
}

func TestTrackerTransitions(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))

	snap := tracker.Snapshot()
	assert.Equal(t, TaskStatusPending, snap.Status)
	assert.Equal(t, 12, snap.TotalSteps)
	assert.Empty(t, snap.CompletedSteps)

	tracker.StartTask()
	tracker.StartStep(StepMarketAnalyst)

	snap = tracker.Snapshot()
	assert.Equal(t, TaskStatusRunning, snap.Status)
	assert.Equal(t, StepMarketAnalyst, snap.CurrentStep)
	assert.Equal(t, "Market Analyst", snap.CurrentStepName)
	require.NotNil(t, snap.StartedAt)

	tracker.CompleteStep(StepMarketAnalyst)
	snap = tracker.Snapshot()
	assert.Equal(t, []string{StepMarketAnalyst}, snap.CompletedSteps)
	assert.Empty(t, snap.CurrentStep)
	assert.InDelta(t, 100.0/12, snap.Percent, 0.01)

	tracker.FailStep(StepNewsAnalyst, errors.New("feed unavailable"))
	tracker.SkipStep(StepConsolidation, "upstream failed")
	tracker.CompleteTask()

	snap = tracker.Snapshot()
	assert.Equal(t, TaskStatusCompleted, snap.Status)
	require.NotNil(t, snap.FinishedAt)

	byKey := make(map[string]StepSnapshot)
	for _, step := range snap.Steps {
		byKey[step.Key] = step
	}
	assert.Equal(t, StepStatusFailed, byKey[StepNewsAnalyst].Status)
	assert.Equal(t, "feed unavailable", byKey[StepNewsAnalyst].Error)
	assert.Equal(t, StepStatusSkipped, byKey[StepConsolidation].Status)
}

func TestTrackerCompletionOrderIsArrivalOrder(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	tracker.StartTask()

	// Completion arrives out of template order
	tracker.CompleteStep(StepNewsAnalyst)
	tracker.CompleteStep(StepMarketAnalyst)
	tracker.CompleteStep(StepSocialAnalyst)

	snap := tracker.Snapshot()
	assert.Equal(t, []string{StepNewsAnalyst, StepMarketAnalyst, StepSocialAnalyst}, snap.CompletedSteps)
}

func TestTrackerTerminalStepsStayTerminal(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	tracker.StartTask()

	tracker.CompleteStep(StepMarketAnalyst)
	tracker.FailStep(StepMarketAnalyst, errors.New("late failure"))
	tracker.SkipStep(StepMarketAnalyst, "late skip")

	snap := tracker.Snapshot()
	assert.Equal(t, []string{StepMarketAnalyst}, snap.CompletedSteps)
	assert.Equal(t, StepStatusCompleted, snap.Steps[0].Status)
}

func TestTrackerFinishIsIdempotent(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	tracker.StartTask()
	tracker.CancelTask()
	tracker.CompleteTask()
	tracker.FailTask(errors.New("too late"))

	assert.Equal(t, TaskStatusCancelled, tracker.Status())
}

func TestTrackerLogRing(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	for i := 0; i < 300; i++ {
		tracker.Log(fmt.Sprintf("message %d", i))
	}

	snap := tracker.Snapshot()
	require.Len(t, snap.Logs, logReadLimit)
	assert.Contains(t, snap.Logs[len(snap.Logs)-1], "message 299")
	assert.Contains(t, snap.Logs[0], "message 250")
	// Entries carry a wall-clock prefix
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\] `, snap.Logs[0])
}

func TestTrackerSnapshotIsDeepCopy(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	tracker.StartTask()
	tracker.CompleteStep(StepMarketAnalyst)

	snap := tracker.Snapshot()
	snap.CompletedSteps[0] = "mutated"
	snap.Steps[0].Status = StepStatusFailed

	fresh := tracker.Snapshot()
	assert.Equal(t, []string{StepMarketAnalyst}, fresh.CompletedSteps)
}

func TestTrackerConcurrentReadersAndWriters(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))
	tracker.StartTask()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Log(fmt.Sprintf("writer %d message %d", n, j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := tracker.Snapshot()
				// A snapshot is internally consistent
				assert.LessOrEqual(t, len(snap.CompletedSteps), snap.TotalSteps)
			}
		}()
	}
	wg.Wait()
}

func TestTrackerSinkReceivesOrderedSnapshots(t *testing.T) {
	tracker := NewTracker("task-1", testTemplate(t))

	var got []Snapshot
	tracker.Subscribe(func(snap Snapshot) {
		got = append(got, snap)
	})

	tracker.StartTask()
	tracker.StartStep(StepMarketAnalyst)
	tracker.CompleteStep(StepMarketAnalyst)
	tracker.CompleteTask()

	require.Len(t, got, 4)
	assert.Equal(t, TaskStatusRunning, got[0].Status)
	assert.Equal(t, StepMarketAnalyst, got[1].CurrentStep)
	assert.Equal(t, []string{StepMarketAnalyst}, got[2].CompletedSteps)
	assert.Equal(t, TaskStatusCompleted, got[3].Status)
}
