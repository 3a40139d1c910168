package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// TaskStatus represents the overall task status
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// StepStatus represents the status of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

const (
	// logCapacity bounds the in-memory log ring per task
	logCapacity = 200
	// logReadLimit is the maximum number of log lines a snapshot carries
	logReadLimit = 50
)

// StepSnapshot is the read-only view of one step's state
type StepSnapshot struct {
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	Team       string     `json:"team"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot is an internally consistent, deep-copied view of task progress
type Snapshot struct {
	TaskID          string         `json:"task_id"`
	Status          TaskStatus     `json:"status"`
	CurrentStep     string         `json:"current_step,omitempty"`
	CurrentStepName string         `json:"current_step_name,omitempty"`
	CompletedSteps  []string       `json:"completed_steps"`
	TotalSteps      int            `json:"total_steps"`
	Percent         float64        `json:"percent"`
	Steps           []StepSnapshot `json:"steps"`
	Logs            []string       `json:"logs"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type stepRecord struct {
	key        string
	name       string
	team       string
	status     StepStatus
	startedAt  *time.Time
	finishedAt *time.Time
	err        string
}

// Sink receives progress snapshots. Implementations must not call back
// into the Tracker.
type Sink func(Snapshot)

// Tracker holds the mutable progress state of one task. All mutation
// happens under a single mutex, reads return deep copies, and every
// transition is pushed to the registered sinks in order.
type Tracker struct {
	mu sync.RWMutex

	taskID     string
	status     TaskStatus
	current    string
	steps      map[string]*stepRecord
	order      []string
	completed  []string
	logs       []string
	startedAt  *time.Time
	finishedAt *time.Time
	errMsg     string

	sinks []Sink
}

// NewTracker creates a tracker with a pending record for every step of
// the template, in declaration order.
func NewTracker(taskID string, tpl *Template) *Tracker {
	t := &Tracker{
		taskID: taskID,
		status: TaskStatusPending,
		steps:  make(map[string]*stepRecord, tpl.StepCount()),
	}
	for _, team := range tpl.Teams {
		for _, step := range team.Steps {
			t.steps[step.Key] = &stepRecord{
				key:    step.Key,
				name:   step.Name,
				team:   team.Key,
				status: StepStatusPending,
			}
			t.order = append(t.order, step.Key)
		}
	}
	return t
}

// Subscribe registers a sink for progress snapshots
func (t *Tracker) Subscribe(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// StartTask marks the task as running
func (t *Tracker) StartTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.startedAt = &now
	t.status = TaskStatusRunning
	t.logLocked("analysis started")
	t.notifyLocked()
}

// StartStep marks a step as running and makes it the current step
func (t *Tracker) StartStep(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.steps[key]
	if !ok {
		return
	}
	now := time.Now()
	rec.startedAt = &now
	rec.status = StepStatusRunning
	t.current = key
	t.logLocked(fmt.Sprintf("%s started", rec.name))
	t.notifyLocked()
}

// CompleteStep marks a step as completed. Completion order is the
// order these calls arrive in, not template order.
func (t *Tracker) CompleteStep(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.steps[key]
	if !ok || rec.status.Terminal() {
		return
	}
	now := time.Now()
	rec.finishedAt = &now
	rec.status = StepStatusCompleted
	t.completed = append(t.completed, key)
	if t.current == key {
		t.current = ""
	}
	t.logLocked(fmt.Sprintf("%s completed", rec.name))
	t.notifyLocked()
}

// FailStep marks a step as failed with the given error
func (t *Tracker) FailStep(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.steps[key]
	if !ok || rec.status.Terminal() {
		return
	}
	now := time.Now()
	rec.finishedAt = &now
	rec.status = StepStatusFailed
	if err != nil {
		rec.err = err.Error()
	}
	if t.current == key {
		t.current = ""
	}
	t.logLocked(fmt.Sprintf("%s failed: %v", rec.name, err))
	t.notifyLocked()
}

// SkipStep marks a pending step as skipped
func (t *Tracker) SkipStep(key, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.steps[key]
	if !ok || rec.status.Terminal() {
		return
	}
	now := time.Now()
	rec.finishedAt = &now
	rec.status = StepStatusSkipped
	rec.err = reason
	t.logLocked(fmt.Sprintf("%s skipped: %s", rec.name, reason))
	t.notifyLocked()
}

// CompleteTask marks the task as completed
func (t *Tracker) CompleteTask() {
	t.finish(TaskStatusCompleted, "")
}

// FailTask marks the task as failed
func (t *Tracker) FailTask(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(TaskStatusFailed, msg)
}

// CancelTask marks the task as cancelled
func (t *Tracker) CancelTask() {
	t.finish(TaskStatusCancelled, "")
}

func (t *Tracker) finish(status TaskStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	now := time.Now()
	t.finishedAt = &now
	t.status = status
	t.errMsg = errMsg
	t.current = ""
	if errMsg != "" {
		t.logLocked(fmt.Sprintf("analysis %s: %s", status, errMsg))
	} else {
		t.logLocked(fmt.Sprintf("analysis %s", status))
	}
	t.notifyLocked()
}

// Log appends a timestamped message to the task log ring
func (t *Tracker) Log(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logLocked(message)
}

// Status returns the current task status
func (t *Tracker) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns a deep copy of the current progress state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		TaskID:     t.taskID,
		Status:     t.status,
		TotalSteps: len(t.order),
		StartedAt:  copyTime(t.startedAt),
		FinishedAt: copyTime(t.finishedAt),
		Error:      t.errMsg,
	}

	if t.current != "" {
		snap.CurrentStep = t.current
		snap.CurrentStepName = t.steps[t.current].name
	}

	snap.CompletedSteps = make([]string, len(t.completed))
	copy(snap.CompletedSteps, t.completed)
	if snap.TotalSteps > 0 {
		snap.Percent = float64(len(t.completed)) / float64(snap.TotalSteps) * 100
	}

	snap.Steps = make([]StepSnapshot, 0, len(t.order))
	for _, key := range t.order {
		rec := t.steps[key]
		snap.Steps = append(snap.Steps, StepSnapshot{
			Key:        rec.key,
			Name:       rec.name,
			Team:       rec.team,
			Status:     rec.status,
			StartedAt:  copyTime(rec.startedAt),
			FinishedAt: copyTime(rec.finishedAt),
			Error:      rec.err,
		})
	}

	logs := t.logs
	if len(logs) > logReadLimit {
		logs = logs[len(logs)-logReadLimit:]
	}
	snap.Logs = make([]string, len(logs))
	copy(snap.Logs, logs)

	return snap
}

func (t *Tracker) logLocked(message string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), message)
	t.logs = append(t.logs, entry)
	if len(t.logs) > logCapacity {
		t.logs = t.logs[len(t.logs)-logCapacity:]
	}
}

// notifyLocked pushes a snapshot to every sink while still holding the
// lock, so snapshots arrive at each sink in transition order.
func (t *Tracker) notifyLocked() {
	if len(t.sinks) == 0 {
		return
	}
	snap := t.snapshotLocked()
	for _, sink := range t.sinks {
		sink(snap)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
