package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepulse/internal/pipeline"
)

var (
	// ErrNotFound means no task exists with the given ID
	ErrNotFound = errors.New("task not found")
	// ErrCapacityExceeded means too many tasks are already running
	ErrCapacityExceeded = errors.New("task capacity exceeded")
)

// Params are the request inputs for a new analysis task
type Params struct {
	Ticker        string
	TradeDate     string
	Analysts      []string
	ResearchDepth int
}

// Task is one analysis run. The registry owns the instance, callers
// read it through Info snapshots.
type Task struct {
	ID            string
	Ticker        string
	Symbol        string
	TradeDate     string
	Analysts      []string
	ResearchDepth int
	CreatedAt     time.Time

	template *pipeline.Template
	tracker  *pipeline.Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Template returns the pipeline template this task runs
func (t *Task) Template() *pipeline.Template {
	return t.template
}

// Tracker returns the task's progress tracker
func (t *Task) Tracker() *pipeline.Tracker {
	return t.tracker
}

// PipelineTask returns the scheduler's view of this task
func (t *Task) PipelineTask() pipeline.Task {
	return pipeline.Task{
		ID:            t.ID,
		Ticker:        t.Ticker,
		Symbol:        t.Symbol,
		TradeDate:     t.TradeDate,
		ResearchDepth: t.ResearchDepth,
	}
}

// Bind attaches the cancel function of the running pipeline context
func (t *Task) Bind(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

func (t *Task) requestCancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Info is a deep snapshot of a task and its progress
type Info struct {
	ID            string            `json:"id"`
	Ticker        string            `json:"ticker"`
	Symbol        string            `json:"symbol"`
	TradeDate     string            `json:"trade_date"`
	Analysts      []string          `json:"analysts"`
	ResearchDepth int               `json:"research_depth"`
	CreatedAt     time.Time         `json:"created_at"`
	Progress      pipeline.Snapshot `json:"progress"`
}

// Stats summarizes registry occupancy
type Stats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
}

// Registry tracks every live task and caps how many may run at once
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	maxRunning int
	logger     *slog.Logger
}

// NewRegistry creates a registry with the given running-task cap
func NewRegistry(maxRunning int, logger *slog.Logger) *Registry {
	if maxRunning <= 0 {
		maxRunning = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:      make(map[string]*Task),
		maxRunning: maxRunning,
		logger:     logger.With(slog.String("component", "task_registry")),
	}
}

// Create validates the params and registers a new pending task. It
// fails with ErrCapacityExceeded when the running-task cap is reached.
func (r *Registry) Create(params Params) (*Task, error) {
	symbol, err := NormalizeTicker(params.Ticker)
	if err != nil {
		return nil, err
	}

	tradeDate := params.TradeDate
	if tradeDate == "" {
		tradeDate = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", tradeDate); err != nil {
		return nil, fmt.Errorf("invalid trade date %q: %w", tradeDate, err)
	}

	depth := params.ResearchDepth
	if depth <= 0 {
		depth = 1
	}

	tpl, err := pipeline.DefaultTemplate(params.Analysts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeLocked() >= r.maxRunning {
		return nil, fmt.Errorf("%d tasks active: %w", r.activeLocked(), ErrCapacityExceeded)
	}

	id := uuid.New().String()
	t := &Task{
		ID:            id,
		Ticker:        params.Ticker,
		Symbol:        symbol,
		TradeDate:     tradeDate,
		Analysts:      append([]string(nil), params.Analysts...),
		ResearchDepth: depth,
		CreatedAt:     time.Now(),
		template:      tpl,
		tracker:       pipeline.NewTracker(id, tpl),
	}
	r.tasks[id] = t

	r.logger.Info("task created",
		slog.String("task_id", id),
		slog.String("symbol", symbol),
		slog.String("trade_date", tradeDate))
	return t, nil
}

// activeLocked counts tasks that have not reached a terminal state
func (r *Registry) activeLocked() int {
	n := 0
	for _, t := range r.tasks {
		if !t.tracker.Status().Terminal() {
			n++
		}
	}
	return n
}

// Lookup returns the live task instance
func (r *Registry) Lookup(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return t, nil
}

// Get returns a deep snapshot of the task
func (r *Registry) Get(id string) (Info, error) {
	t, err := r.Lookup(id)
	if err != nil {
		return Info{}, err
	}
	return r.info(t), nil
}

func (r *Registry) info(t *Task) Info {
	return Info{
		ID:            t.ID,
		Ticker:        t.Ticker,
		Symbol:        t.Symbol,
		TradeDate:     t.TradeDate,
		Analysts:      append([]string(nil), t.Analysts...),
		ResearchDepth: t.ResearchDepth,
		CreatedAt:     t.CreatedAt,
		Progress:      t.tracker.Snapshot(),
	}
}

// Cancel requests cancellation of a running task. Cancelling a task
// that already finished is a no-op and returns its current status.
func (r *Registry) Cancel(id string) (pipeline.TaskStatus, error) {
	t, err := r.Lookup(id)
	if err != nil {
		return "", err
	}

	status := t.tracker.Status()
	if status.Terminal() {
		return status, nil
	}

	t.requestCancel()
	r.logger.Info("task cancel requested", slog.String("task_id", id))
	return t.tracker.Status(), nil
}

// List returns task snapshots, newest first. An empty status matches
// every task.
func (r *Registry) List(status pipeline.TaskStatus) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		info := r.info(t)
		if status != "" && info.Progress.Status != status {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats returns registry occupancy counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Total:   len(r.tasks),
		Running: r.activeLocked(),
	}
}

// GC removes terminal tasks that finished before the retention window
// and returns their IDs
func (r *Registry) GC(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, t := range r.tasks {
		snap := t.tracker.Snapshot()
		if !snap.Status.Terminal() {
			continue
		}
		if snap.FinishedAt != nil && snap.FinishedAt.After(cutoff) {
			continue
		}
		delete(r.tasks, id)
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		r.logger.Info("tasks garbage collected", slog.Int("count", len(removed)))
	}
	return removed
}
