package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradepulse/internal/artifact"
	"tradepulse/internal/pipeline"
	"tradepulse/internal/task"
)

// ErrNotFinished means a report was requested before the analysis
// reached a terminal state
var ErrNotFinished = errors.New("analysis not finished")

// AnalysisService owns the lifecycle of analysis tasks: creation,
// pipeline execution, progress fan-out, report access and cleanup.
type AnalysisService struct {
	registry    *task.Registry
	scheduler   *pipeline.Scheduler
	store       *artifact.Store
	archive     *artifact.Archive
	broadcaster *pipeline.ProgressBroadcaster
	executors   pipeline.ExecutorSet
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewAnalysisService wires the analysis service. The archive and
// broadcaster may be nil, which disables durable summaries and
// WebSocket fan-out respectively.
func NewAnalysisService(
	registry *task.Registry,
	scheduler *pipeline.Scheduler,
	store *artifact.Store,
	archive *artifact.Archive,
	broadcaster *pipeline.ProgressBroadcaster,
	executors pipeline.ExecutorSet,
	logger *slog.Logger,
) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisService{
		registry:    registry,
		scheduler:   scheduler,
		store:       store,
		archive:     archive,
		broadcaster: broadcaster,
		executors:   executors,
		logger:      logger.With(slog.String("service", "analysis")),
	}
}

// Create registers a task and starts its pipeline in the background.
// The returned Info reflects the task in its pending state.
func (s *AnalysisService) Create(ctx context.Context, params task.Params) (task.Info, error) {
	t, err := s.registry.Create(params)
	if err != nil {
		return task.Info{}, err
	}

	if s.broadcaster != nil {
		t.Tracker().Subscribe(s.broadcaster.Publish)
	}

	// The run outlives the creating request, so it gets its own
	// context; Cancel reaches it through the bound cancel func.
	runCtx, cancel := context.WithCancel(context.Background())
	t.Bind(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, t)
	}()

	s.logger.InfoContext(ctx, "analysis task created",
		slog.String("task_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.String("trade_date", t.TradeDate))

	return s.registry.Get(t.ID)
}

func (s *AnalysisService) run(ctx context.Context, t *task.Task) {
	err := s.scheduler.Run(ctx, t.PipelineTask(), t.Template(), s.executors, t.Tracker(), s.store)
	if err != nil {
		s.logger.Warn("analysis run did not complete",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
	}
	s.archiveSummary(t)
}

// archiveSummary records the run outcome next to its reports so the
// history API can serve it after the task is garbage collected
func (s *AnalysisService) archiveSummary(t *task.Task) {
	if s.archive == nil {
		return
	}
	snap := t.Tracker().Snapshot()
	summary := artifact.Summary{
		TaskID:         t.ID,
		Ticker:         t.Ticker,
		Symbol:         t.Symbol,
		TradeDate:      t.TradeDate,
		Status:         string(snap.Status),
		CompletedSteps: snap.CompletedSteps,
		Artifacts:      s.store.Kinds(t.ID),
		StartedAt:      snap.StartedAt,
		FinishedAt:     snap.FinishedAt,
	}
	if err := s.archive.SaveSummary(t.Symbol, t.TradeDate, summary); err != nil {
		s.logger.Error("failed to archive run summary",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
	}
}

// Status returns the task snapshot including live progress
func (s *AnalysisService) Status(id string) (task.Info, error) {
	return s.registry.Get(id)
}

// Report returns every section produced by a finished analysis.
// A task that is still running yields ErrNotFinished.
func (s *AnalysisService) Report(id string) ([]artifact.Artifact, error) {
	t, err := s.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !t.Tracker().Status().Terminal() {
		return nil, ErrNotFinished
	}
	return s.store.List(id), nil
}

// Section returns one report section. Sections become readable the
// moment their step completes, before the whole task finishes.
func (s *AnalysisService) Section(id, kind string) (artifact.Artifact, error) {
	if _, err := s.registry.Lookup(id); err != nil {
		return artifact.Artifact{}, err
	}
	return s.store.Get(id, kind)
}

// Cancel requests cancellation of a running task. Cancelling a task
// already in a terminal state is a no-op.
func (s *AnalysisService) Cancel(id string) (pipeline.TaskStatus, error) {
	return s.registry.Cancel(id)
}

// List returns task snapshots, newest first, optionally filtered by status
func (s *AnalysisService) List(status pipeline.TaskStatus) []task.Info {
	return s.registry.List(status)
}

// Stats reports registry occupancy
func (s *AnalysisService) Stats() task.Stats {
	return s.registry.Stats()
}

// History lists all archived runs
func (s *AnalysisService) History() ([]artifact.RunRef, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.ListRuns()
}

// HistoryRun loads one archived run with its reports and summary
func (s *AnalysisService) HistoryRun(ticker, date string) (*artifact.Run, error) {
	if s.archive == nil {
		return nil, artifact.ErrRunNotFound
	}
	return s.archive.LoadRun(ticker, date)
}

// StartGC runs the retention loop until ctx is cancelled. Expired
// terminal tasks are dropped from the registry together with their
// in-memory artifacts and broadcaster state; the archive keeps the
// durable copy.
func (s *AnalysisService) StartGC(ctx context.Context, interval, retention time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collect(retention)
			}
		}
	}()
}

func (s *AnalysisService) collect(retention time.Duration) {
	removed := s.registry.GC(retention)
	for _, id := range removed {
		s.store.Delete(id)
	}
	if s.broadcaster != nil {
		s.broadcaster.CleanupOld(retention)
	}
	if len(removed) > 0 {
		s.logger.Info("expired analysis tasks collected", slog.Int("count", len(removed)))
	}
}

// Wait blocks until every background run and the GC loop have returned
func (s *AnalysisService) Wait() {
	s.wg.Wait()
}
