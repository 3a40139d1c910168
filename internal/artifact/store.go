package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradepulse/internal/pipeline"
)

var (
	// ErrDuplicate means a second write arrived for the same (task, kind)
	ErrDuplicate = errors.New("artifact already written")
	// ErrNotReady means the producing step has not completed yet
	ErrNotReady = errors.New("artifact not ready")
)

// Artifact is one completed report section
type Artifact struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	WrittenAt time.Time `json:"written_at"`
}

// Store keeps task artifacts in memory with exactly-once writes and
// mirrors every write into the durable archive. It implements
// pipeline.ArtifactSink.
type Store struct {
	mu     sync.RWMutex
	byTask map[string]map[string]Artifact
	order  map[string][]string

	archive *Archive
	logger  *slog.Logger
}

// NewStore creates a store. The archive may be nil, in which case
// artifacts live in memory only.
func NewStore(archive *Archive, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byTask:  make(map[string]map[string]Artifact),
		order:   make(map[string][]string),
		archive: archive,
		logger:  logger.With(slog.String("component", "artifact_store")),
	}
}

// Put records the artifact for (task, kind). A second write for the
// same pair fails with ErrDuplicate, the first write stays.
func (s *Store) Put(ctx context.Context, task pipeline.Task, kind, content string) error {
	s.mu.Lock()
	kinds, ok := s.byTask[task.ID]
	if !ok {
		kinds = make(map[string]Artifact)
		s.byTask[task.ID] = kinds
	}
	if _, exists := kinds[kind]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s kind %s: %w", task.ID, kind, ErrDuplicate)
	}
	kinds[kind] = Artifact{
		TaskID:    task.ID,
		Kind:      kind,
		Content:   content,
		WrittenAt: time.Now(),
	}
	s.order[task.ID] = append(s.order[task.ID], kind)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "artifact written",
		slog.String("task_id", task.ID),
		slog.String("kind", kind),
		slog.Int("bytes", len(content)))

	if s.archive != nil {
		if err := s.archive.SaveReport(task.Symbol, task.TradeDate, kind, content); err != nil {
			// The in-memory copy is the source of truth while the task
			// lives, losing the mirror is logged but not fatal
			s.logger.ErrorContext(ctx, "artifact archive write failed",
				slog.String("task_id", task.ID),
				slog.String("kind", kind),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Get returns the artifact for (task, kind). A read before the
// producing step completed fails with ErrNotReady.
func (s *Store) Get(taskID, kind string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.byTask[taskID][kind]
	if !ok {
		return Artifact{}, fmt.Errorf("task %s kind %s: %w", taskID, kind, ErrNotReady)
	}
	return art, nil
}

// List returns the task's artifacts in write order
func (s *Store) List(taskID string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := s.order[taskID]
	out := make([]Artifact, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, s.byTask[taskID][kind])
	}
	return out
}

// Kinds returns the artifact kinds written so far, in write order
func (s *Store) Kinds(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := s.order[taskID]
	out := make([]string, len(kinds))
	copy(out, kinds)
	return out
}

// Delete drops all in-memory artifacts of a task. Archived copies are
// not touched.
func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTask, taskID)
	delete(s.order, taskID)
}
