package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Hub is the push channel progress snapshots are broadcast on,
// implemented by the websocket hub
type Hub interface {
	BroadcastUpdate(eventType string, data interface{})
}

// EventAnalysisProgress is the broadcast event type for task snapshots
const EventAnalysisProgress = "analysis_progress"

// ProgressBroadcaster serializes snapshot delivery to the hub. Trackers
// publish from inside their lock, so the channel here both decouples
// slow consumers and preserves per-task snapshot order.
type ProgressBroadcaster struct {
	hub    Hub
	logger *slog.Logger

	updates chan Snapshot
	quit    chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	latest map[string]Snapshot
	seen   map[string]time.Time
}

// NewProgressBroadcaster creates a broadcaster and starts its delivery
// goroutine
func NewProgressBroadcaster(hub Hub, logger *slog.Logger) *ProgressBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &ProgressBroadcaster{
		hub:     hub,
		logger:  logger.With(slog.String("component", "progress_broadcaster")),
		updates: make(chan Snapshot, 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		latest:  make(map[string]Snapshot),
		seen:    make(map[string]time.Time),
	}
	go b.run()
	return b
}

func (b *ProgressBroadcaster) run() {
	defer close(b.done)
	for {
		select {
		case snap := <-b.updates:
			b.mu.Lock()
			b.latest[snap.TaskID] = snap
			b.seen[snap.TaskID] = time.Now()
			b.mu.Unlock()
			if b.hub != nil {
				b.hub.BroadcastUpdate(EventAnalysisProgress, snap)
			}
		case <-b.quit:
			return
		}
	}
}

// Publish queues a snapshot for delivery. It never blocks the caller;
// when the queue is full the snapshot is dropped and the next one will
// carry the newer state anyway.
func (b *ProgressBroadcaster) Publish(snap Snapshot) {
	select {
	case b.updates <- snap:
	default:
		b.logger.Warn("progress update dropped",
			slog.String("task_id", snap.TaskID),
			slog.String("status", string(snap.Status)))
	}
}

// Latest returns the most recent snapshot broadcast for a task
func (b *ProgressBroadcaster) Latest(taskID string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.latest[taskID]
	return snap, ok
}

// CleanupOld drops cached snapshots of terminal tasks older than maxAge
// and returns how many were removed
func (b *ProgressBroadcaster) CleanupOld(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, at := range b.seen {
		if at.Before(cutoff) && b.latest[id].Status.Terminal() {
			delete(b.latest, id)
			delete(b.seen, id)
			removed++
		}
	}
	return removed
}

// Close stops the delivery goroutine
func (b *ProgressBroadcaster) Close() {
	close(b.quit)
	<-b.done
}
