package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"tradepulse/internal/chat"
)

// HealthService reports process and subsystem status
type HealthService struct {
	version    string
	startTime  time.Time
	analysis   *AnalysisService
	chatEngine *chat.Engine
	wsClients  func() int
	logger     *slog.Logger
}

// HealthStatus is the health endpoint response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// NewHealthService creates a health service. wsClients may be nil when
// no WebSocket hub is running.
func NewHealthService(version string, analysis *AnalysisService, chatEngine *chat.Engine, wsClients func() int, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:    version,
		startTime:  time.Now(),
		analysis:   analysis,
		chatEngine: chatEngine,
		wsClients:  wsClients,
		logger:     logger.With(slog.String("service", "health")),
	}
}

// Check assembles the current health snapshot
func (h *HealthService) Check(ctx context.Context) HealthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"alloc_mb":   fmt.Sprintf("%.1f", float64(mem.Alloc)/(1<<20)),
			"num_gc":     mem.NumGC,
		},
		Services: map[string]interface{}{},
	}

	if h.analysis != nil {
		stats := h.analysis.Stats()
		status.Services["analysis"] = map[string]interface{}{
			"status":  "up",
			"total":   stats.Total,
			"running": stats.Running,
		}
	}
	if h.chatEngine != nil {
		status.Services["chat"] = map[string]interface{}{
			"status":        "up",
			"conversations": len(h.chatEngine.List()),
		}
	}
	if h.wsClients != nil {
		status.Services["websocket"] = map[string]interface{}{
			"status":  "up",
			"clients": h.wsClients(),
		}
	}
	return status
}
