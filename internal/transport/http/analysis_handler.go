package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "tradepulse/internal/errors"

	"tradepulse/internal/artifact"
	"tradepulse/internal/pipeline"
	"tradepulse/internal/services"
	"tradepulse/internal/task"
)

// AnalysisHandler exposes the analysis task API
type AnalysisHandler struct {
	service *services.AnalysisService
	errs    *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewAnalysisHandler creates the analysis handler
func NewAnalysisHandler(service *services.AnalysisService, errs *apierrors.ErrorHandler, logger *slog.Logger) *AnalysisHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "analysis")),
	}
}

// AnalysisRequest starts a new analysis run
type AnalysisRequest struct {
	Ticker        string   `json:"ticker"`
	TradeDate     string   `json:"trade_date,omitempty"`
	Analysts      []string `json:"analysts,omitempty"`
	ResearchDepth int      `json:"research_depth,omitempty"`
}

// Bind implements render.Binder
func (a *AnalysisRequest) Bind(_ *http.Request) error {
	if a.Ticker == "" {
		return errors.New("ticker is required")
	}
	if a.TradeDate != "" {
		if _, err := time.Parse("2006-01-02", a.TradeDate); err != nil {
			return fmt.Errorf("trade_date must be YYYY-MM-DD: %q", a.TradeDate)
		}
	}
	if a.ResearchDepth < 0 || a.ResearchDepth > 5 {
		return fmt.Errorf("research_depth must be between 0 and 5, got %d", a.ResearchDepth)
	}

	known := make(map[string]bool)
	for _, name := range pipeline.DefaultAnalysts() {
		known[name] = true
	}
	for _, name := range a.Analysts {
		if !known[name] {
			return fmt.Errorf("unknown analyst %q", name)
		}
	}
	return nil
}

// AnalysisResponse is returned when a run is accepted
type AnalysisResponse struct {
	TaskID    string            `json:"task_id"`
	Symbol    string            `json:"symbol"`
	TradeDate string            `json:"trade_date"`
	Status    string            `json:"status"`
	Links     map[string]string `json:"links"`
}

// Routes returns the router for /api/analysis
func (h *AnalysisHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Start)
	r.Get("/", h.List)
	r.Get("/{id}/status", h.Status)
	r.Get("/{id}/report", h.Report)
	r.Get("/{id}/report/{kind}", h.Section)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Start handles POST /api/analysis
func (h *AnalysisHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &AnalysisRequest{}
	if err := render.Bind(r, data); err != nil {
		h.errs.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.service.Create(ctx, task.Params{
		Ticker:        data.Ticker,
		TradeDate:     data.TradeDate,
		Analysts:      data.Analysts,
		ResearchDepth: data.ResearchDepth,
	})
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}

	h.logger.InfoContext(ctx, "analysis accepted",
		slog.String("task_id", info.ID),
		slog.String("symbol", info.Symbol))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, AnalysisResponse{
		TaskID:    info.ID,
		Symbol:    info.Symbol,
		TradeDate: info.TradeDate,
		Status:    string(info.Progress.Status),
		Links: map[string]string{
			"status":    "/api/analysis/" + info.ID + "/status",
			"report":    "/api/analysis/" + info.ID + "/report",
			"cancel":    "/api/analysis/" + info.ID + "/cancel",
			"websocket": "/ws",
		},
	})
}

// Status handles GET /api/analysis/{id}/status
func (h *AnalysisHandler) Status(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.JSON(w, r, info)
}

// ReportResponse carries every section of a finished analysis
type ReportResponse struct {
	TaskID   string             `json:"task_id"`
	Sections []artifact.Artifact `json:"sections"`
}

// Report handles GET /api/analysis/{id}/report
func (h *AnalysisHandler) Report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sections, err := h.service.Report(id)
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.JSON(w, r, ReportResponse{TaskID: id, Sections: sections})
}

// Section handles GET /api/analysis/{id}/report/{kind}
func (h *AnalysisHandler) Section(w http.ResponseWriter, r *http.Request) {
	section, err := h.service.Section(chi.URLParam(r, "id"), chi.URLParam(r, "kind"))
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.JSON(w, r, section)
}

// CancelResponse reports the task status after a cancel request
type CancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Cancel handles POST /api/analysis/{id}/cancel
func (h *AnalysisHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.service.Cancel(id)
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "cancel requested", slog.String("task_id", id))
	render.JSON(w, r, CancelResponse{TaskID: id, Status: string(status)})
}

// ListResponse wraps the task list with registry stats
type ListResponse struct {
	Tasks []task.Info `json:"tasks"`
	Stats task.Stats  `json:"stats"`
}

// List handles GET /api/analysis with an optional status filter
func (h *AnalysisHandler) List(w http.ResponseWriter, r *http.Request) {
	status := pipeline.TaskStatus(r.URL.Query().Get("status"))
	render.JSON(w, r, ListResponse{
		Tasks: h.service.List(status),
		Stats: h.service.Stats(),
	})
}
