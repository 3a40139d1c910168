package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "tradepulse/internal/errors"

	"tradepulse/internal/artifact"
	"tradepulse/internal/exporter"
	"tradepulse/internal/services"
)

// HistoryHandler serves archived analysis runs
type HistoryHandler struct {
	service  *services.AnalysisService
	exporter *exporter.CSVExporter
	errs     *apierrors.ErrorHandler
	logger   *slog.Logger
}

// NewHistoryHandler creates the history handler. The exporter may be
// nil, which disables the CSV download route.
func NewHistoryHandler(service *services.AnalysisService, csvExporter *exporter.CSVExporter, errs *apierrors.ErrorHandler, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{
		service:  service,
		exporter: csvExporter,
		errs:     errs,
		logger:   logger.With(slog.String("handler", "history")),
	}
}

// Routes returns the router for /api/history
func (h *HistoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	if h.exporter != nil {
		r.Get("/export.csv", h.Export)
	}
	r.Get("/{ticker}/{date}", h.Run)
	return r
}

// HistoryResponse lists archived runs
type HistoryResponse struct {
	Runs []artifact.RunRef `json:"runs"`
}

// List handles GET /api/history
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.History()
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	if runs == nil {
		runs = []artifact.RunRef{}
	}
	render.JSON(w, r, HistoryResponse{Runs: runs})
}

// Export handles GET /api/history/export.csv
func (h *HistoryHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="analysis_runs.csv"`)

	if err := h.exporter.WriteRuns(w, exporter.WriteOptions{BOMPrefix: true}); err != nil {
		// Headers are already out; all we can do is log.
		h.logger.Error("csv export failed", slog.String("error", err.Error()))
	}
}

// Run handles GET /api/history/{ticker}/{date}
func (h *HistoryHandler) Run(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.HistoryRun(chi.URLParam(r, "ticker"), chi.URLParam(r, "date"))
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.JSON(w, r, run)
}
