package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradepulse/internal/artifact"
)

// utf8BOM makes the file open cleanly in Excel.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// runHeaders is the fixed column order for run exports.
var runHeaders = []string{
	"symbol", "trade_date", "task_id", "status",
	"completed_steps", "total_artifacts", "started_at", "finished_at",
}

// WriteOptions configures CSV output.
type WriteOptions struct {
	// BOMPrefix prepends a UTF-8 BOM for Excel compatibility
	BOMPrefix bool
}

// CSVExporter writes archive contents as CSV.
type CSVExporter struct {
	archive *artifact.Archive
	logger  *slog.Logger
}

// NewCSVExporter creates an exporter over the given archive.
func NewCSVExporter(archive *artifact.Archive, logger *slog.Logger) *CSVExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVExporter{
		archive: archive,
		logger:  logger.With(slog.String("component", "exporter")),
	}
}

// WriteRuns writes one row per archived run, ordered by symbol then
// date. Runs whose summary is missing still get a row with the fields
// the directory layout provides.
func (e *CSVExporter) WriteRuns(w io.Writer, opts WriteOptions) error {
	refs, err := e.archive.ListRuns()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Ticker != refs[j].Ticker {
			return refs[i].Ticker < refs[j].Ticker
		}
		return refs[i].Date < refs[j].Date
	})

	if opts.BOMPrefix {
		if _, err := w.Write(utf8BOM); err != nil {
			return fmt.Errorf("write BOM: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(runHeaders); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, ref := range refs {
		run, err := e.archive.LoadRun(ref.Ticker, ref.Date)
		if err != nil {
			e.logger.Warn("skipping unreadable run",
				slog.String("symbol", ref.Ticker),
				slog.String("date", ref.Date),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := cw.Write(runRecord(run)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	e.logger.Debug("exported runs", slog.Int("count", len(refs)))
	return nil
}

func runRecord(run *artifact.Run) []string {
	rec := []string{run.Ref.Ticker, run.Ref.Date, "", "", "", strconv.Itoa(len(run.Reports)), "", ""}
	if s := run.Summary; s != nil {
		rec[2] = s.TaskID
		rec[3] = s.Status
		rec[4] = strings.Join(s.CompletedSteps, ";")
		rec[5] = strconv.Itoa(len(s.Artifacts))
		rec[6] = formatTime(s.StartedAt)
		rec[7] = formatTime(s.FinishedAt)
	}
	return rec
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
