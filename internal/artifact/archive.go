package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrRunNotFound means no archived run exists for (ticker, date)
var ErrRunNotFound = errors.New("archived run not found")

const (
	reportsDirName  = "reports"
	summaryFileName = "analysis_summary.json"
	reportExt       = ".md"
)

// Summary is the metadata file written next to a run's reports
type Summary struct {
	TaskID         string     `json:"task_id"`
	Ticker         string     `json:"ticker"`
	Symbol         string     `json:"symbol"`
	TradeDate      string     `json:"trade_date"`
	Status         string     `json:"status"`
	CompletedSteps []string   `json:"completed_steps"`
	Artifacts      []string   `json:"artifacts"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// RunRef identifies one archived run
type RunRef struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
}

// Run is a fully loaded archived analysis
type Run struct {
	Ref     RunRef            `json:"ref"`
	Summary *Summary          `json:"summary,omitempty"`
	Reports map[string]string `json:"reports"`
}

// Archive persists reports under <root>/<ticker>/<date>/reports and
// reads them back for the history API
type Archive struct {
	root   string
	logger *slog.Logger
}

// NewArchive creates an archive rooted at the given directory
func NewArchive(root string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		root:   root,
		logger: logger.With(slog.String("component", "artifact_archive")),
	}
}

// SaveReport writes one report section as <kind>.md
func (a *Archive) SaveReport(ticker, date, kind, content string) error {
	dir, err := a.runDir(ticker, date)
	if err != nil {
		return err
	}
	reportsDir := filepath.Join(dir, reportsDirName)
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return fmt.Errorf("create reports dir: %w", err)
	}
	if err := validComponent(kind); err != nil {
		return err
	}
	path := filepath.Join(reportsDir, kind+reportExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", kind, err)
	}
	return nil
}

// SaveSummary writes the run's analysis_summary.json
func (a *Archive) SaveSummary(ticker, date string, summary Summary) error {
	dir, err := a.runDir(ticker, date)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	summary.GeneratedAt = time.Now()
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	path := filepath.Join(dir, summaryFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ListRuns walks the archive and returns every (ticker, date) pair,
// sorted by ticker then date descending so recent runs come first
func (a *Archive) ListRuns() ([]RunRef, error) {
	tickers, err := os.ReadDir(a.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive root: %w", err)
	}

	var refs []RunRef
	for _, tickerEntry := range tickers {
		if !tickerEntry.IsDir() {
			continue
		}
		dates, err := os.ReadDir(filepath.Join(a.root, tickerEntry.Name()))
		if err != nil {
			continue
		}
		for _, dateEntry := range dates {
			if !dateEntry.IsDir() {
				continue
			}
			refs = append(refs, RunRef{Ticker: tickerEntry.Name(), Date: dateEntry.Name()})
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Ticker != refs[j].Ticker {
			return refs[i].Ticker < refs[j].Ticker
		}
		return refs[i].Date > refs[j].Date
	})
	return refs, nil
}

// LoadRun reads back every report and the summary of one archived run
func (a *Archive) LoadRun(ticker, date string) (*Run, error) {
	dir, err := a.runDir(ticker, date)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", ticker, date, ErrRunNotFound)
	}

	run := &Run{
		Ref:     RunRef{Ticker: ticker, Date: date},
		Reports: make(map[string]string),
	}

	reportsDir := filepath.Join(dir, reportsDirName)
	entries, err := os.ReadDir(reportsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), reportExt) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(reportsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read report %s: %w", entry.Name(), err)
		}
		kind := strings.TrimSuffix(entry.Name(), reportExt)
		run.Reports[kind] = string(content)
	}

	if data, err := os.ReadFile(filepath.Join(dir, summaryFileName)); err == nil {
		var summary Summary
		if err := json.Unmarshal(data, &summary); err == nil {
			run.Summary = &summary
		} else {
			a.logger.Warn("corrupt summary file skipped",
				slog.String("ticker", ticker),
				slog.String("date", date))
		}
	}

	if len(run.Reports) == 0 && run.Summary == nil {
		return nil, fmt.Errorf("%s/%s: %w", ticker, date, ErrRunNotFound)
	}
	return run, nil
}

func (a *Archive) runDir(ticker, date string) (string, error) {
	if err := validComponent(ticker); err != nil {
		return "", err
	}
	if err := validComponent(date); err != nil {
		return "", err
	}
	return filepath.Join(a.root, ticker, date), nil
}

// validComponent rejects path components that could escape the archive
func validComponent(s string) error {
	if s == "" || s == "." || s == ".." ||
		strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return fmt.Errorf("invalid path component %q", s)
	}
	return nil
}
