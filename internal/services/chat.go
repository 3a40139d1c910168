package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"tradepulse/internal/artifact"
	"tradepulse/internal/chat"
	"tradepulse/internal/pipeline"
	"tradepulse/internal/task"
)

var (
	tickerPattern = regexp.MustCompile(`\b(\d{6})(?:\.(?:SH|SZ))?\b`)
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// ReportResponder answers chat questions from archived analysis runs.
// It resolves the ticker and trade date from the question or the
// conversation history, loads the matching reports and composes an
// answer, streaming thinking and tool events while it works.
type ReportResponder struct {
	archive *artifact.Archive
	logger  *slog.Logger
}

// NewReportResponder creates a responder backed by the given archive
func NewReportResponder(archive *artifact.Archive, logger *slog.Logger) *ReportResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportResponder{
		archive: archive,
		logger:  logger.With(slog.String("service", "chat")),
	}
}

// Respond implements chat.Responder
func (r *ReportResponder) Respond(ctx context.Context, history []chat.Turn, question string, emit chat.Emitter) (string, error) {
	if err := emit(chat.Event{Type: chat.EventThinking, Content: "Identifying the stock and trade date for your question."}); err != nil {
		return "", err
	}

	ref, err := r.resolveRun(question, history)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return "I could not find any completed analysis to answer from. Run an analysis first, or mention a six-digit ticker in your question.", nil
	}

	if err := emit(chat.Event{Type: chat.EventTool, Tool: "load_reports", Content: fmt.Sprintf("%s %s", ref.Ticker, ref.Date)}); err != nil {
		return "", err
	}

	run, err := r.archive.LoadRun(ref.Ticker, ref.Date)
	if err != nil {
		if errors.Is(err, artifact.ErrRunNotFound) {
			return fmt.Sprintf("No archived analysis exists for %s on %s.%s", ref.Ticker, ref.Date, r.suggestRuns()), nil
		}
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := emit(chat.Event{Type: chat.EventThinking,
		Content: fmt.Sprintf("Loaded %d report sections, composing the answer.", len(run.Reports))}); err != nil {
		return "", err
	}

	return composeAnswer(run, question), nil
}

// resolveRun picks the archived run the question refers to. Explicit
// mentions in the question win, then the most recent mention in the
// history, then the newest archived run overall.
func (r *ReportResponder) resolveRun(question string, history []chat.Turn) (*artifact.RunRef, error) {
	ticker := firstTicker(question)
	date := datePattern.FindString(question)

	for i := len(history) - 1; i >= 0 && (ticker == "" || date == ""); i-- {
		if ticker == "" {
			ticker = firstTicker(history[i].Content)
		}
		if date == "" {
			date = datePattern.FindString(history[i].Content)
		}
	}

	runs, err := r.archive.ListRuns()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	var candidates []artifact.RunRef
	for _, run := range runs {
		if ticker != "" && run.Ticker != ticker {
			continue
		}
		if date != "" && run.Date != date {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		if ticker == "" && date == "" {
			return nil, nil
		}
		// Keep the mentioned identity so the caller can say exactly
		// what was missing
		ref := artifact.RunRef{Ticker: ticker, Date: date}
		if ref.Ticker == "" {
			ref.Ticker = runs[0].Ticker
		}
		if ref.Date == "" {
			ref.Date = "any date"
		}
		return &ref, nil
	}

	// ListRuns orders dates newest first per ticker, so the first
	// candidate is the most recent match
	return &candidates[0], nil
}

func firstTicker(s string) string {
	m := tickerPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	normalized, err := task.NormalizeTicker(m[1])
	if err != nil {
		return ""
	}
	return normalized
}

func (r *ReportResponder) suggestRuns() string {
	runs, err := r.archive.ListRuns()
	if err != nil || len(runs) == 0 {
		return ""
	}
	limit := len(runs)
	if limit > 5 {
		limit = 5
	}
	parts := make([]string, 0, limit)
	for _, run := range runs[:limit] {
		parts = append(parts, fmt.Sprintf("%s (%s)", run.Ticker, run.Date))
	}
	return " Available runs: " + strings.Join(parts, ", ") + "."
}

// sectionTopics routes question keywords to the report section most
// likely to hold the answer
var sectionTopics = []struct {
	section  string
	keywords []string
}{
	{pipeline.StepRiskManager, []string{"risk", "stop", "position", "size", "decision", "buy", "sell", "hold"}},
	{pipeline.StepFundamentalsAnalyst, []string{"fundamental", "valuation", "earnings", "revenue", "pe", "margin"}},
	{pipeline.StepNewsAnalyst, []string{"news", "headline", "announcement"}},
	{pipeline.StepSocialAnalyst, []string{"sentiment", "social", "retail"}},
	{pipeline.StepMarketAnalyst, []string{"technical", "indicator", "rsi", "macd", "price", "momentum"}},
	{pipeline.StepResearchManager, []string{"plan", "recommendation", "thesis", "debate"}},
}

func composeAnswer(run *artifact.Run, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis for %s on %s", run.Ref.Ticker, run.Ref.Date)
	if run.Summary != nil {
		fmt.Fprintf(&b, " finished with status %q across %d completed steps", run.Summary.Status, len(run.Summary.CompletedSteps))
	}
	b.WriteString(".\n\n")

	lower := strings.ToLower(question)
	matched := false
	for _, topic := range sectionTopics {
		content, ok := run.Reports[topic.section]
		if !ok {
			continue
		}
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				b.WriteString(excerpt(content))
				b.WriteString("\n")
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	if !matched {
		if content, ok := run.Reports[pipeline.StepConsolidation]; ok {
			b.WriteString(excerpt(content))
			b.WriteString("\n")
		} else {
			kinds := make([]string, 0, len(run.Reports))
			for k := range run.Reports {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			fmt.Fprintf(&b, "Available sections: %s.\n", strings.Join(kinds, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// excerpt trims a report to its leading lines so answers stay readable
func excerpt(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 12 {
		lines = lines[:12]
	}
	return strings.Join(lines, "\n")
}
