package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"tradepulse/internal/pipeline"
)

// BuildExecutors returns the built-in executor for every pipeline step.
// The executors synthesize deterministic markdown reports from the task
// parameters and upstream step outputs, so the same ticker and trade
// date always produce the same analysis.
func BuildExecutors() pipeline.ExecutorSet {
	return pipeline.ExecutorSet{
		pipeline.StepMarketAnalyst:        section(marketReport),
		pipeline.StepSocialAnalyst:        section(socialReport),
		pipeline.StepNewsAnalyst:          section(newsReport),
		pipeline.StepFundamentalsAnalyst:  section(fundamentalsReport),
		pipeline.StepBullResearcher:       section(bullReport),
		pipeline.StepBearResearcher:       section(bearReport),
		pipeline.StepResearchManager:      section(investmentPlan),
		pipeline.StepRiskyAssessor:        section(riskyView),
		pipeline.StepConservativeAssessor: section(conservativeView),
		pipeline.StepNeutralAssessor:      section(neutralView),
		pipeline.StepRiskManager:          section(riskDecision),
		pipeline.StepConsolidation:        section(finalReport),
	}
}

type sectionFunc func(task pipeline.Task, inputs map[string]string) string

func section(fn sectionFunc) pipeline.Executor {
	return pipeline.ExecutorFunc(func(ctx context.Context, task pipeline.Task, inputs map[string]string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return fn(task, inputs), nil
	})
}

// seed derives a stable number from the run identity so indicator
// values stay consistent across steps and reruns
func seed(task pipeline.Task) uint64 {
	h := fnv.New64a()
	h.Write([]byte(task.Symbol))
	h.Write([]byte(task.TradeDate))
	return h.Sum64()
}

// metric maps the seed into [lo, hi] with two decimals of spread
func metric(task pipeline.Task, salt string, lo, hi float64) float64 {
	h := fnv.New64a()
	h.Write([]byte(salt))
	n := (seed(task) ^ h.Sum64()) % 10000
	return lo + (hi-lo)*float64(n)/10000
}

func stance(task pipeline.Task) string {
	switch seed(task) % 3 {
	case 0:
		return "BUY"
	case 1:
		return "HOLD"
	default:
		return "SELL"
	}
}

func header(title string, task pipeline.Task) string {
	return fmt.Sprintf("# %s: %s (%s)\n\n", title, task.Symbol, task.TradeDate)
}

func marketReport(task pipeline.Task, _ map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Market Analysis", task))
	b.WriteString("## Technical Indicators\n\n")
	b.WriteString(fmt.Sprintf("- Close: %.2f\n", metric(task, "close", 5, 120)))
	b.WriteString(fmt.Sprintf("- RSI(14): %.1f\n", metric(task, "rsi", 20, 80)))
	b.WriteString(fmt.Sprintf("- MACD: %.3f\n", metric(task, "macd", -2, 2)))
	b.WriteString(fmt.Sprintf("- 50d MA: %.2f\n", metric(task, "ma50", 5, 120)))
	b.WriteString(fmt.Sprintf("- Volume ratio: %.2fx 20d average\n\n", metric(task, "vol", 0.4, 3)))
	if metric(task, "rsi", 20, 80) > 65 {
		b.WriteString("Momentum is stretched; the stock trades in overbought territory and a consolidation phase is likely before the next leg.\n")
	} else {
		b.WriteString("Momentum remains constructive with room before overbought readings; trend-following entries are viable on pullbacks to the 50-day average.\n")
	}
	return b.String()
}

func socialReport(task pipeline.Task, _ map[string]string) string {
	score := metric(task, "sentiment", -1, 1)
	var b strings.Builder
	b.WriteString(header("Social Sentiment", task))
	b.WriteString(fmt.Sprintf("Aggregate retail sentiment score: %+.2f on a [-1, 1] scale.\n\n", score))
	if score >= 0 {
		b.WriteString("Discussion volume skews positive, with retail boards focused on recent guidance and sector rotation into the name.\n")
	} else {
		b.WriteString("Discussion volume skews negative, dominated by concerns about margin pressure and recent insider selling chatter.\n")
	}
	return b.String()
}

func newsReport(task pipeline.Task, _ map[string]string) string {
	var b strings.Builder
	b.WriteString(header("News Analysis", task))
	b.WriteString(fmt.Sprintf("Reviewed coverage for %s in the week ending %s.\n\n", task.Symbol, task.TradeDate))
	b.WriteString("## Key Themes\n\n")
	b.WriteString("- Sector policy signals remain the dominant macro driver for the exchange.\n")
	b.WriteString(fmt.Sprintf("- Company-specific flow is %s, with no pending disclosure events on the calendar.\n",
		pick(task, "newsflow", "light", "moderate", "heavy")))
	b.WriteString("- No litigation or regulatory actions surfaced in the review window.\n")
	return b.String()
}

func fundamentalsReport(task pipeline.Task, _ map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Fundamentals", task))
	b.WriteString(fmt.Sprintf("- P/E (TTM): %.1f\n", metric(task, "pe", 6, 60)))
	b.WriteString(fmt.Sprintf("- P/B: %.2f\n", metric(task, "pb", 0.6, 9)))
	b.WriteString(fmt.Sprintf("- ROE: %.1f%%\n", metric(task, "roe", 2, 28)))
	b.WriteString(fmt.Sprintf("- Revenue growth YoY: %.1f%%\n", metric(task, "rev", -10, 40)))
	b.WriteString(fmt.Sprintf("- Net margin: %.1f%%\n\n", metric(task, "margin", 1, 30)))
	b.WriteString("Balance sheet leverage sits inside the sector's normal band and interest coverage is not a near-term concern.\n")
	return b.String()
}

func bullReport(task pipeline.Task, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Bull Case", task))
	b.WriteString("Arguments for a long position, built on the analyst findings:\n\n")
	for _, line := range citeAnalysts(inputs) {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString(fmt.Sprintf("\nUpside scenario targets %.0f%% appreciation over the next two quarters if sector flows persist.\n",
		metric(task, "upside", 8, 35)))
	return b.String()
}

func bearReport(task pipeline.Task, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Bear Case", task))
	b.WriteString("Arguments against a long position, built on the analyst findings:\n\n")
	for _, line := range citeAnalysts(inputs) {
		b.WriteString("- Countervailing read of: " + line + "\n")
	}
	b.WriteString(fmt.Sprintf("\nDownside scenario implies %.0f%% drawdown if the macro backdrop deteriorates.\n",
		metric(task, "downside", 5, 25)))
	return b.String()
}

func investmentPlan(task pipeline.Task, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Investment Plan", task))
	b.WriteString("## Debate Summary\n\n")
	if _, ok := inputs[pipeline.StepBullResearcher]; ok {
		b.WriteString("The bull case rests on momentum and sector flows.\n")
	}
	if _, ok := inputs[pipeline.StepBearResearcher]; ok {
		b.WriteString("The bear case rests on valuation and macro fragility.\n")
	}
	b.WriteString(fmt.Sprintf("\n## Recommendation\n\nInitial stance: **%s** with a position size of %.1f%% of portfolio.\n",
		stance(task), metric(task, "size", 1, 6)))
	return b.String()
}

func riskyView(task pipeline.Task, inputs map[string]string) string {
	return header("Aggressive Risk View", task) +
		planEcho(inputs) +
		fmt.Sprintf("An aggressive book can lever this stance up to %.1f%% with a wide %.0f%% stop.\n",
			metric(task, "agg_size", 4, 10), metric(task, "agg_stop", 12, 20))
}

func conservativeView(task pipeline.Task, inputs map[string]string) string {
	return header("Conservative Risk View", task) +
		planEcho(inputs) +
		fmt.Sprintf("A conservative book should cap exposure at %.1f%% with a tight %.0f%% stop and staged entries.\n",
			metric(task, "con_size", 0.5, 2), metric(task, "con_stop", 3, 7))
}

func neutralView(task pipeline.Task, inputs map[string]string) string {
	return header("Neutral Risk View", task) +
		planEcho(inputs) +
		fmt.Sprintf("A balanced book sizes this at %.1f%% with an %.0f%% stop, rebalancing monthly.\n",
			metric(task, "neu_size", 2, 4), metric(task, "neu_stop", 7, 12))
}

func riskDecision(task pipeline.Task, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Final Trade Decision", task))
	views := 0
	for _, key := range []string{pipeline.StepRiskyAssessor, pipeline.StepConservativeAssessor, pipeline.StepNeutralAssessor} {
		if _, ok := inputs[key]; ok {
			views++
		}
	}
	b.WriteString(fmt.Sprintf("Considered %d risk perspectives against the research manager's plan.\n\n", views))
	b.WriteString(fmt.Sprintf("Decision: **%s**. Position size %.1f%%, stop loss %.0f%%, review horizon one month.\n",
		stance(task), metric(task, "final_size", 1, 5), metric(task, "final_stop", 5, 15)))
	return b.String()
}

func finalReport(task pipeline.Task, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(header("Analysis Summary", task))
	b.WriteString(fmt.Sprintf("Decision: **%s**\n\n## Sections Produced\n\n", stance(task)))
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("- " + k + "\n")
	}
	return b.String()
}

// citeAnalysts turns whichever analyst sections ran into one-line
// citations, in a fixed order so researcher output is stable
func citeAnalysts(inputs map[string]string) []string {
	labels := []struct{ key, label string }{
		{pipeline.StepMarketAnalyst, "technical picture from the market analyst"},
		{pipeline.StepSocialAnalyst, "sentiment read from the social analyst"},
		{pipeline.StepNewsAnalyst, "news flow assessment"},
		{pipeline.StepFundamentalsAnalyst, "fundamental valuation work"},
	}
	var out []string
	for _, l := range labels {
		if _, ok := inputs[l.key]; ok {
			out = append(out, l.label)
		}
	}
	if len(out) == 0 {
		out = append(out, "prior market context only")
	}
	return out
}

func planEcho(inputs map[string]string) string {
	if _, ok := inputs[pipeline.StepResearchManager]; ok {
		return "Assessing the research manager's plan.\n\n"
	}
	return "No upstream plan available; assessing from raw analyst output.\n\n"
}

func pick(task pipeline.Task, salt string, options ...string) string {
	h := fnv.New64a()
	h.Write([]byte(salt))
	return options[(seed(task)^h.Sum64())%uint64(len(options))]
}
