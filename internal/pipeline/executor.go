package pipeline

import "context"

// Task carries the inputs a step executor needs about the analysis run
type Task struct {
	ID            string `json:"id"`
	Ticker        string `json:"ticker"`
	Symbol        string `json:"symbol"`
	TradeDate     string `json:"trade_date"`
	ResearchDepth int    `json:"research_depth"`
}

// Executor produces the report section for one step. The inputs map
// holds the output of every step that finished before this one started,
// keyed by step key.
type Executor interface {
	Execute(ctx context.Context, task Task, inputs map[string]string) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, task Task, inputs map[string]string) (string, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, task Task, inputs map[string]string) (string, error) {
	return f(ctx, task, inputs)
}

// ExecutorSet maps step keys to their executors
type ExecutorSet map[string]Executor

// ArtifactSink receives completed step outputs. Put must reject a
// second write for the same (task, kind) pair.
type ArtifactSink interface {
	Put(ctx context.Context, task Task, kind, content string) error
}
