package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepulse/internal/pipeline"
)

func testPipelineTask() pipeline.Task {
	return pipeline.Task{
		ID:            "t1",
		Ticker:        "600519",
		Symbol:        "600519.SH",
		TradeDate:     "2026-08-28",
		ResearchDepth: 1,
	}
}

func TestBuildExecutorsCoverDefaultTemplate(t *testing.T) {
	tpl, err := pipeline.DefaultTemplate(pipeline.DefaultAnalysts())
	require.NoError(t, err)

	execs := BuildExecutors()
	for _, team := range tpl.Teams {
		for _, step := range team.Steps {
			assert.Contains(t, execs, step.Key, "no executor for step %s", step.Key)
		}
	}
}

func TestExecutorsAreDeterministic(t *testing.T) {
	execs := BuildExecutors()
	tk := testPipelineTask()

	first, err := execs[pipeline.StepMarketAnalyst].Execute(context.Background(), tk, nil)
	require.NoError(t, err)
	second, err := execs[pipeline.StepMarketAnalyst].Execute(context.Background(), tk, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "600519.SH")
	assert.Contains(t, first, "2026-08-28")
}

func TestResearchManagerCitesDebate(t *testing.T) {
	execs := BuildExecutors()
	inputs := map[string]string{
		pipeline.StepBullResearcher: "bull",
		pipeline.StepBearResearcher: "bear",
	}

	out, err := execs[pipeline.StepResearchManager].Execute(context.Background(), testPipelineTask(), inputs)
	require.NoError(t, err)
	assert.Contains(t, out, "bull case")
	assert.Contains(t, out, "bear case")
	assert.Regexp(t, `\*\*(BUY|HOLD|SELL)\*\*`, out)
}

func TestConsolidationListsSections(t *testing.T) {
	execs := BuildExecutors()
	inputs := map[string]string{
		pipeline.StepMarketAnalyst: "m",
		pipeline.StepRiskManager:   "r",
	}

	out, err := execs[pipeline.StepConsolidation].Execute(context.Background(), testPipelineTask(), inputs)
	require.NoError(t, err)
	assert.Contains(t, out, "- "+pipeline.StepMarketAnalyst)
	assert.Contains(t, out, "- "+pipeline.StepRiskManager)
}

func TestExecutorHonoursCancelledContext(t *testing.T) {
	execs := BuildExecutors()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := execs[pipeline.StepNewsAnalyst].Execute(ctx, testPipelineTask(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
