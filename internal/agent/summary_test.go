package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMajority(t *testing.T) {
	require.Equal(t, "a", majority([]string{"a"}))
	require.Equal(t, "a", majority([]string{"a", "b"}))
	require.Equal(t, "b", majority([]string{"a", "b", "b"}))
	require.Equal(t, "y", majority([]string{"x", "y", "y", "x"}))
}

func TestSummarize_VotesWithRisingTemperature(t *testing.T) {
	cfg := testConfig()
	cfg.SummaryVotes = 3
	f := newFixture(t, cfg)
	r := f.agent.newRun("capital of France")
	r.memory.AddEvidence(parisURL, "Paris is the capital of France.")

	require.Equal(t, "Paris is the capital of France [1].", r.summarize(context.Background()))
	require.Len(t, f.backend.summaryOpts, 3)
	for i, opts := range f.backend.summaryOpts {
		require.InDelta(t, 0.20+0.05*float64(i), opts.Temperature, 1e-9)
		require.Equal(t, summaryHardCap, opts.MaxTokens)
	}
}

func TestSummarize_FallbackWhenGenerationFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.backend.summaryErr = errors.New("model offline")

	r := f.agent.newRun("q")
	require.Equal(t, "Not enough evidence was gathered to answer the question.", r.summarize(context.Background()))

	r.memory.AddEvidence(parisURL, "Paris is the capital of France.")
	answer := r.summarize(context.Background())
	require.True(t, strings.HasPrefix(answer, "The model could not write a summary."))
	require.Contains(t, answer, "[1] "+parisURL+" — Paris is the capital of France.")
}

func TestSummaryPrompt(t *testing.T) {
	prompt := summaryPrompt("q", nil)
	require.Contains(t, prompt, "Question:\nq\n")
	require.True(t, strings.HasSuffix(prompt, "Sources:\n(none)\n\nAnswer:"))
}

func TestSystemPrompt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSupportSources = 2
	prompt := systemPrompt("who wrote Dune", cfg)
	require.Contains(t, prompt, `User question: "who wrote Dune"`)
	require.Contains(t, prompt, "at least 2 distinct URLs")
}
