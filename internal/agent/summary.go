package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/llm"
)

// summarize writes the answer from the evidence held so far, which may be
// empty. With SummaryVotes > 1 the most frequent sample wins, earliest first
// on ties.
func (r *run) summarize(ctx context.Context) string {
	evidence := r.memory.Evidence()
	prompt := summaryPrompt(r.query, evidence)

	var samples []string
	for i := 0; i < r.cfg.SummaryVotes; i++ {
		opts := llm.GenerateOptions{
			MaxTokens:     llm.Budget(ctx, r.deps.Backend, prompt, summaryReserve, summaryHardCap),
			Temperature:   0.20 + 0.05*float64(i),
			TopP:          0.8,
			RepeatPenalty: 1.15,
			Stop:          []string{stopMarker},
		}
		text, err := llm.Complete(ctx, r.deps.Backend, prompt, opts)
		if err != nil {
			r.deps.Logger.Warn("summary generation failed", zap.Int("sample", i), zap.Error(err))
			continue
		}
		if text != "" {
			samples = append(samples, text)
		}
	}
	if len(samples) == 0 {
		return fallbackAnswer(evidence)
	}
	return majority(samples)
}

func majority(samples []string) string {
	counts := map[string]int{}
	best, bestCount := "", 0
	for _, s := range samples {
		counts[s]++
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}
	return best
}
