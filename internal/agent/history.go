package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/llm"
)

const maxTrimPasses = 8

// TrimHistory keeps the most recent maxChars bytes of transcript, dropping
// the partial line at the cut so the result always starts at a line
// boundary. It returns "" when the retained suffix holds no line start.
func TrimHistory(transcript string, maxChars int) string {
	if maxChars <= 0 || len(transcript) <= maxChars {
		return transcript
	}
	cut := len(transcript) - maxChars
	if transcript[cut-1] == '\n' {
		return transcript[cut:]
	}
	suffix := transcript[cut:]
	idx := strings.IndexByte(suffix, '\n')
	if idx < 0 {
		return ""
	}
	return suffix[idx+1:]
}

// historyTrimmer applies the character budget and then, when the backend can
// count tokens, shrinks further until the transcript leaves reserve tokens
// of the context window free. Any tokenizer failure falls back to the
// character-trimmed result.
type historyTrimmer struct {
	backend  llm.Backend
	maxChars int
	reserve  int
	logger   *zap.Logger
}

func (t historyTrimmer) Trim(ctx context.Context, transcript string) string {
	out := TrimHistory(transcript, t.maxChars)
	window, err := t.backend.ContextWindow(ctx)
	if err != nil || window <= t.reserve {
		return out
	}
	limit := window - t.reserve
	for pass := 0; pass < maxTrimPasses; pass++ {
		tokens, err := t.backend.Tokenize(ctx, out)
		if err != nil {
			t.logger.Debug("tokenizer unavailable, using character budget", zap.Error(err))
			return out
		}
		if len(tokens) <= limit {
			return out
		}
		target := len(out) * limit / len(tokens) * 9 / 10
		if target <= 0 || target >= len(out) {
			target = len(out) / 2
		}
		out = TrimHistory(out, target)
	}
	return out
}
