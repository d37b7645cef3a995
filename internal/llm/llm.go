package llm

import (
	"context"
	"strings"
	"time"
)

// GenerateOptions are the sampling parameters for a single completion.
type GenerateOptions struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	Stop          []string
}

// Backend is a session-scoped completion client. Callers own its lifetime
// and must call Close when the session ends.
type Backend interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Stream, error)
	Tokenize(ctx context.Context, text string) ([]int, error)
	ContextWindow(ctx context.Context) (int, error)
	Close() error
}

type Config struct {
	Provider      string
	Model         string
	BaseURL       string
	APIKey        string
	ContextWindow int
	Timeout       time.Duration
}

const (
	defaultContextWindow = 8192
	defaultTimeout       = 2 * time.Minute
	minBudget            = 64
)

func NewBackend(cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "llamacpp", "llama.cpp", "":
		return NewLlamaCppBackend(LlamaCppConfig{
			BaseURL:       cfg.BaseURL,
			ContextWindow: cfg.ContextWindow,
			Timeout:       cfg.Timeout,
		}), nil
	case "openai":
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			BaseURL:       cfg.BaseURL,
			ContextWindow: cfg.ContextWindow,
			Timeout:       cfg.Timeout,
		}), nil
	case "openrouter":
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			BaseURL:       defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			ContextWindow: cfg.ContextWindow,
			Timeout:       cfg.Timeout,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// Budget returns how many tokens a completion of prompt may generate: the
// context window minus the prompt and reserve, capped by hardCap when it is
// positive, and never below 64. When the backend cannot tokenize, the
// prompt size is estimated at four characters per token.
func Budget(ctx context.Context, backend Backend, prompt string, reserve int, hardCap int) int {
	window, err := backend.ContextWindow(ctx)
	if err != nil || window <= 0 {
		window = defaultContextWindow
	}
	used := len(prompt) / 4
	if tokens, err := backend.Tokenize(ctx, prompt); err == nil {
		used = len(tokens)
	}
	avail := window - used - reserve
	if hardCap > 0 && avail > hardCap {
		avail = hardCap
	}
	if avail < minBudget {
		return minBudget
	}
	return avail
}

// Complete drains a generation into a single trimmed string.
func Complete(ctx context.Context, backend Backend, prompt string, opts GenerateOptions) (string, error) {
	stream, err := backend.Generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	var out strings.Builder
	for {
		fragment, err := stream.Next()
		if err != nil {
			if isEOF(err) {
				break
			}
			return "", err
		}
		out.WriteString(fragment)
	}
	return strings.TrimSpace(out.String()), nil
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
