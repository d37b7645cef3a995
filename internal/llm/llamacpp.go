package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LlamaCppConfig points at a llama.cpp HTTP server.
type LlamaCppConfig struct {
	BaseURL       string
	ContextWindow int
	Timeout       time.Duration
}

// LlamaCppBackend talks to the llama.cpp server endpoints /completion,
// /tokenize and /props.
type LlamaCppBackend struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	mu        sync.Mutex
	window    int
	windowErr error
}

func NewLlamaCppBackend(cfg LlamaCppConfig) *LlamaCppBackend {
	baseURL := defaultIfEmpty(cfg.BaseURL, "http://localhost:8080")
	return &LlamaCppBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: defaultDuration(cfg.Timeout, defaultTimeout),
		window:  cfg.ContextWindow,
	}
}

func (b *LlamaCppBackend) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Stream, error) {
	payload := map[string]any{
		"prompt":         prompt,
		"n_predict":      opts.MaxTokens,
		"temperature":    opts.Temperature,
		"top_p":          opts.TopP,
		"repeat_penalty": opts.RepeatPenalty,
		"stop":           opts.Stop,
		"stream":         true,
		"cache_prompt":   true,
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	resp, err := b.post(ctx, "/completion", payload)
	if err != nil {
		cancel()
		return nil, err
	}

	scanner := newSSEScanner(resp.Body)
	next := func() (string, error) {
		for scanner.Next() {
			var chunk struct {
				Content string `json:"content"`
				Stop    bool   `json:"stop"`
			}
			if err := json.Unmarshal([]byte(scanner.Data()), &chunk); err != nil {
				return "", fmt.Errorf("decode llama.cpp chunk: %w", err)
			}
			if chunk.Content == "" && chunk.Stop {
				return "", io.EOF
			}
			if chunk.Content != "" {
				return chunk.Content, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return NewStream(next, closerFunc(func() error {
		cancel()
		return resp.Body.Close()
	})), nil
}

func (b *LlamaCppBackend) Tokenize(ctx context.Context, text string) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := b.post(ctx, "/tokenize", map[string]any{"content": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Tokens, nil
}

// ContextWindow returns the configured window, or asks the server once. A
// failed lookup is remembered so later calls fail fast; only a cancelled
// caller context leaves it eligible for retry.
func (b *LlamaCppBackend) ContextWindow(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.window > 0 {
		return b.window, nil
	}
	if b.windowErr != nil {
		return 0, b.windowErr
	}

	window, err := b.fetchWindow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.windowErr = fmt.Errorf("context window lookup: %w", err)
			return 0, b.windowErr
		}
		return 0, err
	}
	b.window = window
	return b.window, nil
}

func (b *LlamaCppBackend) fetchWindow(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/props", nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("LLM request failed: %s", resp.Status)
	}
	var parsed struct {
		DefaultGenerationSettings struct {
			NCtx int `json:"n_ctx"`
		} `json:"default_generation_settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	if parsed.DefaultGenerationSettings.NCtx <= 0 {
		return 0, fmt.Errorf("llama.cpp server reported no context size")
	}
	return parsed.DefaultGenerationSettings.NCtx, nil
}

func (b *LlamaCppBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *LlamaCppBackend) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("LLM request failed: %s", resp.Status)
	}
	return resp, nil
}
