package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	ContextWindow int
	Timeout       time.Duration
}

// OpenAIBackend streams from an OpenAI-compatible /completions endpoint.
// These servers expose no tokenizer, so Tokenize reports
// ErrTokenizerUnavailable and callers fall back to character budgets.
type OpenAIBackend struct {
	apiKey  string
	model   string
	baseURL string
	window  int
	client  *http.Client
	timeout time.Duration
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	return &OpenAIBackend{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		window:  window,
		client:  &http.Client{},
		timeout: defaultDuration(cfg.Timeout, defaultTimeout),
	}
}

func (p *OpenAIBackend) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Stream, error) {
	if p.apiKey == "" {
		return nil, errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return nil, errors.New("missing model for remote provider")
	}
	payload := map[string]any{
		"model":              p.model,
		"prompt":             prompt,
		"max_tokens":         opts.MaxTokens,
		"temperature":        opts.Temperature,
		"top_p":              opts.TopP,
		"repetition_penalty": opts.RepeatPenalty,
		"stream":             true,
	}
	if len(opts.Stop) > 0 {
		payload["stop"] = opts.Stop
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("LLM request failed: %s", resp.Status)
	}

	scanner := newSSEScanner(resp.Body)
	next := func() (string, error) {
		for scanner.Next() {
			data := strings.TrimSpace(scanner.Data())
			if data == "[DONE]" {
				return "", io.EOF
			}
			var chunk struct {
				Choices []struct {
					Text         string  `json:"text"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", fmt.Errorf("decode completion chunk: %w", err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Text; text != "" {
				return text, nil
			}
			if chunk.Choices[0].FinishReason != nil {
				return "", io.EOF
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

func (p *OpenAIBackend) Tokenize(context.Context, string) ([]int, error) {
	return nil, ErrTokenizerUnavailable
}

func (p *OpenAIBackend) ContextWindow(context.Context) (int, error) {
	return p.window, nil
}

func (p *OpenAIBackend) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
