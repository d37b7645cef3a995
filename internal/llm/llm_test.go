package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type fakeBackend struct {
	fragments   []string
	streamErr   error
	generateErr error
	tokens      int
	tokenizeErr error
	window      int
	windowErr   error
	closed      bool
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Stream, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	idx := 0
	return NewStream(func() (string, error) {
		if idx < len(f.fragments) {
			idx++
			return f.fragments[idx-1], nil
		}
		if f.streamErr != nil {
			return "", f.streamErr
		}
		return "", io.EOF
	}, nil), nil
}

func (f *fakeBackend) Tokenize(ctx context.Context, text string) ([]int, error) {
	if f.tokenizeErr != nil {
		return nil, f.tokenizeErr
	}
	return make([]int, f.tokens), nil
}

func (f *fakeBackend) ContextWindow(ctx context.Context) (int, error) {
	return f.window, f.windowErr
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestNewBackend_LlamaCppDefault(t *testing.T) {
	backend, err := NewBackend(Config{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	llama, ok := backend.(*LlamaCppBackend)
	if !ok {
		t.Fatalf("expected *LlamaCppBackend, got %T", backend)
	}
	if llama.baseURL != "http://localhost:8080" {
		t.Errorf("expected default baseURL, got %s", llama.baseURL)
	}
	if llama.timeout != defaultTimeout {
		t.Errorf("expected default timeout, got %s", llama.timeout)
	}
}

func TestNewBackend_OpenAI(t *testing.T) {
	backend, err := NewBackend(Config{Provider: "OpenAI", APIKey: "key", Model: "gpt-3.5-turbo-instruct"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAI, ok := backend.(*OpenAIBackend)
	if !ok {
		t.Fatalf("expected *OpenAIBackend, got %T", backend)
	}
	if openAI.window != defaultContextWindow {
		t.Errorf("expected default window, got %d", openAI.window)
	}
}

func TestNewBackend_OpenRouterDefaultURL(t *testing.T) {
	backend, err := NewBackend(Config{Provider: "openrouter", APIKey: "key", Model: "m"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := backend.(*OpenAIBackend).baseURL; got != "https://openrouter.ai/api/v1" {
		t.Errorf("expected openrouter baseURL, got %s", got)
	}
}

func TestNewBackend_Unsupported(t *testing.T) {
	backend, err := NewBackend(Config{Provider: "unsupported-provider"})
	if err == nil {
		t.Fatal("expected error for unsupported provider, got nil")
	}
	if backend != nil {
		t.Errorf("expected nil backend, got %T", backend)
	}
	errUnsupported, ok := err.(ErrUnsupportedProvider)
	if !ok {
		t.Fatalf("expected ErrUnsupportedProvider, got %T", err)
	}
	if errUnsupported.Provider != "unsupported-provider" {
		t.Errorf("expected provider name 'unsupported-provider', got %s", errUnsupported.Provider)
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		prompt  string
		reserve int
		hardCap int
		want    int
	}{
		{name: "window minus prompt and reserve", backend: &fakeBackend{window: 8192, tokens: 1000}, reserve: 400, want: 6792},
		{name: "hard cap", backend: &fakeBackend{window: 8192, tokens: 1000}, reserve: 256, hardCap: 2048, want: 2048},
		{name: "minimum", backend: &fakeBackend{window: 1024, tokens: 1000}, reserve: 400, want: 64},
		{name: "tokenizer fallback", backend: &fakeBackend{window: 1000, tokenizeErr: ErrTokenizerUnavailable}, prompt: strings.Repeat("a", 400), reserve: 100, want: 800},
		{name: "window fallback", backend: &fakeBackend{windowErr: errors.New("down"), tokens: 192}, reserve: 0, want: 8000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Budget(context.Background(), tt.backend, tt.prompt, tt.reserve, tt.hardCap)
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestComplete(t *testing.T) {
	backend := &fakeBackend{fragments: []string{"  Paris ", "is the capital.\n"}}
	got, err := Complete(context.Background(), backend, "prompt", GenerateOptions{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "Paris is the capital." {
		t.Fatalf("expected trimmed completion, got %q", got)
	}
}

func TestComplete_Errors(t *testing.T) {
	_, err := Complete(context.Background(), &fakeBackend{generateErr: errors.New("boom")}, "p", GenerateOptions{})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected generate error, got %v", err)
	}
	_, err = Complete(context.Background(), &fakeBackend{fragments: []string{"x"}, streamErr: errors.New("decode")}, "p", GenerateOptions{})
	if err == nil || err.Error() != "decode" {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestStream_CloseStopsIteration(t *testing.T) {
	closed := 0
	stream := NewStream(func() (string, error) { return "tok", nil }, closerFunc(func() error {
		closed++
		return nil
	}))
	if frag, err := stream.Next(); err != nil || frag != "tok" {
		t.Fatalf("expected first fragment, got %q %v", frag, err)
	}
	_ = stream.Close()
	_ = stream.Close()
	if closed != 1 {
		t.Fatalf("expected closer called once, got %d", closed)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func TestDefaultIfEmpty_WithValue(t *testing.T) {
	result := defaultIfEmpty("existing-value", "fallback")
	if result != "existing-value" {
		t.Errorf("expected 'existing-value', got %s", result)
	}
}

func TestDefaultIfEmpty_WithDefault(t *testing.T) {
	result := defaultIfEmpty("", "fallback")
	if result != "fallback" {
		t.Errorf("expected 'fallback', got %s", result)
	}
}
