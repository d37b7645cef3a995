package llm

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		expected string
	}{
		{
			name:     "unsupported provider - codex",
			provider: "codex",
			expected: "unsupported LLM provider: codex",
		},
		{
			name:     "unsupported provider - empty",
			provider: "",
			expected: "unsupported LLM provider: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ErrUnsupportedProvider{Provider: tt.provider}
			if err.Error() != tt.expected {
				t.Errorf("expected error message '%s', got '%s'", tt.expected, err.Error())
			}
		})
	}
}

func TestErrUnsupportedProvider_As(t *testing.T) {
	var err error = ErrUnsupportedProvider{Provider: "test"}
	var target ErrUnsupportedProvider
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to match ErrUnsupportedProvider")
	}
	if target.Provider != "test" {
		t.Errorf("expected provider 'test', got %s", target.Provider)
	}
}

func TestErrTokenizerUnavailable_Wrapped(t *testing.T) {
	err := errors.Join(errors.New("context"), ErrTokenizerUnavailable)
	if !errors.Is(err, ErrTokenizerUnavailable) {
		t.Fatal("expected wrapped tokenizer error to match")
	}
}
