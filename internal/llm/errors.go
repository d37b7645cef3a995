package llm

import (
	"errors"
	"fmt"
)

// ErrTokenizerUnavailable is returned by backends that cannot count tokens.
var ErrTokenizerUnavailable = errors.New("tokenizer unavailable for LLM backend")

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}
