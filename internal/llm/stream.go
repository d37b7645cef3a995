package llm

import (
	"errors"
	"io"
	"sync"
)

// Stream yields completion fragments until io.EOF. Close stops generation
// early and is safe to call more than once.
//
// Stream is not safe for concurrent use.
type Stream struct {
	next   func() (string, error)
	closer io.Closer

	once     sync.Once
	closeErr error
	done     bool
}

// NewStream wraps a provider iteration function. next returns io.EOF once
// the completion is finished; closer releases the underlying response.
func NewStream(next func() (string, error), closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	fragment, err := s.next()
	if err != nil {
		s.done = true
	}
	return fragment, err
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		s.done = true
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
