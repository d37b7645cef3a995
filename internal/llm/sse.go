package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads the data payloads of a Server-Sent Events stream. Events
// end at a blank line; multiple data lines are joined with newlines. Comment
// lines and fields other than data are ignored.
type sseScanner struct {
	reader *bufio.Reader
	data   string
	err    error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) Next() bool {
	s.data = ""
	var lines []string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.data = strings.Join(lines, "\n")
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.data = strings.Join(lines, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			lines = append(lines, strings.TrimPrefix(value, " "))
			hasData = true
		}
		if err == io.EOF {
			if hasData {
				s.data = strings.Join(lines, "\n")
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}
	}
}

func (s *sseScanner) Data() string {
	return s.data
}

// Err returns nil after a clean end of stream.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
