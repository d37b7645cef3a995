// Package action parses the tool calls a model writes into its reply.
//
// A reply block looks like
//
//	Thought: I should look this up.
//	Action: Search("capital of France")
//
// Only lines whose trimmed form starts with "Action:" are considered.
package action

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
)

type Verb string

const (
	Search Verb = "search"
	Open   Verb = "open"
	Find   Verb = "find"
	Crawl  Verb = "crawl"
	Recall Verb = "recall"
	Done   Verb = "done"
)

const (
	linePrefix    = "Action:"
	thoughtPrefix = "Thought:"
)

var supported = map[Verb]struct{}{
	Search: {},
	Open:   {},
	Find:   {},
	Crawl:  {},
	Recall: {},
	Done:   {},
}

// Action is one decoded tool call. Done carries no argument.
type Action struct {
	Verb Verb
	Arg  string
}

func (a Action) IsDone() bool {
	return a.Verb == Done
}

func (a Action) String() string {
	if a.IsDone() {
		return "Done!"
	}
	name := string(a.Verb)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + "(" + a.Arg + ")"
}

// Supported reports whether verb is part of the tool vocabulary.
func Supported(verb Verb) bool {
	_, ok := supported[verb]
	return ok
}

type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// ParseLine decodes a single line. The boolean is false for anything that is
// not a complete action, including actions naming an unknown verb, which are
// logged as a warning.
func (p *Parser) ParseLine(line string) (Action, bool) {
	return p.parseLine(line, true)
}

// IsAction reports whether line is a complete action without logging. It is
// meant for probing partial output while a reply is still streaming.
func (p *Parser) IsAction(line string) bool {
	_, ok := p.parseLine(line, false)
	return ok
}

func (p *Parser) parseLine(line string, warn bool) (Action, bool) {
	s := newScanner(strings.TrimSpace(line))
	if !s.literalFold(linePrefix) {
		return Action{}, false
	}
	s.skipSpace()
	verb := s.word()
	if verb == "" {
		return Action{}, false
	}
	lowered := Verb(strings.ToLower(verb))

	// Done only takes the bang form.
	if lowered == Done {
		s.skipSpace()
		if !s.literal("!") {
			return Action{}, false
		}
		s.skipSpace()
		if !s.eof() {
			return Action{}, false
		}
		return Action{Verb: Done}, true
	}

	s.skipSpace()
	if !s.literal("(") {
		return Action{}, false
	}
	arg, ok := s.argument()
	if !ok {
		return Action{}, false
	}
	if !Supported(lowered) {
		if warn {
			p.logger.Warn("unsupported action verb", zap.String("verb", verb), zap.String("line", line))
		}
		return Action{}, false
	}
	return Action{Verb: lowered, Arg: arg}, true
}

// Extract returns at most limit actions from block in order, stopping after
// the first Done.
func (p *Parser) Extract(block string, limit int) []Action {
	return p.extract(block, limit, true)
}

func (p *Parser) extract(block string, limit int, warn bool) []Action {
	if limit <= 0 {
		return nil
	}
	var out []Action
	for _, raw := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(raw)
		if !hasPrefixFold(trimmed, linePrefix) {
			continue
		}
		act, ok := p.parseLine(trimmed, warn)
		if !ok {
			continue
		}
		out = append(out, act)
		if len(out) >= limit || act.IsDone() {
			break
		}
	}
	return out
}

// IsValidFormat reports whether block opens with a Thought and carries at
// least one action.
func (p *Parser) IsValidFormat(block string, limit int) bool {
	_, ok := p.Parse(block, limit)
	return ok
}

// Parse validates block and extracts its actions in one pass, so each
// unsupported verb is reported once. ok is false when block does not open with
// a Thought or carries no action.
func (p *Parser) Parse(block string, limit int) ([]Action, bool) {
	if !strings.HasPrefix(strings.TrimLeftFunc(block, unicode.IsSpace), thoughtPrefix) {
		return nil, false
	}
	actions := p.extract(block, limit, true)
	return actions, len(actions) > 0
}

type scanner struct {
	src []rune
	pos int
}

func newScanner(src string) *scanner {
	return &scanner{src: []rune(src)}
}

func (s *scanner) eof() bool {
	return s.pos >= len(s.src)
}

func (s *scanner) peek(r rune) bool {
	return !s.eof() && s.src[s.pos] == r
}

func (s *scanner) literal(lit string) bool {
	runes := []rune(lit)
	if len(s.src)-s.pos < len(runes) {
		return false
	}
	for i, r := range runes {
		if s.src[s.pos+i] != r {
			return false
		}
	}
	s.pos += len(runes)
	return true
}

func (s *scanner) literalFold(lit string) bool {
	runes := []rune(lit)
	if len(s.src)-s.pos < len(runes) {
		return false
	}
	if !strings.EqualFold(string(s.src[s.pos:s.pos+len(runes)]), lit) {
		return false
	}
	s.pos += len(runes)
	return true
}

func (s *scanner) skipSpace() {
	for !s.eof() && unicode.IsSpace(s.src[s.pos]) {
		s.pos++
	}
}

func (s *scanner) word() string {
	start := s.pos
	for !s.eof() {
		r := s.src[s.pos]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		s.pos++
	}
	return string(s.src[start:s.pos])
}

// argument consumes everything up to the closing parenthesis that ends the
// line, dropping an optional leading and trailing quote.
func (s *scanner) argument() (string, bool) {
	rest := strings.TrimRightFunc(string(s.src[s.pos:]), unicode.IsSpace)
	if !strings.HasSuffix(rest, ")") {
		return "", false
	}
	s.pos = len(s.src)
	inner := strings.TrimSpace(strings.TrimSuffix(rest, ")"))
	inner = unquote(inner)
	return strings.TrimSpace(inner), true
}

func hasPrefixFold(value, prefix string) bool {
	return len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix)
}

func unquote(value string) string {
	if value == "" {
		return value
	}
	if value[0] == '"' || value[0] == '\'' {
		value = value[1:]
	}
	if value != "" {
		last := value[len(value)-1]
		if last == '"' || last == '\'' {
			value = value[:len(value)-1]
		}
	}
	return value
}
