package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

const (
	parisURL  = "https://en.wikipedia.org/wiki/Paris"
	parisHTML = `<html><body><nav>Menu</nav><main><p>Paris is the capital of France. It lies on the Seine.</p></main></body></html>`
	decodeErr = "<decode-error>"
)

// scriptedBackend replays canned replies for turn prompts and a fixed text
// for summary prompts.
type scriptedBackend struct {
	mu             sync.Mutex
	replies        []string
	summary        string
	summaryErr     error
	prompts        []string
	summaryPrompts []string
	summaryOpts    []llm.GenerateOptions
	served         int
	closedEarly    int
	tokenize       func(string) ([]int, error)
	window         int
}

func (b *scriptedBackend) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var reply string
	isTurn := !strings.HasPrefix(prompt, "Write a concise answer")
	if !isTurn {
		b.summaryPrompts = append(b.summaryPrompts, prompt)
		b.summaryOpts = append(b.summaryOpts, opts)
		if b.summaryErr != nil {
			return nil, b.summaryErr
		}
		reply = b.summary
	} else {
		b.prompts = append(b.prompts, prompt)
		if len(b.replies) > 0 {
			reply = b.replies[0]
			b.replies = b.replies[1:]
		}
	}

	var fragments []string
	for _, f := range strings.SplitAfter(reply, "\n") {
		if f != "" {
			fragments = append(fragments, f)
		}
	}
	idx := 0
	finished := false
	return llm.NewStream(func() (string, error) {
		if reply == decodeErr {
			return "", errors.New("invalid utf-8 in token")
		}
		if idx >= len(fragments) {
			finished = true
			return "", io.EOF
		}
		idx++
		if isTurn {
			b.mu.Lock()
			b.served++
			b.mu.Unlock()
		}
		return fragments[idx-1], nil
	}, closer(func() error {
		if isTurn && !finished && idx < len(fragments) {
			b.mu.Lock()
			b.closedEarly++
			b.mu.Unlock()
		}
		return nil
	})), nil
}

func (b *scriptedBackend) Tokenize(ctx context.Context, text string) ([]int, error) {
	if b.tokenize != nil {
		return b.tokenize(text)
	}
	return nil, llm.ErrTokenizerUnavailable
}

func (b *scriptedBackend) ContextWindow(ctx context.Context) (int, error) {
	if b.window > 0 {
		return b.window, nil
	}
	return 8192, nil
}

func (b *scriptedBackend) Close() error { return nil }

type closer func() error

func (c closer) Close() error { return c() }

type fakeSearcher struct {
	hits    []web.SearchHit
	err     error
	queries []string
}

func (s *fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]web.SearchHit, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > maxResults {
		return s.hits[:maxResults], nil
	}
	return s.hits, nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	calls    map[string]int
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	body, ok := f.pages[url]
	if !ok {
		return "", errors.New("connection refused")
	}
	return body, nil
}

type fakeCrawler struct {
	pages map[string]string
	err   error
}

func (c fakeCrawler) Crawl(ctx context.Context, seed string, maxPages int) (map[string]string, error) {
	return c.pages, c.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ctx context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) ofType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	backend  *scriptedBackend
	searcher *fakeSearcher
	fetcher  *fakeFetcher
	sink     *recordingSink
	output   *bytes.Buffer
	agent    *Agent
}

func newFixture(t *testing.T, cfg Config, replies ...string) *fixture {
	t.Helper()
	f := &fixture{
		backend:  &scriptedBackend{replies: replies, summary: "Paris is the capital of France [1]."},
		searcher: &fakeSearcher{hits: []web.SearchHit{{Title: "Paris - Wikipedia", URL: parisURL, Snippet: "Capital of France."}}},
		fetcher:  newFakeFetcher(map[string]string{parisURL: parisHTML}),
		sink:     &recordingSink{},
		output:   &bytes.Buffer{},
	}
	agent, err := New(cfg, Dependencies{
		Backend:  f.backend,
		Searcher: f.searcher,
		Fetcher:  f.fetcher,
		Crawler:  fakeCrawler{},
		Events:   f.sink,
		Output:   f.output,
	})
	require.NoError(t, err)
	f.agent = agent
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TurnPause = 0
	cfg.AutoOpenTopK = 0
	return cfg
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	require.EqualError(t, err, "agent: backend is required")
	_, err = New(Config{}, Dependencies{Backend: &scriptedBackend{}})
	require.EqualError(t, err, "agent: searcher is required")
	_, err = New(Config{}, Dependencies{Backend: &scriptedBackend{}, Searcher: &fakeSearcher{}})
	require.EqualError(t, err, "agent: fetcher is required")
}

func TestRun_SearchOpenDoneAnswers(t *testing.T) {
	f := newFixture(t, testConfig(),
		"Thought: I should search first.\nAction: Search(\"capital of France\")\n",
		"Thought: Open the top hit.\nAction: Open(\""+parisURL+"\")\n",
		"Thought: That is enough.\nAction: Done!\n",
	)

	result, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.Equal(t, StatusAnswered, result.Status)
	require.Equal(t, 1, result.Loops)
	require.Equal(t, "Paris is the capital of France [1].", result.Answer)
	require.Len(t, result.Evidence, 1)
	require.Equal(t, parisURL, result.Evidence[0].URL)

	dispatched := f.sink.ofType(EventActionDispatched)
	require.Len(t, dispatched, 3)
	require.Equal(t, "search", dispatched[0].Payload["verb"])
	require.Equal(t, "open", dispatched[1].Payload["verb"])
	require.Equal(t, "done", dispatched[2].Payload["verb"])
	require.Len(t, f.sink.ofType(EventEvidenceRecorded), 1)
	require.Len(t, f.sink.ofType(EventRunAnswered), 1)

	require.Equal(t, []string{"capital of France"}, f.searcher.queries)
	require.Len(t, f.backend.summaryPrompts, 1)
	require.Contains(t, f.backend.summaryPrompts[0], "[1] "+parisURL+" — Paris is the capital of France.")

	out := f.output.String()
	require.Contains(t, out, "— FINAL ANSWER —\nParis is the capital of France [1].\n")
	require.Contains(t, out, "Sources:\n[1] "+parisURL+"\n")

	require.Contains(t, f.backend.prompts[1], "Observation: 1. Paris - Wikipedia\n   "+parisURL)
	require.Contains(t, f.backend.prompts[2], "Observation: Paris is the capital of France.\n")
}

func TestRun_DoneWithoutEvidenceIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 2
	f := newFixture(t, cfg,
		"Thought: I already know.\nAction: Done!\n",
		"Thought: Still sure.\nAction: Done!\n",
	)

	result, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, result.Status)
	require.Equal(t, 2, result.Loops)
	require.Len(t, f.backend.prompts, 2)
	require.Contains(t, f.backend.prompts[1], "Action: Done!\n\nObservation: Only 0 source(s); need 1.\n")

	observations := f.sink.ofType(EventObservationRecorded)
	require.Len(t, observations, 2)
	require.Equal(t, "Only 0 source(s); need 1.", observations[0].Payload["observation"])
	require.NotContains(t, f.output.String(), "FINAL ANSWER")
}

func TestRun_ExhaustionSummarizesEmptyEvidence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 2
	f := newFixture(t, cfg)
	f.backend.summary = "There is not enough evidence to answer."

	result, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, result.Status)
	require.Equal(t, "There is not enough evidence to answer.", result.Answer)
	require.Empty(t, result.Evidence)

	require.Len(t, f.backend.prompts, 2*cfg.ActionLimit)
	require.Len(t, f.sink.ofType(EventActionRejected), 2*cfg.ActionLimit)
	require.Len(t, f.backend.summaryPrompts, 1)
	require.Contains(t, f.backend.summaryPrompts[0], "Sources:\n(none)\n\nAnswer:")

	out := f.output.String()
	notice := strings.Index(out, "— MAX LOOPS REACHED —")
	summary := strings.Index(out, "There is not enough evidence to answer.")
	require.GreaterOrEqual(t, notice, 0)
	require.Greater(t, summary, notice)
}

func TestRun_ExhaustionAfterPartialEvidence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 1
	cfg.ActionLimit = 1
	f := newFixture(t, cfg, "Thought: open it.\nAction: Open(\""+parisURL+"\")\n")

	result, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, result.Status)
	require.Len(t, result.Evidence, 1)
	require.Contains(t, f.backend.summaryPrompts[0], "[1] "+parisURL)
}

func TestRun_MalformedReplyGetsCorrection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 1
	f := newFixture(t, cfg,
		"I think the answer is Paris.",
		decodeErr,
		"Thought: search.\nAction: Search(\"paris\")\n",
	)

	_, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(f.backend.prompts), 3)
	require.True(t, strings.HasSuffix(f.backend.prompts[1], formatCorrection))
	require.True(t, strings.HasSuffix(f.backend.prompts[2], formatCorrection+formatCorrection))
	require.Equal(t, []string{"paris"}, f.searcher.queries)
}

func TestRun_OnlyFirstActionRunsAndStreamStopsEarly(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoops = 1
	cfg.ActionLimit = 1
	other := "https://other.example"
	f := newFixture(t, cfg,
		"Thought: two steps.\nAction: Search(\"paris\")\nAction: Open(\""+other+"\")\nMore reasoning after the actions.\n",
	)

	_, err := f.agent.Run(context.Background(), "capital of France")
	require.NoError(t, err)
	require.Equal(t, []string{"paris"}, f.searcher.queries)
	require.Zero(t, f.fetcher.calls[other])
	require.Equal(t, 1, f.backend.closedEarly)
	require.Equal(t, 2, f.backend.served)

	completed := f.sink.ofType(EventModelCompleted)
	require.Equal(t, "Thought: two steps.\nAction: Search(\"paris\")", completed[0].Payload["block"])
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.agent.Run(ctx, "capital of France")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_VerboseStreamsTokens(t *testing.T) {
	cfg := testConfig()
	cfg.Verbose = true
	cfg.MaxLoops = 1
	cfg.ActionLimit = 1
	f := newFixture(t, cfg, "Thought: go.\nAction: Search(\"paris\")\n")

	_, err := f.agent.Run(context.Background(), "q")
	require.NoError(t, err)
	out := f.output.String()
	require.Contains(t, out, "— LOOP 1 —")
	require.Contains(t, out, "Thought: go.\nAction: Search(\"paris\")\n")
}

func TestConsume_UsesGenerationParameters(t *testing.T) {
	var got llm.GenerateOptions
	backend := &optsBackend{
		scriptedBackend: &scriptedBackend{replies: []string{"Thought: x\nAction: Done!\n"}},
		capture:         func(o llm.GenerateOptions) { got = o },
	}
	agent, err := New(testConfig(), Dependencies{Backend: backend, Searcher: &fakeSearcher{}, Fetcher: newFakeFetcher(nil)})
	require.NoError(t, err)

	block := agent.newRun("q").consume(context.Background(), "prompt")
	require.Equal(t, "Thought: x\nAction: Done!", block)
	require.Equal(t, 0.32, got.Temperature)
	require.Equal(t, 0.8, got.TopP)
	require.Equal(t, 1.15, got.RepeatPenalty)
	require.Equal(t, []string{"Observation:"}, got.Stop)
	require.Equal(t, 8192-len("prompt")/4-400, got.MaxTokens)
}

type optsBackend struct {
	*scriptedBackend
	capture func(llm.GenerateOptions)
}

func (b *optsBackend) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.Stream, error) {
	b.capture(opts)
	return b.scriptedBackend.Generate(ctx, prompt, opts)
}

func TestConsume_MultipleLinesInOneFragment(t *testing.T) {
	backend := &fragmentBackend{fragments: []string{"Thought: a\nAction: Recall(go)\nAction: Done!\n", "ignored"}}
	agent, err := New(testConfig(), Dependencies{Backend: backend, Searcher: &fakeSearcher{}, Fetcher: newFakeFetcher(nil)})
	require.NoError(t, err)

	block := agent.newRun("q").consume(context.Background(), "prompt")
	require.Equal(t, "Thought: a\nAction: Recall(go)\nAction: Done!", block)
}

type fragmentBackend struct {
	scriptedBackend
	fragments []string
}

func (b *fragmentBackend) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.Stream, error) {
	idx := 0
	return llm.NewStream(func() (string, error) {
		if idx >= len(b.fragments) {
			return "", io.EOF
		}
		idx++
		return b.fragments[idx-1], nil
	}, nil), nil
}

func TestConsume_GenerateErrorIsEmpty(t *testing.T) {
	backend := &failingBackend{}
	agent, err := New(testConfig(), Dependencies{Backend: backend, Searcher: &fakeSearcher{}, Fetcher: newFakeFetcher(nil)})
	require.NoError(t, err)
	require.Empty(t, agent.newRun("q").consume(context.Background(), "prompt"))
}

type failingBackend struct {
	scriptedBackend
}

func (b *failingBackend) Generate(context.Context, string, llm.GenerateOptions) (*llm.Stream, error) {
	return nil, errors.New("connection refused")
}
