// Package research assembles a research agent and its collaborators from
// configuration. The CLI and the worker both build sessions through it.
package research

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

// BackendFactory opens a model backend for one session.
type BackendFactory func(cfg llm.Config) (llm.Backend, error)

type Factory struct {
	cfg        config.Config
	logger     *zap.Logger
	client     *http.Client
	newBackend BackendFactory
	searcher   web.Searcher
	crawler    web.Crawler
}

type Option func(*Factory)

func WithBackendFactory(fn BackendFactory) Option {
	return func(f *Factory) {
		if fn != nil {
			f.newBackend = fn
		}
	}
}

// WithHTTPClient shares client between the fetcher and the searchers.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) {
		if client != nil {
			f.client = client
		}
	}
}

// WithSearcher replaces the DuckDuckGo/Startpage pair.
func WithSearcher(searcher web.Searcher) Option {
	return func(f *Factory) {
		f.searcher = searcher
	}
}

// WithCrawler replaces the site crawler built over the fetcher.
func WithCrawler(crawler web.Crawler) Option {
	return func(f *Factory) {
		f.crawler = crawler
	}
}

func NewFactory(cfg config.Config, logger *zap.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		cfg:        cfg,
		logger:     logger,
		client:     &http.Client{},
		newBackend: llm.NewBackend,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Factory) AgentConfig(verbose bool) agent.Config {
	cfg := agent.DefaultConfig()
	cfg.MaxLoops = f.cfg.AgentMaxLoops
	cfg.MinSupportSources = f.cfg.AgentMinSupportSources
	cfg.ActionLimit = f.cfg.AgentActionLimit
	cfg.AutoOpenTopK = f.cfg.AgentAutoOpenTopK
	cfg.FetchWorkers = f.cfg.AgentFetchWorkers
	cfg.MaxHistoryChars = f.cfg.AgentMaxHistoryChars
	cfg.CrawlMaxPages = f.cfg.AgentCrawlMaxPages
	cfg.TurnPause = f.cfg.AgentTurnPause
	cfg.SummaryVotes = f.cfg.AgentSummaryVotes
	cfg.Verbose = verbose
	return cfg
}

func (f *Factory) LLMConfig() llm.Config {
	return llm.Config{
		Provider:      f.cfg.LLMProvider,
		Model:         f.cfg.LLMModel,
		BaseURL:       f.cfg.LLMBaseURL,
		APIKey:        f.cfg.OpenAIAPIKey,
		ContextWindow: f.cfg.LLMContextWindow,
		Timeout:       f.cfg.LLMTimeout,
	}
}

// Searcher queries DuckDuckGo and falls back to Startpage when it errors.
func (f *Factory) Searcher() web.Searcher {
	if f.searcher != nil {
		return f.searcher
	}
	return web.FallbackSearcher{
		Primary:   web.NewDuckDuckGoSearcher(web.SearchConfig{BaseURL: f.cfg.SearchPrimaryURL, Client: f.client}),
		Secondary: web.NewStartpageSearcher(web.SearchConfig{BaseURL: f.cfg.SearchFallbackURL, Client: f.client}),
		Logger:    f.logger,
	}
}

func (f *Factory) Fetcher() *web.HTTPFetcher {
	return web.NewHTTPFetcher(web.FetcherConfig{
		Timeout:    f.cfg.FetchTimeout,
		Retries:    f.cfg.FetchRetries,
		RetryDelay: f.cfg.FetchRetryDelay,
		Client:     f.client,
		Logger:     f.logger,
	})
}

func (f *Factory) Crawler(getter web.PageGetter) web.Crawler {
	if f.crawler != nil {
		return f.crawler
	}
	return web.NewSiteCrawler(web.CrawlerConfig{
		Getter: getter,
		Delay:  f.cfg.CrawlDelay,
		Logger: f.logger,
	})
}

// Session is an agent bound to a freshly opened backend. Close releases the
// backend and must be called once the run ends.
type Session struct {
	*agent.Agent
	backend llm.Backend
}

func (s *Session) Close() error {
	return s.backend.Close()
}

// NewSession opens a backend and wires an agent around it.
func (f *Factory) NewSession(sink agent.EventSink, out io.Writer, verbose bool) (*Session, error) {
	backend, err := f.newBackend(f.LLMConfig())
	if err != nil {
		return nil, fmt.Errorf("open model backend: %w", err)
	}
	fetcher := f.Fetcher()
	a, err := agent.New(f.AgentConfig(verbose), agent.Dependencies{
		Backend:   backend,
		Searcher:  f.Searcher(),
		Fetcher:   fetcher,
		Crawler:   f.Crawler(fetcher),
		Extractor: web.NewHTMLExtractor(),
		Logger:    f.logger,
		Events:    sink,
		Output:    out,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &Session{Agent: a, backend: backend}, nil
}
