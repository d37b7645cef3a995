// Package session holds the per-run research memory: a page cache, the
// evidence list backing the final answer, the last opened page and the
// recall index.
package session

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/vectorstore"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

const (
	EvidenceSnippetChars = 200
	LeadChars            = 400
	relevantSentences    = 4
)

type Evidence struct {
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type page struct {
	raw  string
	text string
}

// Memory is owned by one research session and is not safe for concurrent
// mutation. Fetch only reads the network and may be called from any
// goroutine.
type Memory struct {
	pages     *cache.Cache
	index     *vectorstore.Store
	fetcher   web.Fetcher
	extractor web.Extractor
	logger    *zap.Logger

	evidence []Evidence
	lastURL  string
	lastText string
	hasPage  bool
}

func New(fetcher web.Fetcher, extractor web.Extractor, logger *zap.Logger) *Memory {
	if extractor == nil {
		extractor = web.NewHTMLExtractor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		pages:     cache.New(cache.NoExpiration, 0),
		index:     vectorstore.New(),
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger,
	}
}

// Cached reports whether url already has an entry.
func (m *Memory) Cached(url string) bool {
	_, ok := m.pages.Get(url)
	return ok
}

// Fetch downloads url without touching the memory.
func (m *Memory) Fetch(ctx context.Context, url string) (string, error) {
	if m.fetcher == nil {
		return "", fmt.Errorf("%w: no fetcher configured", web.ErrFetchFailed)
	}
	return m.fetcher.Fetch(ctx, url)
}

// Ingest caches raw markup for url and indexes its readable text. A url is
// stored at most once; later calls and empty bodies are ignored.
func (m *Memory) Ingest(url string, raw string) {
	m.store(url, page{raw: raw, text: m.extractor.Extract(raw)})
}

// IngestText caches already extracted text, as produced by the crawler.
func (m *Memory) IngestText(url string, text string) {
	m.store(url, page{raw: text, text: text})
}

func (m *Memory) store(url string, p page) {
	if p.raw == "" {
		return
	}
	if err := m.pages.Add(url, p, cache.NoExpiration); err != nil {
		return
	}
	if p.text != "" {
		m.index.Insert(url, p.text)
	}
}

// Open reads url from the cache, makes it the current page and records
// evidence. The returned snippet favours sentences mentioning query.
func (m *Memory) Open(url string, query string) (string, bool) {
	value, ok := m.pages.Get(url)
	if !ok {
		return "", false
	}
	p := value.(page)
	m.lastURL = url
	m.lastText = p.text
	m.hasPage = true

	snippet := ""
	if query != "" {
		snippet = web.RelevantSnippets(p.text, query, relevantSentences)
	}
	if snippet == "" {
		snippet = prefix(p.text, LeadChars)
	}
	m.AddEvidence(url, snippet)
	return snippet, true
}

// OpenOrFetch opens url from the cache, fetching and ingesting it first when
// needed. Failures come back as an observation, never as an error.
func (m *Memory) OpenOrFetch(ctx context.Context, url string, query string) string {
	if !m.Cached(url) {
		raw, err := m.Fetch(ctx, url)
		if err != nil {
			m.logger.Warn("open failed", zap.String("url", url), zap.Error(err))
			return FetchFailed(url)
		}
		m.Ingest(url, raw)
	}
	snippet, ok := m.Open(url, query)
	if !ok {
		return FetchFailed(url)
	}
	return snippet
}

func FetchFailed(url string) string {
	return "Failed to fetch " + url
}

func (m *Memory) AddEvidence(url string, snippet string) {
	m.evidence = append(m.evidence, Evidence{URL: url, Snippet: prefix(snippet, EvidenceSnippetChars)})
}

// Evidence returns a copy of the recorded evidence in insertion order.
func (m *Memory) Evidence() []Evidence {
	out := make([]Evidence, len(m.evidence))
	copy(out, m.evidence)
	return out
}

func (m *Memory) EvidenceCount() int {
	return len(m.evidence)
}

// LastPage returns the most recently opened page.
func (m *Memory) LastPage() (url string, text string, ok bool) {
	return m.lastURL, m.lastText, m.hasPage
}

func (m *Memory) Recall(query string, k int) []vectorstore.Match {
	return m.index.Query(query, k)
}

func (m *Memory) IndexedCount() int {
	return m.index.Len()
}

func (m *Memory) PageCount() int {
	return m.pages.ItemCount()
}

func prefix(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
