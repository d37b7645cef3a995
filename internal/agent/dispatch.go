package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/action"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

const (
	findContext     = 120
	findMaxHits     = 3
	recallSnippet   = 160
	nothingOpen     = "Nothing open; use Open(url) first."
	nothingRecalled = "No relevant docs yet; crawl first?"
)

// dispatch executes act and returns its observation. The boolean reports an
// honored Done, in which case the observation is the final answer.
func (r *run) dispatch(ctx context.Context, act action.Action) (string, bool) {
	ctx, span := r.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(
		attribute.String("agent.verb", string(act.Verb)),
		attribute.Int("agent.loop", r.loop),
	))
	defer span.End()

	switch act.Verb {
	case action.Search:
		return r.search(ctx, span, act.Arg), false
	case action.Open:
		return r.memory.OpenOrFetch(ctx, act.Arg, r.query), false
	case action.Find:
		return r.find(act.Arg), false
	case action.Crawl:
		return r.crawl(ctx, span, act.Arg), false
	case action.Recall:
		return r.recall(ctx, act.Arg), false
	case action.Done:
		have := r.memory.EvidenceCount()
		if have < r.cfg.MinSupportSources {
			return fmt.Sprintf("Only %d source(s); need %d.", have, r.cfg.MinSupportSources), false
		}
		return r.summarize(ctx), true
	default:
		r.deps.Logger.Warn("unknown action", zap.String("verb", string(act.Verb)))
		return fmt.Sprintf("Unknown action \"%s\".", act.Verb), false
	}
}

type fetched struct {
	url string
	raw string
	err error
}

// search runs the query and auto-opens the top hits. Uncached hits are
// fetched concurrently by a bounded pool; the pool only reads the network
// and hands bodies back over a channel, and this goroutine alone updates
// memory once every fetch has finished.
func (r *run) search(ctx context.Context, span trace.Span, query string) string {
	hits, err := r.deps.Searcher.Search(ctx, query, r.cfg.SearchResults)
	if err != nil {
		r.deps.Logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		hits = nil
	}
	observation := web.FormatHits(hits)

	top := hits
	if len(top) > r.cfg.AutoOpenTopK {
		top = top[:r.cfg.AutoOpenTopK]
	}
	var ready, pending []string
	for _, hit := range top {
		if hit.URL == "" {
			continue
		}
		if r.memory.Cached(hit.URL) {
			ready = append(ready, hit.URL)
		} else {
			pending = append(pending, hit.URL)
		}
	}

	results := make(chan fetched, len(pending))
	var group errgroup.Group
	group.SetLimit(r.cfg.FetchWorkers)
	for _, url := range pending {
		group.Go(func() error {
			raw, err := r.memory.Fetch(ctx, url)
			results <- fetched{url: url, raw: raw, err: err}
			return nil
		})
	}
	_ = group.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			r.deps.Logger.Warn("auto-open fetch failed", zap.String("url", res.url), zap.Error(res.err))
		} else {
			r.memory.Ingest(res.url, res.raw)
		}
		ready = append(ready, res.url)
	}

	var b strings.Builder
	b.WriteString(observation)
	for _, url := range ready {
		snippet, ok := r.memory.Open(url, query)
		if !ok {
			snippet = session.FetchFailed(url)
		}
		fmt.Fprintf(&b, "\n\n[Auto-opened] %s\nSnippet: %s…", url, snippet)
	}
	return b.String()
}

func (r *run) find(keyword string) string {
	_, text, ok := r.memory.LastPage()
	if !ok {
		return nothingOpen
	}
	hits := web.FindChunks(text, keyword, findContext, findMaxHits)
	if len(hits) == 0 {
		return fmt.Sprintf("No occurrences of \"%s\".", keyword)
	}
	return strings.Join(hits, "…\n")
}

func (r *run) crawl(ctx context.Context, span trace.Span, site string) string {
	if r.deps.Crawler == nil {
		return fmt.Sprintf("Crawled 0 pages from %s", site)
	}
	pages, err := r.deps.Crawler.Crawl(ctx, site, r.cfg.CrawlMaxPages)
	if err != nil {
		r.deps.Logger.Warn("crawl interrupted", zap.String("site", site), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
	}
	for url, text := range pages {
		r.memory.IngestText(url, text)
	}
	return fmt.Sprintf("Crawled %d pages from %s", len(pages), site)
}

func (r *run) recall(ctx context.Context, query string) string {
	matches := r.memory.Recall(query, r.cfg.RecallResults)
	if len(matches) == 0 {
		return nothingRecalled
	}
	parts := make([]string, 0, len(matches))
	for _, match := range matches {
		snippet := r.memory.OpenOrFetch(ctx, match.ID, query)
		parts = append(parts, fmt.Sprintf("[%.2f] %s\n%s…", match.Score, match.ID, prefix(snippet, recallSnippet)))
	}
	return strings.Join(parts, "\n\n")
}

func prefix(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
