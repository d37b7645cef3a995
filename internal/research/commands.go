package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

// Warm crawls site into a fresh session memory and returns how many pages
// it holds. A crawl error still reports the pages gathered before it.
func (f *Factory) Warm(ctx context.Context, site string, maxPages int) (int, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		return 0, fmt.Errorf("site required")
	}
	fetcher := f.Fetcher()
	memory := session.New(fetcher, web.NewHTMLExtractor(), f.logger)
	pages, err := f.Crawler(fetcher).Crawl(ctx, site, maxPages)
	for url, text := range pages {
		memory.IngestText(url, text)
	}
	if err != nil {
		f.logger.Warn("crawl stopped early", zap.String("site", site), zap.Int("pages", len(pages)), zap.Error(err))
	}
	return memory.PageCount(), err
}

// CheckReport describes the model backend a session would use.
type CheckReport struct {
	Provider      string
	ContextWindow int
	ProbeTokens   int
	// TokenizeErr is set when the backend cannot tokenize; sessions then
	// fall back to character estimates.
	TokenizeErr error
}

const checkProbe = "The quick brown fox jumps over the lazy dog."

// Check opens the configured backend, reads its context window and
// tokenizes a probe sentence.
func (f *Factory) Check(ctx context.Context) (CheckReport, error) {
	cfg := f.LLMConfig()
	backend, err := f.newBackend(cfg)
	if err != nil {
		return CheckReport{}, fmt.Errorf("open model backend: %w", err)
	}
	defer backend.Close()

	report := CheckReport{Provider: cfg.Provider}
	window, err := backend.ContextWindow(ctx)
	if err != nil {
		return report, fmt.Errorf("read context window: %w", err)
	}
	report.ContextWindow = window
	tokens, err := backend.Tokenize(ctx, checkProbe)
	if err != nil {
		report.TokenizeErr = err
		return report, nil
	}
	report.ProbeTokens = len(tokens)
	return report, nil
}
