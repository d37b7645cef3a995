package web

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultCrawlPages = 40

// PageGetter fetches a page together with its content type.
type PageGetter interface {
	Get(ctx context.Context, url string) (Page, error)
}

type CrawlerConfig struct {
	Getter    PageGetter
	Delay     time.Duration
	MaxLength int
	Logger    *zap.Logger
}

// SiteCrawler walks a site breadth first, staying on the seed's host and
// keeping only HTML pages. Requests are spaced by Delay.
type SiteCrawler struct {
	getter    PageGetter
	limiter   *rate.Limiter
	maxLength int
	logger    *zap.Logger
}

func NewSiteCrawler(cfg CrawlerConfig) *SiteCrawler {
	delay := cfg.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultCrawlLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteCrawler{
		getter:    cfg.Getter,
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		maxLength: maxLength,
		logger:    logger,
	}
}

// Crawl returns url → plain text for at most maxPages pages. Unreachable or
// non-HTML pages are skipped. The frontier is bounded to three times
// maxPages.
func (c *SiteCrawler) Crawl(ctx context.Context, seed string, maxPages int) (map[string]string, error) {
	if maxPages <= 0 {
		maxPages = DefaultCrawlPages
	}
	seed = normalizeSeed(seed)
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, err
	}
	host := strings.ToLower(seedURL.Host)

	out := map[string]string{}
	seen := map[string]bool{}
	queue := []string{seed}

	for len(queue) > 0 && len(out) < maxPages {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true

		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}
		page, err := c.getter.Get(ctx, current)
		if err != nil {
			c.logger.Debug("crawl skip", zap.String("url", current), zap.Error(err))
			continue
		}
		if !page.IsHTML() {
			c.logger.Debug("crawl skip non-html", zap.String("url", current), zap.String("content_type", page.ContentType))
			continue
		}
		out[current] = PlainText(page.Body, c.maxLength)

		base, err := url.Parse(current)
		if err != nil {
			continue
		}
		for _, link := range Links(base, page.Body) {
			parsed, err := url.Parse(link)
			if err != nil || strings.ToLower(parsed.Host) != host {
				continue
			}
			if !seen[link] && len(seen)+len(queue) < maxPages*3 {
				queue = append(queue, link)
			}
		}
	}
	return out, nil
}

// normalizeSeed accepts bare hosts such as "example.com".
func normalizeSeed(seed string) string {
	seed = strings.TrimSpace(seed)
	if !strings.Contains(seed, "://") {
		seed = "https://" + seed
	}
	return seed
}
