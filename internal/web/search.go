package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"
	DefaultStartpageURL  = "https://www.startpage.com/sp/search"
	searchTimeout        = 10 * time.Second
)

var adHosts = []string{
	"duckduckgo.com",
	"startpage.com",
	"doubleclick.net",
	"googleadservices.com",
	"googlesyndication.com",
	"bing.com",
}

type SearchConfig struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// htmlSearcher scrapes an HTML results page. parse pulls hits out of the
// parsed document.
type htmlSearcher struct {
	name    string
	baseURL string
	param   string
	client  *http.Client
	timeout time.Duration
	parse   func(doc *html.Node) []SearchHit
}

// NewDuckDuckGoSearcher scrapes the DuckDuckGo HTML endpoint.
func NewDuckDuckGoSearcher(cfg SearchConfig) Searcher {
	return newHTMLSearcher("duckduckgo", defaultString(cfg.BaseURL, DefaultDuckDuckGoURL), "q", cfg, parseDuckDuckGo)
}

// NewStartpageSearcher scrapes Startpage result listings.
func NewStartpageSearcher(cfg SearchConfig) Searcher {
	return newHTMLSearcher("startpage", defaultString(cfg.BaseURL, DefaultStartpageURL), "query", cfg, parseStartpage)
}

func newHTMLSearcher(name, baseURL, param string, cfg SearchConfig, parse func(*html.Node) []SearchHit) *htmlSearcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = searchTimeout
	}
	return &htmlSearcher{
		name:    name,
		baseURL: baseURL,
		param:   param,
		client:  client,
		timeout: timeout,
		parse:   parse,
	}
}

func (s *htmlSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	endpoint, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	values := endpoint.Query()
	values.Set(s.param, query)
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgents[0])
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s search failed: %s", s.name, resp.Status)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", s.name, err)
	}
	return cleanHits(s.parse(doc), maxResults), nil
}

func parseDuckDuckGo(doc *html.Node) []SearchHit {
	var hits []SearchHit
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.Div || !hasClass(n, "result__body") {
			return
		}
		link := findFirst(n, func(c *html.Node) bool { return c.DataAtom == atom.A && hasClass(c, "result__a") })
		if link == nil {
			return
		}
		hit := SearchHit{
			Title: collapse(textOf(link)),
			URL:   unwrapRedirect(attr(link, "href")),
		}
		if snippet := findFirst(n, func(c *html.Node) bool { return hasClass(c, "result__snippet") }); snippet != nil {
			hit.Snippet = collapse(textOf(snippet))
		}
		hits = append(hits, hit)
	})
	return hits
}

func parseStartpage(doc *html.Node) []SearchHit {
	var hits []SearchHit
	walk(doc, func(n *html.Node) {
		if !hasClass(n, "w-gl__result") {
			return
		}
		link := findFirst(n, func(c *html.Node) bool { return c.DataAtom == atom.A && hasClass(c, "w-gl__result-title") })
		if link == nil {
			return
		}
		hit := SearchHit{
			Title: collapse(textOf(link)),
			URL:   strings.TrimSpace(attr(link, "href")),
		}
		if desc := findFirst(n, func(c *html.Node) bool { return c.DataAtom == atom.P && hasClass(c, "w-gl__description") }); desc != nil {
			hit.Snippet = collapse(textOf(desc))
		}
		hits = append(hits, hit)
	})
	return hits
}

// unwrapRedirect resolves DuckDuckGo's /l/?uddg= redirect links.
func unwrapRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.Contains(parsed.Hostname(), "duckduckgo.com") {
		if target := strings.TrimSpace(parsed.Query().Get("uddg")); target != "" {
			return target
		}
	}
	return href
}

// cleanHits drops non-http links, ad and tracker hosts and duplicates.
func cleanHits(hits []SearchHit, maxResults int) []SearchHit {
	seen := map[string]bool{}
	out := make([]SearchHit, 0, len(hits))
	for _, hit := range hits {
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		parsed, err := url.Parse(hit.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			continue
		}
		if isAdHost(parsed.Hostname()) || seen[hit.URL] {
			continue
		}
		seen[hit.URL] = true
		out = append(out, hit)
	}
	return out
}

func isAdHost(host string) bool {
	normalized := strings.ToLower(strings.TrimSpace(host))
	if normalized == "" {
		return true
	}
	for _, candidate := range adHosts {
		if normalized == candidate || strings.HasSuffix(normalized, "."+candidate) {
			return true
		}
	}
	return false
}

// FallbackSearcher queries Secondary only when Primary returns an error.
type FallbackSearcher struct {
	Primary   Searcher
	Secondary Searcher
	Logger    *zap.Logger
}

func (f FallbackSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	hits, err := f.Primary.Search(ctx, query, maxResults)
	if err == nil || f.Secondary == nil {
		return hits, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary search failed, using fallback", zap.String("query", query), zap.Error(err))
	}
	return f.Secondary.Search(ctx, query, maxResults)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
