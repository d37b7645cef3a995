// Package web holds the network collaborators of a research session: search
// providers, the page fetcher, the HTML extractor and the site crawler.
package web

import (
	"context"
	"fmt"
	"strings"
)

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Crawler interface {
	Crawl(ctx context.Context, seed string, maxPages int) (map[string]string, error)
}

type Extractor interface {
	Extract(markup string) string
}

// FormatHits renders hits as a numbered list for the model.
func FormatHits(hits []SearchHit) string {
	if len(hits) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, orNA(hit.Title), orNA(hit.URL), hit.Snippet)
	}
	return b.String()
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "N/A"
	}
	return value
}
