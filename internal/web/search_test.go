package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const duckDuckGoFixture = `<html><body>
<div class="result results_links"><div class="links_main result__body">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FParis&rut=x">Paris - <b>Wikipedia</b></a></h2>
  <a class="result__snippet" href="#">Paris is the capital and largest city of France.</a>
</div></div>
<div class="result"><div class="result__body">
  <a class="result__a" href="https://duckduckgo.com/y.js?ad_provider=bing">Sponsored</a>
</div></div>
<div class="result"><div class="result__body">
  <a class="result__a" href="https://www.britannica.com/place/Paris">Paris | Britannica</a>
  <div class="result__snippet">Capital of France.</div>
</div></div>
<div class="result"><div class="result__body">
  <a class="result__a" href="https://www.britannica.com/place/Paris">Duplicate</a>
</div></div>
</body></html>`

const startpageFixture = `<html><body>
<div class="w-gl__result">
  <a class="w-gl__result-title" href="https://www.france.fr/paris">Visit Paris</a>
  <p class="w-gl__description">Official guide to the French capital.</p>
</div>
<div class="w-gl__result">
  <a class="w-gl__result-title" href="javascript:void(0)">Broken</a>
</div>
</body></html>`

func TestDuckDuckGoSearcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "capital of France" {
			t.Errorf("expected query param, got %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(duckDuckGoFixture))
	}))
	defer server.Close()

	searcher := NewDuckDuckGoSearcher(SearchConfig{BaseURL: server.URL + "/html/"})
	hits, err := searcher.Search(context.Background(), "capital of France", 8)
	require.NoError(t, err)
	require.Equal(t, []SearchHit{
		{Title: "Paris - Wikipedia", URL: "https://en.wikipedia.org/wiki/Paris", Snippet: "Paris is the capital and largest city of France."},
		{Title: "Paris | Britannica", URL: "https://www.britannica.com/place/Paris", Snippet: "Capital of France."},
	}, hits)

	limited, err := searcher.Search(context.Background(), "capital of France", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestStartpageSearcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "paris" {
			t.Errorf("expected query param, got %q", got)
		}
		_, _ = w.Write([]byte(startpageFixture))
	}))
	defer server.Close()

	hits, err := NewStartpageSearcher(SearchConfig{BaseURL: server.URL}).Search(context.Background(), "paris", 8)
	require.NoError(t, err)
	require.Equal(t, []SearchHit{{Title: "Visit Paris", URL: "https://www.france.fr/paris", Snippet: "Official guide to the French capital."}}, hits)
}

func TestSearcher_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewDuckDuckGoSearcher(SearchConfig{BaseURL: server.URL}).Search(context.Background(), "q", 8)
	require.EqualError(t, err, "duckduckgo search failed: 403 Forbidden")
}

type stubSearcher struct {
	hits  []SearchHit
	err   error
	calls int
}

func (s *stubSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	s.calls++
	return s.hits, s.err
}

func TestFallbackSearcher(t *testing.T) {
	primary := &stubSearcher{hits: []SearchHit{{URL: "https://a.example"}}}
	secondary := &stubSearcher{hits: []SearchHit{{URL: "https://b.example"}}}

	hits, err := FallbackSearcher{Primary: primary, Secondary: secondary}.Search(context.Background(), "q", 8)
	require.NoError(t, err)
	require.Equal(t, "https://a.example", hits[0].URL)
	require.Equal(t, 0, secondary.calls)

	primary.hits = nil
	hits, err = FallbackSearcher{Primary: primary, Secondary: secondary}.Search(context.Background(), "q", 8)
	require.NoError(t, err)
	require.Empty(t, hits)
	require.Equal(t, 0, secondary.calls)

	primary.err = errors.New("blocked")
	hits, err = FallbackSearcher{Primary: primary, Secondary: secondary}.Search(context.Background(), "q", 8)
	require.NoError(t, err)
	require.Equal(t, "https://b.example", hits[0].URL)
	require.Equal(t, 1, secondary.calls)
}

func TestFormatHits(t *testing.T) {
	require.Equal(t, "No results found.", FormatHits(nil))

	got := FormatHits([]SearchHit{
		{Title: "Paris", URL: "https://a.example", Snippet: "Capital."},
		{URL: "https://b.example"},
	})
	want := strings.Join([]string{
		"1. Paris",
		"   https://a.example",
		"   Capital.",
		"",
		"2. N/A",
		"   https://b.example",
		"   ",
		"",
	}, "\n")
	require.Equal(t, want, got)
}

func TestIsAdHost(t *testing.T) {
	require.True(t, isAdHost("ad.doubleclick.net"))
	require.True(t, isAdHost("DuckDuckGo.com"))
	require.True(t, isAdHost(""))
	require.False(t, isAdHost("en.wikipedia.org"))
	require.False(t, isAdHost("notbing.com"))
}
