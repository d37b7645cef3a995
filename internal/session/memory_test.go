package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	body, ok := f.pages[url]
	if !ok {
		return "", errors.New("not found")
	}
	return body, nil
}

const parisPage = `<html><body><nav>Menu</nav><main><p>Paris is the capital of France. It has many museums. The Seine flows through it.</p></main></body></html>`

func TestOpenOrFetch_FetchesOnceAndRecordsEvidence(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"https://paris.example": parisPage})
	mem := New(fetcher, web.NewHTMLExtractor(), nil)

	got := mem.OpenOrFetch(context.Background(), "https://paris.example", "capital")
	require.Equal(t, "Paris is the capital of France.", got)

	again := mem.OpenOrFetch(context.Background(), "https://paris.example", "museums seine")
	require.Equal(t, "It has many museums. • The Seine flows through it.", again)
	require.Equal(t, 1, fetcher.calls["https://paris.example"])

	evidence := mem.Evidence()
	require.Len(t, evidence, 2)
	require.Equal(t, "https://paris.example", evidence[0].URL)
	require.Equal(t, 2, mem.EvidenceCount())

	url, text, ok := mem.LastPage()
	require.True(t, ok)
	require.Equal(t, "https://paris.example", url)
	require.True(t, strings.HasPrefix(text, "Paris is the capital"))
	require.Equal(t, 1, mem.IndexedCount())
}

func TestOpenOrFetch_LeadSnippetWhenNothingMatches(t *testing.T) {
	long := "<p>" + strings.Repeat("x", 600) + "</p>"
	mem := New(newFakeFetcher(map[string]string{"https://long.example": long}), nil, nil)

	got := mem.OpenOrFetch(context.Background(), "https://long.example", "unrelated")
	require.Len(t, got, LeadChars)
	require.Len(t, mem.Evidence()[0].Snippet, EvidenceSnippetChars)

	noQuery := mem.OpenOrFetch(context.Background(), "https://long.example", "")
	require.Len(t, noQuery, LeadChars)
}

func TestOpenOrFetch_Failure(t *testing.T) {
	mem := New(newFakeFetcher(map[string]string{"https://empty.example": ""}), nil, nil)

	require.Equal(t, "Failed to fetch https://missing.example", mem.OpenOrFetch(context.Background(), "https://missing.example", "q"))
	require.Equal(t, "Failed to fetch https://empty.example", mem.OpenOrFetch(context.Background(), "https://empty.example", "q"))
	require.Zero(t, mem.EvidenceCount())
	require.False(t, mem.Cached("https://empty.example"))
	_, _, ok := mem.LastPage()
	require.False(t, ok)
}

func TestFetch_WithoutFetcher(t *testing.T) {
	mem := New(nil, nil, nil)
	_, err := mem.Fetch(context.Background(), "https://a.example")
	require.ErrorIs(t, err, web.ErrFetchFailed)
}

func TestIngest_AtMostOncePerURL(t *testing.T) {
	mem := New(nil, nil, nil)
	mem.Ingest("https://a.example", "<p>first version</p>")
	mem.Ingest("https://a.example", "<p>second version</p>")

	snippet, ok := mem.Open("https://a.example", "")
	require.True(t, ok)
	require.Equal(t, "first version", snippet)
	require.Equal(t, 1, mem.PageCount())
}

func TestIngestText_FeedsRecall(t *testing.T) {
	mem := New(nil, nil, nil)
	mem.IngestText("https://site.example/a", "golang concurrency patterns")
	mem.IngestText("https://site.example/b", "python packaging")
	mem.IngestText("https://site.example/c", "rust ownership")
	mem.IngestText("https://site.example/d", "")

	require.Equal(t, 3, mem.PageCount())
	matches := mem.Recall("concurrency in golang", 5)
	require.Len(t, matches, 3)
	require.Equal(t, "https://site.example/a", matches[0].ID)
	require.Greater(t, matches[0].Score, 0.0)

	snippet, ok := mem.Open("https://site.example/a", "concurrency")
	require.True(t, ok)
	require.Equal(t, "golang concurrency patterns", snippet)
}

func TestOpen_Uncached(t *testing.T) {
	mem := New(nil, nil, nil)
	_, ok := mem.Open("https://nowhere.example", "q")
	require.False(t, ok)
}

func TestEvidence_ReturnsCopy(t *testing.T) {
	mem := New(nil, nil, nil)
	mem.AddEvidence("https://a.example", "snippet")
	evidence := mem.Evidence()
	evidence[0].URL = "mutated"
	require.Equal(t, "https://a.example", mem.Evidence()[0].URL)
}

func TestEvidence_AppendsRepeatedOpens(t *testing.T) {
	mem := New(nil, nil, nil)
	mem.AddEvidence("https://a.example", "first")
	mem.AddEvidence("https://a.example", "second")

	require.Equal(t, 2, mem.EvidenceCount())
	require.Equal(t, "second", mem.Evidence()[1].Snippet)
}
