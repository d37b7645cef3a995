package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; arm64; Mac OS X 14_0) AppleWebKit/605.1.15 (KHTML, like Gecko)",
}

// ErrFetchFailed wraps every error returned by HTTPFetcher.Fetch.
var ErrFetchFailed = errors.New("fetch failed")

// Page is a fetched HTTP response body.
type Page struct {
	URL         string
	ContentType string
	Body        string
}

func (p Page) IsHTML() bool {
	ct := strings.ToLower(p.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

type FetcherConfig struct {
	Timeout time.Duration
	Retries int
	// RetryDelay is the first pause between attempts; later pauses double.
	RetryDelay time.Duration
	Client     *http.Client
	Logger     *zap.Logger
}

// HTTPFetcher performs GET requests with a per-attempt timeout and retries
// transient failures with backoff.
type HTTPFetcher struct {
	client     *http.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 1500 * time.Millisecond
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		client:     client,
		timeout:    timeout,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Fetch returns the body of url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	page, err := f.Get(ctx, url)
	if err != nil {
		return "", err
	}
	return page.Body, nil
}

// Get fetches url, retrying network errors, 429 and 5xx responses.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (Page, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	var page Page
	operation := func() error {
		attempt++
		f.logger.Debug("fetch", zap.String("url", url), zap.Int("attempt", attempt))
		result, err := f.getOnce(ctx, url)
		if err != nil {
			f.logger.Warn("fetch attempt failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		page = result
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.retries)), ctx))
	if err != nil {
		return Page{}, fmt.Errorf("%w: %s: %w", ErrFetchFailed, url, err)
	}
	return page, nil
}

func (f *HTTPFetcher) getOnce(ctx context.Context, url string) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", userAgents[rand.IntN(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		statusErr := fmt.Errorf("unexpected status: %s", resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Page{}, statusErr
		}
		return Page{}, backoff.Permanent(statusErr)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, err
	}
	return Page{
		URL:         resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}, nil
}
