package agent

import "time"

// Config bounds a research session.
type Config struct {
	MaxLoops          int
	MinSupportSources int
	// ActionLimit is the per-turn ceiling on executed actions and on format
	// retries.
	ActionLimit     int
	AutoOpenTopK    int
	FetchWorkers    int
	MaxHistoryChars int
	CrawlMaxPages   int
	SearchResults   int
	RecallResults   int
	TurnPause       time.Duration
	// SummaryVotes > 1 samples several summaries and keeps the most common.
	SummaryVotes int
	Verbose      bool
}

func DefaultConfig() Config {
	return Config{
		MaxLoops:          4,
		MinSupportSources: 1,
		ActionLimit:       3,
		AutoOpenTopK:      1,
		FetchWorkers:      6,
		MaxHistoryChars:   12000,
		CrawlMaxPages:     40,
		SearchResults:     8,
		RecallResults:     5,
		TurnPause:         200 * time.Millisecond,
		SummaryVotes:      1,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLoops <= 0 {
		c.MaxLoops = d.MaxLoops
	}
	if c.MinSupportSources < 0 {
		c.MinSupportSources = d.MinSupportSources
	}
	if c.ActionLimit <= 0 {
		c.ActionLimit = d.ActionLimit
	}
	if c.AutoOpenTopK < 0 {
		c.AutoOpenTopK = d.AutoOpenTopK
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = d.FetchWorkers
	}
	if c.MaxHistoryChars <= 0 {
		c.MaxHistoryChars = d.MaxHistoryChars
	}
	if c.CrawlMaxPages <= 0 {
		c.CrawlMaxPages = d.CrawlMaxPages
	}
	if c.SearchResults <= 0 {
		c.SearchResults = d.SearchResults
	}
	if c.RecallResults <= 0 {
		c.RecallResults = d.RecallResults
	}
	if c.TurnPause < 0 {
		c.TurnPause = 0
	}
	if c.SummaryVotes <= 0 {
		c.SummaryVotes = d.SummaryVotes
	}
	return c
}
