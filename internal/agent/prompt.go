package agent

import (
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/session"
)

func systemPrompt(query string, cfg Config) string {
	return fmt.Sprintf(`You are an AI web-research agent.

Tools you can call:
  - Action: Search("query")   search the web
  - Action: Open("url")       open a URL
  - Action: Find("keyword")   keyword search in the open page
  - Action: Crawl("site")     crawl that site and add its pages to memory
  - Action: Recall("query")   retrieve remembered pages similar to the query
  - Action: Done!             when you have enough evidence

Every turn, write exactly one Thought followed by at most %d Action lines:
  Thought: <reasoning>
  Action: <tool call>

Rules:
  1. Your first action MUST be Action: Search("query") (paraphrase allowed).
  2. After each Search, open one promising URL.
  3. Gather evidence from at least %d distinct URLs before Action: Done!
  4. Only the first Action of each reply is executed.

User question: "%s"
Begin.
`, cfg.ActionLimit, cfg.MinSupportSources, query)
}

func summaryPrompt(query string, evidence []session.Evidence) string {
	var sources strings.Builder
	if len(evidence) == 0 {
		sources.WriteString("(none)")
	}
	for i, ev := range evidence {
		if i > 0 {
			sources.WriteString("\n")
		}
		fmt.Fprintf(&sources, "[%d] %s — %s", i+1, ev.URL, ev.Snippet)
	}
	return fmt.Sprintf(`Write a concise answer (3-6 bullet points or a short paragraph).
Question:
%s

Sources:
%s

Answer:`, query, sources.String())
}

// fallbackAnswer is used when the summary generation itself fails.
func fallbackAnswer(evidence []session.Evidence) string {
	if len(evidence) == 0 {
		return "Not enough evidence was gathered to answer the question."
	}
	var b strings.Builder
	b.WriteString("The model could not write a summary. Evidence gathered:")
	for i, ev := range evidence {
		fmt.Fprintf(&b, "\n[%d] %s — %s", i+1, ev.URL, ev.Snippet)
	}
	return b.String()
}
