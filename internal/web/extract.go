package web

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultExtractLength = 3500
	DefaultCrawlLength   = 8000
)

var boilerplate = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Header: true,
	atom.Footer: true,
	atom.Nav:    true,
	atom.Aside:  true,
}

// HTMLExtractor reduces a page to its readable text.
type HTMLExtractor struct {
	MaxLength int
}

func NewHTMLExtractor() HTMLExtractor {
	return HTMLExtractor{MaxLength: DefaultExtractLength}
}

// Extract drops boilerplate elements, prefers the main content region
// (main, then article, then div[role=main]), collapses whitespace and
// truncates to MaxLength characters.
func (e HTMLExtractor) Extract(markup string) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return truncate(collapse(markup), e.MaxLength)
	}
	removeBoilerplate(doc)

	root := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Main })
	if root == nil {
		root = findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Article })
	}
	if root == nil {
		root = findFirst(doc, func(n *html.Node) bool {
			return n.DataAtom == atom.Div && attr(n, "role") == "main"
		})
	}
	if root == nil {
		root = findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if root == nil {
		root = doc
	}
	return truncate(collapse(textOf(root)), e.MaxLength)
}

// PlainText returns all visible text of a document, without scripts and
// styles, collapsed and truncated to maxLength characters.
func PlainText(markup string, maxLength int) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return truncate(collapse(markup), maxLength)
	}
	removeNodes(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Script || n.DataAtom == atom.Style
	})
	return truncate(collapse(textOf(doc)), maxLength)
}

// Links returns the absolute http(s) targets of every anchor in markup,
// without fragments.
func Links(base *url.URL, markup string) []string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil
	}
	var out []string
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.A {
			return
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		abs.RawFragment = ""
		out = append(out, abs.String())
	})
	return out
}

func removeBoilerplate(doc *html.Node) {
	removeNodes(doc, func(n *html.Node) bool { return boilerplate[n.DataAtom] })
}

func removeNodes(n *html.Node, match func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && match(c) {
			n.RemoveChild(c)
		} else {
			removeNodes(c, match)
		}
		c = next
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func textOf(n *html.Node) string {
	var parts []string
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.TextNode {
			if text := strings.TrimSpace(node.Data); text != "" {
				parts = append(parts, text)
			}
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(parts, " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// truncate cuts text to at most limit runes. A non-positive limit keeps
// everything.
func truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
