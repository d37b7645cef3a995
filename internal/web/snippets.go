package web

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const snippetSeparator = " • "

// RelevantSnippets returns up to n sentences of text that mention any word of
// query, joined by " • ". It returns "" when nothing matches.
func RelevantSnippets(text string, query string, n int) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 || n <= 0 {
		return ""
	}
	var hits []string
	for _, sentence := range sentences(text) {
		lowered := strings.ToLower(sentence)
		for _, w := range words {
			if strings.Contains(lowered, w) {
				hits = append(hits, sentence)
				break
			}
		}
		if len(hits) >= n {
			break
		}
	}
	return strings.Join(hits, snippetSeparator)
}

// sentences splits after '.', '!' or '?' when followed by whitespace.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// FindChunks locates up to maxHits case-insensitive occurrences of needle and
// returns each with context bytes on either side. Offsets always index text
// itself, so case folding that changes a rune's width cannot misalign them.
func FindChunks(text string, needle string, context int, maxHits int) []string {
	if needle == "" || maxHits <= 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(text) && len(out) < maxHits; {
		end, ok := matchFoldAt(text, i, needle)
		if !ok {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			continue
		}
		start := max(0, i-context)
		stop := min(len(text), end+context)
		out = append(out, strings.TrimSpace(safeSlice(text, start, stop)))
		i = end
	}
	return out
}

// matchFoldAt reports whether needle matches text at byte offset i under
// Unicode case folding and returns the offset just past the match.
func matchFoldAt(text string, i int, needle string) (int, bool) {
	for _, want := range needle {
		if i >= len(text) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(text[i:])
		if got != want && !strings.EqualFold(string(got), string(want)) {
			return 0, false
		}
		i += size
	}
	return i, true
}

// safeSlice widens [start, end) to rune boundaries.
func safeSlice(text string, start, end int) string {
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	return text[start:end]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
