package memindex

import "strings"

// snippetStride is the step width when sliding the snippet window.
const snippetStride = 50

// makeSnippet extracts a maxLength-wide excerpt of text centred on the
// region with the most distinct query terms. The window slides in 50-char
// strides; the first window wins ties. Ellipsis marks truncated edges.
func makeSnippet(text, query string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}

	terms := distinctTerms(query)
	lower := strings.ToLower(text)

	bestStart := 0
	bestCount := -1
	for start := 0; start < len(text); start += snippetStride {
		end := start + maxLength
		if end > len(text) {
			end = len(text)
		}
		window := lower[start:end]
		count := 0
		for term := range terms {
			if strings.Contains(window, term) {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestStart = start
		}
		if end == len(text) {
			break
		}
	}

	end := bestStart + maxLength
	if end > len(text) {
		end = len(text)
	}
	snippet := text[bestStart:end]
	if bestStart > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}

// distinctTerms lower-cases and de-duplicates whitespace-separated query
// terms.
func distinctTerms(query string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(query)) {
		out[f] = struct{}{}
	}
	return out
}
