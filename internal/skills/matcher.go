package skills

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyMinLength is the shortest keyword eligible for edit-distance matching.
// Below it one edit changes too much of the word to be a meaningful trigger.
const fuzzyMinLength = 5

// FindMatching returns up to limit skills whose triggers fire on text, in
// registration order. A skill matches when any keyword appears in the text
// (substring, or within OSA edit distance 1 for keywords of length ≥ 5), any
// regex pattern matches, or any declared intent equals a word of the text.
func (r *Registry) FindMatching(text string, limit int) []*Definition {
	if limit <= 0 {
		return nil
	}
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	var out []*Definition
	for _, def := range r.All() {
		if matchesTriggers(def, lower, words) {
			out = append(out, def)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func matchesTriggers(def *Definition, lower string, words []string) bool {
	for _, kw := range def.Keywords {
		if keywordMatches(strings.ToLower(kw), lower, words) {
			return true
		}
	}
	for _, pat := range def.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(lower) {
			return true
		}
	}
	for _, intent := range def.Intents {
		want := strings.ToLower(intent)
		for _, w := range words {
			if w == want {
				return true
			}
		}
	}
	return false
}

func keywordMatches(kw, lower string, words []string) bool {
	if kw == "" {
		return false
	}
	if strings.Contains(lower, kw) {
		return true
	}
	if len(kw) < fuzzyMinLength {
		return false
	}
	// Tolerate a single typo: transposition, substitution, insertion or
	// deletion against any word of the text.
	for _, w := range words {
		if matchr.OSA(kw, w) <= 1 {
			return true
		}
	}
	return false
}
