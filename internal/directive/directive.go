// Package directive extracts inline control tokens from user text.
//
// Users steer a single turn by embedding slash tokens in their message, for
// example "/verbose /coding please refactor main.go". The parser recognises a
// fixed vocabulary, strips matched tokens from the text, and records the
// resulting settings in a [types.ParsedDirectives]. Tokens are matched on word
// boundaries, so punctuation-adjacent forms like "(/think)" or "/elevated."
// are recognised too. Unknown slash tokens are left untouched so that literal
// text such as "/help me" or "/etc/passwd" survives.
//
// Parse is pure: the same input always yields the same output, and parsing
// the cleaned text again yields no directives.
package directive

import (
	"regexp"
	"strings"

	"github.com/openbotx/openbotx/pkg/types"
)

// Scalar is a ":value" suffix attached to a recognised token, as in
// "/think:high".
type Scalar struct {
	Key   string
	Value string
}

// Result is the full parse outcome. The embedded [types.ParsedDirectives] is
// what travels with the message; Scalars carries the values attached to
// recognised tokens.
type Result struct {
	types.ParsedDirectives

	// Scalars lists attached values in vocabulary order.
	Scalars []Scalar
}

// binding ties one vocabulary word to its effect on the parse result. The
// pattern matches the word anywhere in the text on a trailing word boundary,
// with an optional attached ":value".
type binding struct {
	word  string
	re    *regexp.Regexp
	apply func(*Result)
}

func bind(word string, apply func(*Result)) binding {
	return binding{
		word:  word,
		re:    regexp.MustCompile(`(?i)/` + word + `\b(?::(\S+))?`),
		apply: apply,
	}
}

// vocabulary is the fixed token set, checked in this order. When two tokens
// of the same category both appear, the one later in the vocabulary wins
// (so "/silent" overrides "/quiet" wherever they sit in the text).
var vocabulary = []binding{
	bind("think", func(r *Result) { r.Directives = append(r.Directives, types.DirectiveThink) }),
	bind("verbose", func(r *Result) { r.Directives = append(r.Directives, types.DirectiveVerbose) }),
	bind("reasoning", func(r *Result) { r.Directives = append(r.Directives, types.DirectiveReasoning) }),
	bind("elevated", func(r *Result) {
		r.Directives = append(r.Directives, types.DirectiveElevated)
		r.Elevated = true
	}),
	bind("minimal", func(r *Result) { r.ToolProfile = types.ProfileMinimal }),
	bind("coding", func(r *Result) { r.ToolProfile = types.ProfileCoding }),
	bind("messaging", func(r *Result) { r.ToolProfile = types.ProfileMessaging }),
	bind("full", func(r *Result) { r.ToolProfile = types.ProfileFull }),
	bind("quiet", func(r *Result) { r.PromptMode = types.PromptMinimal }),
	bind("silent", func(r *Result) { r.PromptMode = types.PromptNone }),
}

var spaceRe = regexp.MustCompile(`\s+`)

// Parse scans text for recognised slash tokens and returns the extracted
// settings together with the cleaned text. Matching is case-insensitive and
// word-boundary based; every occurrence of a recognised token (including an
// attached ":value") is removed. The cleaned text has runs of whitespace
// collapsed to single spaces and is trimmed.
func Parse(text string) Result {
	res := Result{
		ParsedDirectives: types.ParsedDirectives{
			PromptMode:  types.PromptFull,
			ToolProfile: types.ProfileFull,
		},
	}

	clean := text
	for _, b := range vocabulary {
		matches := b.re.FindAllStringSubmatch(clean, -1)
		if len(matches) == 0 {
			continue
		}
		b.apply(&res)
		for _, m := range matches {
			if m[1] != "" {
				res.Scalars = append(res.Scalars, Scalar{Key: b.word, Value: m[1]})
			}
		}
		clean = b.re.ReplaceAllString(clean, "")
	}

	res.CleanText = strings.TrimSpace(spaceRe.ReplaceAllString(clean, " "))
	return res
}
