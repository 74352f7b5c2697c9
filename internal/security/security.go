// Package security scans cleaned user text against a configurable rule set
// before the message reaches the model. A matched rule rejects the message;
// the orchestrator answers with the configured rejection string instead of a
// model response.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/openbotx/openbotx/internal/config"
)

// ViolationKind labels the category of a matched rule.
type ViolationKind string

const (
	ViolationPromptInjection ViolationKind = "prompt_injection"
	ViolationForbiddenAction ViolationKind = "forbidden_action"
	ViolationUnauthorized    ViolationKind = "unauthorized"
	ViolationRateLimit       ViolationKind = "rate_limit"
)

// Violation describes the rule that rejected a message.
type Violation struct {
	// Rule is the configured rule name.
	Rule string

	// Kind is the violation category.
	Kind ViolationKind
}

// rule is a compiled matcher.
type rule struct {
	name    string
	kind    ViolationKind
	pattern *regexp.Regexp // nil for substring rules
	match   string         // lower-cased substring, empty for regex rules
}

// Filter scans text against its compiled rule set. Safe for concurrent use
// after construction.
type Filter struct {
	rules []rule
}

// New compiles cfg.Rules into a Filter. A nil rule list selects
// [DefaultRules]; an explicitly empty list disables filtering. Invalid regex
// patterns fail construction.
func New(cfg config.SecurityConfig) (*Filter, error) {
	specs := cfg.Rules
	if specs == nil {
		specs = DefaultRules()
	}

	f := &Filter{rules: make([]rule, 0, len(specs))}
	for _, spec := range specs {
		r := rule{name: spec.Name, kind: ViolationKind(spec.Kind)}
		switch {
		case spec.Pattern != "":
			re, err := regexp.Compile("(?i)" + spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("security: rule %q: %w", spec.Name, err)
			}
			r.pattern = re
		case spec.Match != "":
			r.match = strings.ToLower(spec.Match)
		default:
			return nil, fmt.Errorf("security: rule %q has neither pattern nor match", spec.Name)
		}
		f.rules = append(f.rules, r)
	}
	return f, nil
}

// Check scans text against the rule set in order and returns the first
// violation, or nil when the text is acceptable.
func (f *Filter) Check(text string) *Violation {
	lower := strings.ToLower(text)
	for _, r := range f.rules {
		matched := false
		if r.pattern != nil {
			matched = r.pattern.MatchString(text)
		} else {
			matched = strings.Contains(lower, r.match)
		}
		if matched {
			return &Violation{Rule: r.name, Kind: r.kind}
		}
	}
	return nil
}

// DefaultRules returns the built-in rule set applied when no rules are
// configured. It covers the common prompt-injection phrasings and a small
// set of clearly destructive shell idioms.
func DefaultRules() []config.SecurityRule {
	return []config.SecurityRule{
		{
			Name:    "ignore-previous-instructions",
			Kind:    string(ViolationPromptInjection),
			Pattern: `ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`,
		},
		{
			Name:    "disregard-system-prompt",
			Kind:    string(ViolationPromptInjection),
			Pattern: `disregard\s+(your|the)\s+(system\s+prompt|instructions|guidelines)`,
		},
		{
			Name:  "reveal-system-prompt",
			Kind:  string(ViolationPromptInjection),
			Match: "reveal your system prompt",
		},
		{
			Name:    "jailbreak-roleplay",
			Kind:    string(ViolationPromptInjection),
			Pattern: `pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`,
		},
		{
			Name:    "recursive-wipe",
			Kind:    string(ViolationForbiddenAction),
			Pattern: `rm\s+-rf\s+/(?:\s|$)`,
		},
		{
			Name:    "fork-bomb",
			Kind:    string(ViolationForbiddenAction),
			Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
		},
	}
}
