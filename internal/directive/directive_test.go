package directive

import (
	"reflect"
	"testing"

	"github.com/openbotx/openbotx/pkg/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantClean   string
		wantDirs    []types.Directive
		wantMode    types.PromptMode
		wantProfile types.ToolProfile
		wantElev    bool
	}{
		{
			name:        "plain text untouched",
			input:       "please refactor main.go",
			wantClean:   "please refactor main.go",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "verbose and coding profile",
			input:       "/verbose /coding please refactor main.go",
			wantClean:   "please refactor main.go",
			wantDirs:    []types.Directive{types.DirectiveVerbose},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileCoding,
		},
		{
			name:        "case insensitive",
			input:       "/THINK what is 2+2",
			wantClean:   "what is 2+2",
			wantDirs:    []types.Directive{types.DirectiveThink},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "elevated sets flag",
			input:       "/elevated delete the staging database",
			wantClean:   "delete the staging database",
			wantDirs:    []types.Directive{types.DirectiveElevated},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
			wantElev:    true,
		},
		{
			name:        "last profile wins",
			input:       "/minimal /messaging send an update",
			wantClean:   "send an update",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileMessaging,
		},
		{
			name:        "quiet maps to minimal prompt",
			input:       "/quiet status",
			wantClean:   "status",
			wantMode:    types.PromptMinimal,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "silent maps to no prompt",
			input:       "/silent status",
			wantClean:   "status",
			wantMode:    types.PromptNone,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "silent wins over quiet",
			input:       "/silent /quiet status",
			wantClean:   "status",
			wantMode:    types.PromptNone,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "punctuation-adjacent token",
			input:       "delete it now, /elevated.",
			wantClean:   "delete it now, .",
			wantDirs:    []types.Directive{types.DirectiveElevated},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
			wantElev:    true,
		},
		{
			name:        "parenthesised token",
			input:       "check this (/verbose)",
			wantClean:   "check this ()",
			wantDirs:    []types.Directive{types.DirectiveVerbose},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "longer word is not a token",
			input:       "/thinking out loud",
			wantClean:   "/thinking out loud",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "unknown token stays",
			input:       "/frobnicate the widget",
			wantClean:   "/frobnicate the widget",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "mid-word slash stays",
			input:       "look at /etc/passwd please",
			wantClean:   "look at /etc/passwd please",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "whitespace collapses",
			input:       "  /think   hello    world  ",
			wantClean:   "hello world",
			wantDirs:    []types.Directive{types.DirectiveThink},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "directives in vocabulary order",
			input:       "/reasoning /think solve this",
			wantClean:   "solve this",
			wantDirs:    []types.Directive{types.DirectiveThink, types.DirectiveReasoning},
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
		{
			name:        "empty input",
			input:       "",
			wantClean:   "",
			wantMode:    types.PromptFull,
			wantProfile: types.ProfileFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if got.CleanText != tt.wantClean {
				t.Errorf("CleanText = %q, want %q", got.CleanText, tt.wantClean)
			}
			if !reflect.DeepEqual(got.Directives, tt.wantDirs) {
				t.Errorf("Directives = %v, want %v", got.Directives, tt.wantDirs)
			}
			if got.PromptMode != tt.wantMode {
				t.Errorf("PromptMode = %q, want %q", got.PromptMode, tt.wantMode)
			}
			if got.ToolProfile != tt.wantProfile {
				t.Errorf("ToolProfile = %q, want %q", got.ToolProfile, tt.wantProfile)
			}
			if got.Elevated != tt.wantElev {
				t.Errorf("Elevated = %v, want %v", got.Elevated, tt.wantElev)
			}
		})
	}
}

func TestParse_Scalars(t *testing.T) {
	got := Parse("/think:high summarize this")
	if got.CleanText != "summarize this" {
		t.Fatalf("CleanText = %q", got.CleanText)
	}
	if !reflect.DeepEqual(got.Directives, []types.Directive{types.DirectiveThink}) {
		t.Errorf("Directives = %v, want [think]", got.Directives)
	}
	want := []Scalar{{Key: "think", Value: "high"}}
	if !reflect.DeepEqual(got.Scalars, want) {
		t.Errorf("Scalars = %v, want %v", got.Scalars, want)
	}
}

// Slash tokens outside the fixed vocabulary are data, not directives, even in
// /key:value form.
func TestParse_UnknownTokensStay(t *testing.T) {
	got := Parse("/model:gpt-4o /frobnicate summarize this")
	if got.CleanText != "/model:gpt-4o /frobnicate summarize this" {
		t.Fatalf("CleanText = %q, want input unchanged", got.CleanText)
	}
	if len(got.Scalars) != 0 {
		t.Errorf("Scalars = %v, want none", got.Scalars)
	}
	if len(got.Directives) != 0 {
		t.Errorf("Directives = %v, want none", got.Directives)
	}
}

// Parsing the cleaned text again must yield the same cleaned text with no
// directives extracted.
func TestParse_IdempotentOnCleanText(t *testing.T) {
	inputs := []string{
		"/verbose /coding please refactor main.go",
		"/frobnicate the widget",
		"plain message with /etc/passwd path",
		"/elevated /quiet /model:gpt-4o do it",
	}
	for _, input := range inputs {
		first := Parse(input)
		second := Parse(first.CleanText)
		if second.CleanText != first.CleanText {
			t.Errorf("reparse changed text: %q -> %q", first.CleanText, second.CleanText)
		}
		if len(second.Directives) != 0 {
			t.Errorf("reparse of %q extracted directives %v", first.CleanText, second.Directives)
		}
		if len(second.Scalars) != 0 {
			t.Errorf("reparse of %q extracted scalars %v", first.CleanText, second.Scalars)
		}
	}
}

func TestParse_Deterministic(t *testing.T) {
	const input = "/think /coding /model:gpt-4o fix the bug"
	first := Parse(input)
	for range 5 {
		if got := Parse(input); !reflect.DeepEqual(got, first) {
			t.Fatalf("Parse not deterministic: %+v vs %+v", got, first)
		}
	}
}
