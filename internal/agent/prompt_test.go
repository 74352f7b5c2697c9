package agent

import (
	"strings"
	"testing"

	"github.com/openbotx/openbotx/pkg/types"
)

func TestBuildSystemPrompt_SortsByPriority(t *testing.T) {
	sections := []PromptSection{
		{Name: "custom", Priority: 90, MinMode: types.PromptFull, Content: "last"},
		{Name: "identity", Priority: 10, MinMode: types.PromptMinimal, Content: "first"},
		{Name: "tools", Priority: 50, MinMode: types.PromptMinimal, Content: "middle"},
	}

	got := BuildSystemPrompt(sections, types.PromptFull)
	want := "first\n\nmiddle\n\nlast"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestBuildSystemPrompt_MinimalSuppressesFullSections(t *testing.T) {
	sections := []PromptSection{
		{Name: "identity", Priority: 10, MinMode: types.PromptMinimal, Content: "identity"},
		{Name: "formatting", Priority: 30, MinMode: types.PromptFull, Content: "formatting"},
	}

	got := BuildSystemPrompt(sections, types.PromptMinimal)
	if got != "identity" {
		t.Errorf("prompt = %q, want only the identity section", got)
	}
}

func TestBuildSystemPrompt_NoneSuppressesEverything(t *testing.T) {
	sections := []PromptSection{
		{Name: "identity", Priority: 10, MinMode: types.PromptMinimal, Content: "identity"},
		{Name: "security", Priority: 20, MinMode: types.PromptMinimal, Content: "security"},
	}

	if got := BuildSystemPrompt(sections, types.PromptNone); got != "" {
		t.Errorf("prompt = %q, want empty in none mode", got)
	}
}

func TestBuildSystemPrompt_EmptySectionsOmitted(t *testing.T) {
	sections := []PromptSection{
		{Name: "identity", Priority: 10, MinMode: types.PromptMinimal, Content: "identity"},
		{Name: "language", Priority: 40, MinMode: types.PromptMinimal, Content: ""},
	}

	got := BuildSystemPrompt(sections, types.PromptFull)
	if got != "identity" {
		t.Errorf("prompt = %q, empty sections must not leave separators", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Error("prompt contains stacked separators")
	}
}

func TestBuildSystemPrompt_StableOrderForEqualPriority(t *testing.T) {
	sections := []PromptSection{
		{Name: "a", Priority: 10, MinMode: types.PromptMinimal, Content: "a"},
		{Name: "b", Priority: 10, MinMode: types.PromptMinimal, Content: "b"},
	}

	if got := BuildSystemPrompt(sections, types.PromptFull); got != "a\n\nb" {
		t.Errorf("prompt = %q, want declaration order for equal priorities", got)
	}
}
