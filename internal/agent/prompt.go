package agent

import (
	"sort"
	"strings"

	"github.com/openbotx/openbotx/pkg/types"
)

// PromptSection is one layer of the system prompt. Sections carry a priority
// (lower renders first) and a minimum verbosity mode below which they are
// suppressed.
type PromptSection struct {
	Name     string
	Priority int
	MinMode  types.PromptMode
	Content  string
}

// Section priorities, lowest first.
const (
	prioIdentity   = 10
	prioSecurity   = 20
	prioFormatting = 30
	prioLanguage   = 40
	prioTools      = 50
	prioSkills     = 60
	prioMemory     = 70
	prioReasoning  = 80
	prioCustom     = 90
)

// modeRank orders prompt modes from most to least suppressed.
func modeRank(m types.PromptMode) int {
	switch m {
	case types.PromptNone:
		return 0
	case types.PromptMinimal:
		return 1
	default:
		return 2
	}
}

// BuildSystemPrompt renders the sections active under mode, sorted by
// priority. Empty sections are omitted. Returns "" in none mode.
func BuildSystemPrompt(sections []PromptSection, mode types.PromptMode) string {
	active := make([]PromptSection, 0, len(sections))
	for _, s := range sections {
		if s.Content == "" {
			continue
		}
		if modeRank(mode) < modeRank(s.MinMode) {
			continue
		}
		active = append(active, s)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})

	parts := make([]string, len(active))
	for i, s := range active {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n\n")
}
