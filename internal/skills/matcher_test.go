package skills_test

import (
	"testing"

	"github.com/openbotx/openbotx/internal/skills"
)

func matchRegistry(defs ...*skills.Definition) *skills.Registry {
	reg := skills.NewRegistry()
	for _, d := range defs {
		reg.Register(d)
	}
	return reg
}

func TestFindMatching_KeywordSubstring(t *testing.T) {
	reg := matchRegistry(
		&skills.Definition{ID: "deploy", Keywords: []string{"deployment"}},
		&skills.Definition{ID: "weather", Keywords: []string{"weather"}},
	)

	got := reg.FindMatching("can you check the deployment status?", 10)
	if len(got) != 1 || got[0].ID != "deploy" {
		t.Fatalf("matched %v, want [deploy]", ids(got))
	}
}

func TestFindMatching_KeywordCaseInsensitive(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "deploy", Keywords: []string{"Deployment"}})
	if got := reg.FindMatching("DEPLOYMENT failed", 10); len(got) != 1 {
		t.Errorf("matched %v, want [deploy]", ids(got))
	}
}

func TestFindMatching_FuzzyKeyword(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "deploy", Keywords: []string{"deployment"}})

	// One transposition away.
	if got := reg.FindMatching("the depolyment failed", 10); len(got) != 1 {
		t.Errorf("transposed keyword should match, got %v", ids(got))
	}
	// Two edits away: no match.
	if got := reg.FindMatching("the depolymet failed", 10); len(got) != 0 {
		t.Errorf("distance-2 keyword should not match, got %v", ids(got))
	}
}

func TestFindMatching_ShortKeywordsExact(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "git", Keywords: []string{"git"}})

	if got := reg.FindMatching("run gti status", 10); len(got) != 0 {
		t.Errorf("short keywords must not fuzzy-match, got %v", ids(got))
	}
	if got := reg.FindMatching("run git status", 10); len(got) != 1 {
		t.Errorf("exact short keyword should match, got %v", ids(got))
	}
}

func TestFindMatching_Regex(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "issue", Patterns: []string{`#\d+`}})
	if got := reg.FindMatching("look at #4512 please", 10); len(got) != 1 {
		t.Errorf("regex trigger did not fire, got %v", ids(got))
	}
}

func TestFindMatching_InvalidRegexIgnored(t *testing.T) {
	reg := matchRegistry(&skills.Definition{
		ID:       "mixed",
		Patterns: []string{`(unclosed`, `rollback`},
	})
	if got := reg.FindMatching("please rollback the release", 10); len(got) != 1 {
		t.Errorf("valid sibling pattern should still fire, got %v", ids(got))
	}
}

func TestFindMatching_IntentExactWord(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "greet", Intents: []string{"hello"}})

	if got := reg.FindMatching("hello there", 10); len(got) != 1 {
		t.Errorf("intent should match a whole word, got %v", ids(got))
	}
	if got := reg.FindMatching("othello is a play", 10); len(got) != 0 {
		t.Errorf("intent must not match inside a word, got %v", ids(got))
	}
}

func TestFindMatching_LimitAndOrder(t *testing.T) {
	reg := matchRegistry(
		&skills.Definition{ID: "a", Keywords: []string{"build"}},
		&skills.Definition{ID: "b", Keywords: []string{"build"}},
		&skills.Definition{ID: "c", Keywords: []string{"build"}},
	)

	got := reg.FindMatching("build the project", 2)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("matched %v, want first two in registration order", ids(got))
	}
}

func TestFindMatching_NoTriggers(t *testing.T) {
	reg := matchRegistry(&skills.Definition{ID: "silent"})
	if got := reg.FindMatching("anything at all", 10); len(got) != 0 {
		t.Errorf("skill without triggers matched: %v", ids(got))
	}
}

func ids(defs []*skills.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}
