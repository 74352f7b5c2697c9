package skills_test

import (
	"context"
	"testing"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/skills"
)

func TestFileGenerator_WritesLoadableSkill(t *testing.T) {
	dir := t.TempDir()
	gen := skills.NewFileGenerator(dir, nil)

	def, err := gen.Generate(context.Background(), "Kubernetes Rollouts")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if def.ID != "kubernetes-rollouts" {
		t.Errorf("id = %q", def.ID)
	}

	// The written file must round-trip through the loader.
	loader := skills.NewLoader(config.SkillsConfig{ManagedDir: dir}, nil, hostOption("linux"))
	reg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded, ok := reg.Get("kubernetes-rollouts")
	if !ok {
		t.Fatal("generated skill did not load")
	}
	if loaded.Name != "Kubernetes Rollouts" || loaded.Source != skills.SourceManaged {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestFileGenerator_RegistersImmediately(t *testing.T) {
	reg := skills.NewRegistry()
	gen := skills.NewFileGenerator(t.TempDir(), reg)

	if _, err := gen.Generate(context.Background(), "incident response"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok := reg.Get("incident-response"); !ok {
		t.Error("generated skill not registered")
	}
}

func TestFileGenerator_EmptyTopic(t *testing.T) {
	gen := skills.NewFileGenerator(t.TempDir(), nil)
	if _, err := gen.Generate(context.Background(), "   "); err == nil {
		t.Error("expected error for blank topic")
	}
}

func TestSlugCollapsesPunctuation(t *testing.T) {
	gen := skills.NewFileGenerator(t.TempDir(), nil)
	def, err := gen.Generate(context.Background(), "CI/CD -- pipelines!")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if def.ID != "ci-cd-pipelines" {
		t.Errorf("id = %q, want ci-cd-pipelines", def.ID)
	}
}
