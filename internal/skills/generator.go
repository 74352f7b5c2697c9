package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Generator creates a new skill when the agent signals it should learn one.
type Generator interface {
	Generate(ctx context.Context, topic string) (*Definition, error)
}

// FileGenerator writes a stub managed-source skill for a topic. It produces
// the document only; later loads pick it up through the managed directory.
type FileGenerator struct {
	dir      string
	registry *Registry
}

// NewFileGenerator writes generated skills under dir (the managed skills
// directory). registry may be nil; when set, generated skills register
// immediately without a reload.
func NewFileGenerator(dir string, registry *Registry) *FileGenerator {
	return &FileGenerator{dir: dir, registry: registry}
}

var _ Generator = (*FileGenerator)(nil)

// Generate creates skill.md for the topic and returns the definition.
func (g *FileGenerator) Generate(ctx context.Context, topic string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("empty learning topic")
	}

	id := slugify(topic)
	dir := filepath.Join(g.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating skill directory: %w", err)
	}

	def := &Definition{
		ID:          id,
		Name:        topic,
		Description: "Learned on " + time.Now().Format("2006-01-02") + ".",
		Keywords:    []string{strings.ToLower(topic)},
		Body:        "Notes about " + topic + " collected from conversation. Refine before relying on it.",
		Source:      SourceManaged,
	}

	path := filepath.Join(dir, "skill.md")
	if err := os.WriteFile(path, []byte(renderMarkdown(def)), 0o644); err != nil {
		return nil, fmt.Errorf("writing skill: %w", err)
	}
	def.Path = path

	if g.registry != nil {
		g.registry.Register(def)
	}
	return def, nil
}

func renderMarkdown(def *Definition) string {
	var b strings.Builder
	b.WriteString(frontMatterDelim + "\n")
	fmt.Fprintf(&b, "id: %s\n", def.ID)
	fmt.Fprintf(&b, "name: %q\n", def.Name)
	fmt.Fprintf(&b, "description: %q\n", def.Description)
	fmt.Fprintf(&b, "keywords: [%s]\n", strings.Join(def.Keywords, ", "))
	b.WriteString(frontMatterDelim + "\n")
	b.WriteString(def.Body + "\n")
	return b.String()
}

// slugify lowers the topic to [a-z0-9-] for use as a skill id and directory.
func slugify(topic string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(topic) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
