package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openbotx/openbotx/internal/config"
)

const frontMatterDelim = "---"

// Loader discovers and registers skill documents.
type Loader struct {
	cfg       config.SkillsConfig
	providers map[string]bool

	// Overridable for tests.
	goos     string
	lookPath func(string) (string, error)
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithHost overrides the OS name and binary lookup used for eligibility.
func WithHost(goos string, lookPath func(string) (string, error)) LoaderOption {
	return func(l *Loader) {
		l.goos = goos
		l.lookPath = lookPath
	}
}

// NewLoader builds a Loader. The providers set names the configured provider
// kinds ("llm", "embeddings", "transcription", ...) available at runtime.
func NewLoader(cfg config.SkillsConfig, providers []string, opts ...LoaderOption) *Loader {
	l := &Loader{
		cfg:       cfg,
		providers: make(map[string]bool, len(providers)),
		goos:      runtime.GOOS,
		lookPath:  exec.LookPath,
	}
	for _, p := range providers {
		l.providers[strings.ToLower(p)] = true
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load walks the four source directories in precedence order and returns the
// populated registry. Missing directories are skipped silently; unreadable or
// malformed documents are recorded as ineligible and do not abort the load.
func (l *Loader) Load() (*Registry, error) {
	reg := NewRegistry()

	dirs := []struct {
		path   string
		source Source
	}{
		{l.cfg.ExtraDir, SourceExtra},
		{l.cfg.BundledDir, SourceBundled},
		{l.cfg.ManagedDir, SourceManaged},
		{l.cfg.WorkspaceDir, SourceWorkspace},
	}

	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		if err := l.loadDir(reg, d.path, d.source); err != nil {
			return nil, fmt.Errorf("loading %s skills from %s: %w", d.source, d.path, err)
		}
	}
	return reg, nil
}

func (l *Loader) loadDir(reg *Registry, dir string, source Source) error {
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() || !isSkillFile(entry.Name()) {
			return nil
		}
		l.loadFile(reg, path, source)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func isSkillFile(name string) bool {
	lower := strings.ToLower(name)
	return lower == "skill.md" || lower == "skill.yaml" || lower == "skill.yml"
}

func (l *Loader) loadFile(reg *Registry, path string, source Source) {
	def, err := ParseFile(path)
	if err != nil {
		slog.Warn("skipping unparsable skill", "path", path, "error", err)
		reg.recordIneligible(path, IneligibleParse, err.Error())
		return
	}
	def.Source = source
	def.Path = path

	if reason, detail, ok := l.eligible(def); !ok {
		slog.Debug("skill ineligible", "path", path, "reason", reason, "detail", detail)
		reg.recordIneligible(path, reason, detail)
		return
	}

	if reg.Register(def) {
		slog.Debug("registered skill", "id", def.ID, "source", source.String())
	}
}

// ParseFile reads one skill document. Markdown files carry YAML front-matter
// between "---" lines followed by the instruction body; .yaml/.yml files are
// the definition itself.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		meta, body, err := splitFrontMatter(string(data))
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(meta), &def); err != nil {
			return nil, fmt.Errorf("front-matter: %w", err)
		}
		def.Body = body
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported skill file %q", filepath.Base(path))
	}

	if def.ID == "" {
		return nil, errors.New("skill has no id")
	}
	return &def, nil
}

// splitFrontMatter separates the YAML header from the markdown body.
func splitFrontMatter(doc string) (meta, body string, err error) {
	rest, ok := strings.CutPrefix(doc, frontMatterDelim+"\n")
	if !ok {
		return "", "", errors.New("missing front-matter delimiter")
	}
	meta, body, ok = strings.Cut(rest, "\n"+frontMatterDelim)
	if !ok {
		return "", "", errors.New("unterminated front-matter")
	}
	return meta, strings.TrimSpace(body), nil
}

// eligible checks the skill's host requirements in a fixed order: OS,
// binaries, config flags, providers. The first failure wins.
func (l *Loader) eligible(def *Definition) (IneligibleReason, string, bool) {
	req := def.Requires

	if len(req.OS) > 0 && !slices.Contains(req.OS, l.goos) {
		return IneligibleOS, l.goos, false
	}
	for _, bin := range req.Binaries {
		if _, err := l.lookPath(bin); err != nil {
			return IneligibleBinary, bin, false
		}
	}
	for _, flag := range req.Flags {
		if !l.cfg.Flags[flag] {
			return IneligibleFlag, flag, false
		}
	}
	for _, p := range req.Providers {
		if !l.providers[strings.ToLower(p)] {
			return IneligibleProvider, p, false
		}
	}
	return "", "", true
}
