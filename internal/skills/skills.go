// Package skills loads declarative skill documents and matches them against
// user text.
//
// A skill is a file named "skill.md" (front-matter plus instructions) or
// "skill.yaml"/"skill.yml" (pure YAML) discovered under four ordered source
// directories. Later sources shadow earlier ones: extra < bundled < managed <
// workspace. A skill only registers when its platform requirements are
// satisfied on the current host.
package skills

import (
	"fmt"
	"sync"
)

// Source identifies where a skill document was discovered. The numeric value
// is its precedence; higher wins.
type Source int

const (
	SourceExtra Source = iota
	SourceBundled
	SourceManaged
	SourceWorkspace
)

// String returns the source's directory label.
func (s Source) String() string {
	switch s {
	case SourceExtra:
		return "extra"
	case SourceBundled:
		return "bundled"
	case SourceManaged:
		return "managed"
	case SourceWorkspace:
		return "workspace"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Security restricts where and how a skill's tools may run.
type Security struct {
	ApprovalRequired bool     `yaml:"approval_required"`
	AdminOnly        bool     `yaml:"admin_only"`
	AllowedChannels  []string `yaml:"allowed_channels"`
	DeniedChannels   []string `yaml:"denied_channels"`
}

// Requirements gates a skill's eligibility on the current host.
type Requirements struct {
	// OS lists GOOS values the skill supports. Empty means all.
	OS []string `yaml:"os"`

	// Binaries must all resolve on PATH.
	Binaries []string `yaml:"binaries"`

	// Flags must all be enabled in the skills configuration.
	Flags []string `yaml:"flags"`

	// Providers must all be present in the available-provider set.
	Providers []string `yaml:"providers"`
}

// Definition is one loaded skill.
type Definition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Keywords trigger on (fuzzy) substring match against user text.
	Keywords []string `yaml:"keywords"`

	// Patterns trigger on regex match.
	Patterns []string `yaml:"patterns"`

	// Intents trigger on exact intent-token match.
	Intents []string `yaml:"intents"`

	// Tools the skill expects to call.
	Tools []string `yaml:"tools"`

	Security Security     `yaml:"security"`
	Requires Requirements `yaml:"requires"`

	// Body is the skill's instruction text (the markdown body, or the
	// "body" key for YAML skills).
	Body string `yaml:"body"`

	// Source records which directory tier the skill came from.
	Source Source `yaml:"-"`

	// Path is the file the skill was loaded from.
	Path string `yaml:"-"`
}

// IneligibleReason tags why a discovered skill was not registered.
type IneligibleReason string

const (
	IneligibleOS       IneligibleReason = "unsupported_os"
	IneligibleBinary   IneligibleReason = "missing_binary"
	IneligibleFlag     IneligibleReason = "flag_disabled"
	IneligibleProvider IneligibleReason = "missing_provider"
	IneligibleParse    IneligibleReason = "parse_error"
)

// Ineligible records one skipped skill document.
type Ineligible struct {
	Path   string
	Reason IneligibleReason
	Detail string
}

// Registry holds the registered skills in registration order. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	byID       map[string]*Definition
	ineligible []Ineligible
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Definition)}
}

// Register adds def, replacing an existing skill with the same id iff the
// new source precedence is at least the existing one. Returns whether the
// definition was registered.
func (r *Registry) Register(def *Definition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[def.ID]
	if ok {
		if def.Source < existing.Source {
			return false
		}
		// Replacement keeps the original registration position.
		r.byID[def.ID] = def
		return true
	}
	r.byID[def.ID] = def
	r.order = append(r.order, def.ID)
	return true
}

// Get returns the skill with the given id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// All returns the registered skills in registration order.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Ineligible returns the documents skipped during loading, with reasons.
func (r *Registry) Ineligible() []Ineligible {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Ineligible(nil), r.ineligible...)
}

func (r *Registry) recordIneligible(path string, reason IneligibleReason, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ineligible = append(r.ineligible, Ineligible{Path: path, Reason: reason, Detail: detail})
}
