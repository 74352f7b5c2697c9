// Package tools holds the runtime tool catalog: built-in tools, tools mounted
// from external MCP servers, and the registry the agent executes them through.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/provider/llm"
)

// Tool groups used by the policy's profile maps.
const (
	GroupSystem    = "system"
	GroupFS        = "fs"
	GroupDatabase  = "database"
	GroupMessaging = "messaging"
	GroupWeb       = "web"
)

// Info is the policy-relevant metadata of one tool.
type Info struct {
	Name             string
	PrimaryGroup     string
	SecondaryGroups  []string
	ApprovalRequired bool
	Dangerous        bool
	AdminOnly        bool
}

// Tool couples a tool's policy metadata and LLM-facing schema with its
// executable handler.
type Tool struct {
	Info Info

	// Definition is the schema offered to the model.
	Definition llm.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result. Implementations must be safe for concurrent use
	// and must respect context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

func llmDefinition(name, description string, parameters map[string]any) llm.ToolDefinition {
	return llm.ToolDefinition{Name: name, Description: description, Parameters: parameters}
}

// Registry is the catalog of executable tools. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool to the catalog. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	if t.Info.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[t.Info.Name]; ok {
		return fmt.Errorf("tool %q already registered", t.Info.Name)
	}
	r.byName[t.Info.Name] = t
	r.order = append(r.order, t.Info.Name)
	return nil
}

// RegisterAll registers each tool, stopping at the first failure.
func (r *Registry) RegisterAll(ts []Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Infos returns the catalog's policy metadata in registration order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Info)
	}
	return out
}

// Definitions returns the LLM schemas for the named tools, skipping names not
// in the catalog.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.byName[name]; ok {
			out = append(out, t.Definition)
		}
	}
	return out
}

// Execute runs the named tool, recording duration and outcome metrics.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	ctx, span := observe.StartSpan(ctx, "tools.execute",
		trace.WithAttributes(observe.Attr("tool.name", name)))
	defer span.End()

	m := observe.DefaultMetrics()
	start := time.Now()
	result, err := t.Handler(ctx, args)
	m.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)))
	if err != nil {
		span.RecordError(err)
		m.RecordToolCall(ctx, name, "error")
		return "", fmt.Errorf("tool %q: %w", name, err)
	}
	m.RecordToolCall(ctx, name, "ok")
	return result, nil
}
