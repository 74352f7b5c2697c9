package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openbotx/openbotx/internal/config"
)

// MCPHost connects to external MCP servers and mounts their tools into a
// [Registry]. One host manages all configured servers.
type MCPHost struct {
	mu       sync.Mutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPHost returns a host with no server connections.
func NewMCPHost() *MCPHost {
	return &MCPHost{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "openbotx-mcphost", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Mount connects to every configured server and registers its tools. Tool
// names are prefixed with "<server>__" to keep catalogs from different
// servers disjoint. A failing server aborts the mount.
func (h *MCPHost) Mount(ctx context.Context, cfg config.MCPConfig, reg *Registry) error {
	for _, server := range cfg.Servers {
		if err := h.mountServer(ctx, server, reg); err != nil {
			return fmt.Errorf("mcp server %q: %w", server.Name, err)
		}
	}
	return nil
}

func (h *MCPHost) mountServer(ctx context.Context, server config.MCPServerConfig, reg *Registry) error {
	var transport mcpsdk.Transport
	switch server.Transport {
	case config.MCPTransportStdio:
		parts := strings.Fields(server.Command)
		if len(parts) == 0 {
			return fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case config.MCPTransportStreamableHTTP:
		if server.URL == "" {
			return fmt.Errorf("streamable-http transport requires a url")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: server.URL}
	default:
		return fmt.Errorf("unknown transport %q", server.Transport)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	var mounted int
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("listing tools: %w", err)
		}
		if err := reg.Register(h.buildTool(server, *tool)); err != nil {
			_ = session.Close()
			return err
		}
		mounted++
	}

	h.mu.Lock()
	if old, ok := h.sessions[server.Name]; ok {
		_ = old.Close()
	}
	h.sessions[server.Name] = session
	h.mu.Unlock()

	return nil
}

// buildTool converts an SDK tool into a registry entry whose handler routes
// back through the server session.
func (h *MCPHost) buildTool(server config.MCPServerConfig, t mcpsdk.Tool) Tool {
	name := server.Name + "__" + t.Name
	return Tool{
		Info: Info{
			Name:         name,
			PrimaryGroup: server.Group,
		},
		Definition: llmDefinition(name, t.Description, schemaToMap(t.InputSchema)),
		Handler: func(ctx context.Context, args string) (string, error) {
			return h.call(ctx, server.Name, t.Name, args)
		},
	}
}

func (h *MCPHost) call(ctx context.Context, serverName, toolName, args string) (string, error) {
	h.mu.Lock()
	session, ok := h.sessions[serverName]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mcp server %q not connected", serverName)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("invalid args JSON: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: argsMap,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool reported error: %s", sb.String())
	}
	return sb.String(), nil
}

// Close shuts down every server session.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing mcp server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	return firstErr
}

// schemaToMap converts any schema value to a JSON-object map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
