package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":           {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"summarizer":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings":    {"openai", "ollama"},
	"transcription": {"openai", "whisper-native"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and applies defaults.
// Useful in tests where configs are constructed from string literals.
// Validation is the caller's responsibility.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config with all defaults applied and nothing else set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateways.MaxRestarts == 0 {
		cfg.Gateways.MaxRestarts = 3
	}
	if cfg.Gateways.Terminal.Channel == "" {
		cfg.Gateways.Terminal.Channel = "main"
	}
	if cfg.Gateways.Socket.Host == "" {
		cfg.Gateways.Socket.Host = "0.0.0.0"
	}
	if cfg.Gateways.Socket.Port == 0 {
		cfg.Gateways.Socket.Port = 8765
	}

	p := &cfg.Pipeline
	if p.MaxTextLength == 0 {
		p.MaxTextLength = 10000
	}
	if p.MaxAttachments == 0 {
		p.MaxAttachments = 10
	}
	if p.MaxAttachmentBytes == 0 {
		p.MaxAttachmentBytes = 25 << 20
	}
	if p.QueueSize == 0 {
		p.QueueSize = 100
	}
	if p.MaxContextTokens == 0 {
		p.MaxContextTokens = 100000
	}
	if p.ReserveForResponse == 0 {
		p.ReserveForResponse = 4096
	}
	if p.ContextBudgetRatio == 0 {
		p.ContextBudgetRatio = 0.4
	}
	if p.CompactionStrategy == "" {
		p.CompactionStrategy = CompactAdaptive
	}
	if p.MinMessagesToKeep == 0 {
		p.MinMessagesToKeep = 4
	}
	if p.SummarizeThresholdTokens == 0 {
		p.SummarizeThresholdTokens = 8000
	}

	if cfg.Agent.MaxToolIterations == 0 {
		cfg.Agent.MaxToolIterations = 8
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = 0.7
	}

	if cfg.Security.RejectionMessage == "" {
		cfg.Security.RejectionMessage = "I can't help with that request."
	}

	if cfg.Memory.ChunkSizeTokens == 0 {
		cfg.Memory.ChunkSizeTokens = 400
	}
	if cfg.Memory.ChunkOverlapTokens == 0 {
		cfg.Memory.ChunkOverlapTokens = 50
	}

	if cfg.Context.Dir == "" {
		cfg.Context.Dir = "data/context"
	}

	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 9223
	}
}

// ApplyEnv overlays recognised environment variables onto cfg. All variables
// are optional; malformed numeric values are logged and ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SOCKET_HOST"); v != "" {
		cfg.Gateways.Socket.Host = v
	}
	if v := os.Getenv("SOCKET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateways.Socket.Port = port
		} else {
			slog.Warn("ignoring malformed SOCKET_PORT", "value", v)
		}
	}
	if v := os.Getenv("MEMORY_DB_DSN"); v != "" {
		cfg.Memory.PostgresDSN = v
	} else if v := os.Getenv("MEMORY_DB_PATH"); v != "" {
		// Legacy name. Accept it only when it actually carries a DSN.
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Memory.PostgresDSN = v
		} else {
			slog.Warn("MEMORY_DB_PATH no longer selects a database file; set MEMORY_DB_DSN to a PostgreSQL DSN", "value", v)
		}
	}
	if v := os.Getenv("MEMORY_PATHS"); v != "" {
		var paths []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		cfg.Memory.Paths = paths
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Provider.Embeddings.Model = v
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.ChunkSizeTokens = n
		} else {
			slog.Warn("ignoring malformed CHUNK_SIZE", "value", v)
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.ChunkOverlapTokens = n
		} else {
			slog.Warn("ignoring malformed CHUNK_OVERLAP", "value", v)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Provider.LLM.Name)
	validateProviderName("summarizer", cfg.Provider.Summarizer.Name)
	validateProviderName("embeddings", cfg.Provider.Embeddings.Name)
	validateProviderName("transcription", cfg.Provider.Transcription.Name)

	if cfg.Provider.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required: the pipeline cannot generate responses without a model"))
	}

	if cfg.Provider.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" && len(cfg.Memory.Paths) > 0 {
		errs = append(errs, errors.New("memory.paths is set but memory.postgres_dsn is empty"))
	}

	p := cfg.Pipeline
	if !p.CompactionStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.compaction_strategy %q is invalid; valid values: adaptive, progressive, truncate", p.CompactionStrategy))
	}
	if p.ContextBudgetRatio < 0 || p.ContextBudgetRatio > 1 {
		errs = append(errs, fmt.Errorf("pipeline.context_budget_ratio %.2f is out of range [0, 1]", p.ContextBudgetRatio))
	}
	if p.ReserveForResponse >= p.MaxContextTokens {
		errs = append(errs, fmt.Errorf("pipeline.reserve_for_response %d must be below pipeline.max_context_tokens %d", p.ReserveForResponse, p.MaxContextTokens))
	}

	for i, rule := range cfg.Security.Rules {
		prefix := fmt.Sprintf("security.rules[%d]", i)
		if rule.Pattern == "" && rule.Match == "" {
			errs = append(errs, fmt.Errorf("%s: one of pattern or match is required", prefix))
		}
		if rule.Pattern != "" && rule.Match != "" {
			errs = append(errs, fmt.Errorf("%s: pattern and match are mutually exclusive", prefix))
		}
	}

	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	if cfg.Relay.Enabled && (cfg.Relay.Port < 1 || cfg.Relay.Port > 65535) {
		errs = append(errs, fmt.Errorf("relay.port %d is out of range [1, 65535]", cfg.Relay.Port))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
