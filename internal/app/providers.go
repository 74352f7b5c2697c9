package app

import (
	"errors"
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/resilience"
	"github.com/openbotx/openbotx/pkg/provider/embeddings"
	ollamaembed "github.com/openbotx/openbotx/pkg/provider/embeddings/ollama"
	oaembed "github.com/openbotx/openbotx/pkg/provider/embeddings/openai"
	"github.com/openbotx/openbotx/pkg/provider/llm"
	"github.com/openbotx/openbotx/pkg/provider/llm/anyllm"
	oallm "github.com/openbotx/openbotx/pkg/provider/llm/openai"
	"github.com/openbotx/openbotx/pkg/provider/transcribe"
	oatranscribe "github.com/openbotx/openbotx/pkg/provider/transcribe/openai"
	whispertr "github.com/openbotx/openbotx/pkg/provider/transcribe/whisper"
)

// Providers holds one provider per external capability. Nil means the
// capability is not configured; the app degrades the dependent features.
type Providers struct {
	// LLM drives the agent brain. Required.
	LLM llm.Provider

	// Summarizer is the model used for background summarization. When nil,
	// the main LLM is used.
	Summarizer llm.Provider

	// Embeddings backs the memory index. When nil, the index is disabled.
	Embeddings embeddings.Provider

	// Transcriber converts audio attachments to text. When nil, audio
	// attachments are skipped with a warning.
	Transcriber transcribe.Provider

	closers []func() error
}

// Close releases provider-held resources (e.g. native transcription models).
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildProviders instantiates every provider named in cfg. Model, embedding
// and transcription providers are wrapped in retrying per-provider circuit
// breakers so a flapping backend is cut off instead of stalling the pipeline.
func BuildProviders(cfg *config.Config) (*Providers, error) {
	ps := &Providers{}

	if entry := cfg.Provider.LLM; entry.Name != "" {
		p, err := buildLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{})
	}

	if entry := cfg.Provider.Summarizer; entry.Name != "" {
		p, err := buildLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create summarizer provider %q: %w", entry.Name, err)
		}
		ps.Summarizer = resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{})
	}

	if entry := cfg.Provider.Embeddings; entry.Name != "" {
		p, err := buildEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		ps.Embeddings = resilience.NewEmbedFallback(p, entry.Name, resilience.FallbackConfig{})
	}

	if entry := cfg.Provider.Transcription; entry.Name != "" {
		p, closer, err := buildTranscriber(entry)
		if err != nil {
			return nil, fmt.Errorf("create transcription provider %q: %w", entry.Name, err)
		}
		if closer != nil {
			ps.closers = append(ps.closers, closer)
		}
		ps.Transcriber = resilience.NewTranscribeFallback(p, entry.Name, resilience.FallbackConfig{})
	}

	return ps, nil
}

// buildLLM constructs a chat-completion provider. "openai" uses the native
// SDK client; every other name goes through the any-llm multi-backend.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai" {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

func buildEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "ollama":
		return ollamaembed.New(entry.BaseURL, entry.Model)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
	}
}

func buildTranscriber(entry config.ProviderEntry) (transcribe.Provider, func() error, error) {
	switch entry.Name {
	case "openai":
		var opts []oatranscribe.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatranscribe.WithBaseURL(entry.BaseURL))
		}
		p, err := oatranscribe.New(entry.APIKey, entry.Model, opts...)
		return p, nil, err
	case "whisper", "whisper-native":
		var opts []whispertr.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispertr.WithLanguage(lang))
		}
		p, err := whispertr.New(entry.Model, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transcription provider %q", entry.Name)
	}
}

// optString extracts a string value from a provider Options map. Returns ""
// when the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
