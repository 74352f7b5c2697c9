// Package openai provides a transcription provider backed by the OpenAI
// audio transcription API (or any OpenAI-compatible endpoint via WithBaseURL).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openbotx/openbotx/pkg/provider/transcribe"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Provider implements the transcribe.Provider interface.
var _ transcribe.Provider = (*Provider)(nil)

// Provider implements transcribe.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcribe: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, data []byte, filename, mediaType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("openai transcribe: empty audio payload")
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: p.model,
		File:  oai.File(bytes.NewReader(data), filename, mediaType),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcribe: %w", err)
	}
	return resp.Text, nil
}
