// Package openai implements the embeddings provider on the OpenAI
// embeddings API via the official SDK.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/openbotx/openbotx/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls one OpenAI embedding model. Safe for concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// Option configures the underlying SDK client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithOrganization sets the OpenAI organization id on all requests.
func WithOrganization(org string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithOrganization(org))
	}
}

// WithTimeout caps each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New builds a provider for the given key and model. An empty model means
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed returns the vector for one text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch embeds all texts in one request. The API may return the data
// out of order; entries are placed by their index field.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d",
			len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		result[e.Index] = toFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions reports the model's vector length.
func (p *Provider) Dimensions() int {
	lower := strings.ToLower(p.model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"),
		strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		// Unknown models get the common 1536 rather than 0, which would fail
		// index construction outright.
		return 1536
	}
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string {
	return p.model
}

// toFloat32 narrows the SDK's float64 vectors for storage.
func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
