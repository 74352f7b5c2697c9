// Package ollama implements the embeddings provider against a local Ollama
// server's /api/embed endpoint, for models such as nomic-embed-text or
// mxbai-embed-large.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openbotx/openbotx/pkg/provider/embeddings"
)

// DefaultBaseURL targets an Ollama instance on the local machine.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls a single Ollama model for embeddings. The vector dimension
// is taken from WithDimensions, the model-name table, or a one-time probe
// request against the live server, in that order.
//
// Safe for concurrent use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	dims      int
	probeOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout caps each HTTP request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithDimensions fixes the embedding dimension, skipping both the model
// table and the probe request.
func WithDimensions(dims int) Option {
	return func(p *Provider) { p.dims = dims }
}

// New builds a provider for the given server and model. An empty baseURL
// means [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = tableDims(model)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for one text. The text is forwarded verbatim; any
// model-specific prefix ("query: ", "passage: ") is the caller's job.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request; result[i] belongs to texts[i].
// An empty input returns (nil, nil) without a network call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d",
			len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions reports the vector length. For a model missing from the table
// it issues one probe embed against the server; a failed probe reports 0.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.probeOnce.Do(func() {
		vecs, err := p.embed(context.Background(), []string{"dimension check"})
		if err == nil && len(vecs) > 0 {
			p.dims = len(vecs[0])
		}
	})
	return p.dims
}

// ModelID returns the configured Ollama model name.
func (p *Provider) ModelID() string {
	return p.model
}

// embed posts to /api/embed and returns the raw vectors.
func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings, nil
}

// tableDims maps well-known Ollama embedding models to their output size.
// Unknown models return 0 and are probed instead.
func tableDims(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
