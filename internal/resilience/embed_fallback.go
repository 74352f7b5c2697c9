package resilience

import (
	"context"

	"github.com/openbotx/openbotx/pkg/provider/embeddings"
)

// EmbedFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends. Each backend has its own circuit
// breaker.
//
// Fallback backends must produce vectors of the same dimensionality as the
// primary; vectors from differently-sized models are not comparable.
type EmbedFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbedFallback)(nil)

// NewEmbedFallback creates an [EmbedFallback] with primary as the preferred
// backend.
func NewEmbedFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbedFallback {
	return &EmbedFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embedding provider as a fallback.
func (f *EmbedFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed computes the embedding via the first healthy backend.
func (f *EmbedFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch computes the batch via the first healthy backend.
func (f *EmbedFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions reports the primary's dimensionality. Static metadata does not
// participate in failover.
func (f *EmbedFallback) Dimensions() int {
	return f.group.backends[0].value.Dimensions()
}

// ModelID reports the primary's model identifier.
func (f *EmbedFallback) ModelID() string {
	return f.group.backends[0].value.ModelID()
}
