package resilience

import (
	"context"

	"github.com/openbotx/openbotx/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with automatic failover
// across multiple transcription backends. Each backend has its own circuit
// breaker.
type TranscribeFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe converts the audio payload to text via the first healthy
// provider. If the primary fails, subsequent fallbacks are tried.
func (f *TranscribeFallback) Transcribe(ctx context.Context, data []byte, filename, mediaType string) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, data, filename, mediaType)
	})
}
