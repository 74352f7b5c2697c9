// Package whisper provides a transcription provider backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across all calls; each
// Transcribe call creates its own whisper context, so concurrent calls do not
// interfere.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/openbotx/openbotx/pkg/provider/transcribe"
)

// Compile-time assertion that Provider satisfies transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

const defaultLanguage = "en"

// Provider implements transcribe.Provider using whisper.cpp Go bindings.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given file
// path. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements transcribe.Provider. The payload must be a RIFF/WAVE
// file containing 16-bit signed little-endian PCM; whisper.cpp expects
// 16 kHz mono and other rates degrade accuracy but do not fail.
func (p *Provider) Transcribe(ctx context.Context, data []byte, filename, mediaType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	samples, err := decodeWAV(data)
	if err != nil {
		return "", fmt.Errorf("whisper: decode %q: %w", filename, err)
	}
	if len(samples) == 0 {
		return "", nil
	}

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
