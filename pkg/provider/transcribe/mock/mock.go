// Package mock provides a test double for the transcribe.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/openbotx/openbotx/pkg/provider/transcribe"
)

// Call records a single invocation of Transcribe.
type Call struct {
	Filename  string
	MediaType string
	Size      int
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

// Transcribe records the call and returns Text, Err.
func (p *Provider) Transcribe(ctx context.Context, data []byte, filename, mediaType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Filename: filename, MediaType: mediaType, Size: len(data)})
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)
