// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the agent brain sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/openbotx/openbotx/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponses is consumed in order, one per Complete call. When
	// exhausted (or empty), CompleteResponse is returned instead. Useful for
	// scripting a tool-call round followed by a final answer.
	CompleteResponses []*llm.CompletionResponse

	// CompleteResponse is returned by Complete when CompleteResponses is
	// exhausted. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCallCount is the number of times CountTokens was called.
	CountTokensCallCount int

	nextResponse int
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.nextResponse < len(p.CompleteResponses) {
		resp := p.CompleteResponses[p.nextResponse]
		p.nextResponse++
		return resp, nil
	}
	return p.CompleteResponse, nil
}

// CountTokens records the call and returns a 4-chars-per-token estimate,
// or TokenCount when it is non-zero.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCallCount++
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears all recorded calls and response cursors. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCallCount = 0
	p.nextResponse = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
