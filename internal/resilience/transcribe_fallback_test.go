package resilience

import (
	"context"
	"errors"
	"testing"

	transcribemock "github.com/openbotx/openbotx/pkg/provider/transcribe/mock"
)

func TestTranscribeFallback_PrimarySuccess(t *testing.T) {
	primary := &transcribemock.Provider{Text: "hello from primary"}
	secondary := &transcribemock.Provider{Text: "hello from secondary"}

	fb := NewTranscribeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Retry:          oneShot,
	})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), []byte("audio"), "note.wav", "audio/wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello from primary" {
		t.Fatalf("text = %q, want 'hello from primary'", text)
	}
	if len(primary.Calls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls))
	}
	if len(secondary.Calls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls))
	}
}

func TestTranscribeFallback_Failover(t *testing.T) {
	primary := &transcribemock.Provider{Err: errors.New("primary down")}
	secondary := &transcribemock.Provider{Text: "hello from secondary"}

	fb := NewTranscribeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Retry:          oneShot,
	})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), []byte("audio"), "note.wav", "audio/wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello from secondary" {
		t.Fatalf("text = %q, want 'hello from secondary'", text)
	}
}

func TestTranscribeFallback_AllFail(t *testing.T) {
	primary := &transcribemock.Provider{Err: errors.New("primary down")}
	secondary := &transcribemock.Provider{Err: errors.New("secondary down")}

	fb := NewTranscribeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Retry:          oneShot,
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), []byte("audio"), "note.wav", "audio/wav")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
