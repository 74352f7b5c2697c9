// Package transcribe defines the Provider interface for audio transcription
// backends.
//
// A transcription provider converts a whole encoded audio payload (as carried
// by a message attachment) into text in a single call. This is a batch
// interface: the attachment processor hands over the full file and waits for
// the result, unlike a streaming speech pipeline.
//
// Implementations must be safe for concurrent use.
package transcribe

import "context"

// Provider is the abstraction over any audio transcription backend.
type Provider interface {
	// Transcribe converts the audio payload into text. filename carries the
	// original attachment name so providers can infer the container format;
	// mediaType is the declared media type (e.g. "audio/wav").
	//
	// Returns the transcribed text, which may be empty for silent audio.
	// An error is returned on decode or backend failure, or when ctx is
	// cancelled.
	Transcribe(ctx context.Context, data []byte, filename, mediaType string) (string, error)
}
