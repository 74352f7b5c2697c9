// Package attach converts non-text attachments into text the model can read.
//
// Currently audio attachments are transcribed via a [transcribe.Provider].
// Conversions for one message run concurrently; Process waits for all of them
// before returning. A failed conversion never fails the message — the
// attachment is skipped and a warning is recorded in its metadata.
package attach

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/provider/transcribe"
	"github.com/openbotx/openbotx/pkg/types"
)

// WarningKey is the attachment metadata key under which conversion failures
// are recorded.
const WarningKey = "conversion_warning"

// maxConcurrent bounds parallel conversions per message.
const maxConcurrent = 4

// Processor converts attachments to text. Safe for concurrent use.
type Processor struct {
	transcriber transcribe.Provider
}

// New returns a Processor. transcriber may be nil, in which case audio
// attachments are skipped with a warning.
func New(transcriber transcribe.Provider) *Processor {
	return &Processor{transcriber: transcriber}
}

// Process converts every convertible attachment of msg and appends the
// resulting text to the message's cleaned text, each section introduced by a
// marker naming the source file. Results are appended in attachment order
// regardless of completion order. Process blocks until all conversions have
// finished.
func (p *Processor) Process(ctx context.Context, msg *types.Message) {
	if len(msg.Attachments) == 0 {
		return
	}

	texts := make([]string, len(msg.Attachments))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if !strings.HasPrefix(att.MediaType, "audio/") {
			continue
		}
		g.Go(func() error {
			text, err := p.transcribeAttachment(gctx, att)
			if err != nil {
				observe.Logger(gctx).Warn("attachment conversion failed, ignoring attachment",
					"filename", att.Filename, "media_type", att.MediaType, "error", err)
				mu.Lock()
				if att.Metadata == nil {
					att.Metadata = make(map[string]string)
				}
				att.Metadata[WarningKey] = err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			texts[i] = text
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // conversion errors are downgraded above

	var b strings.Builder
	if clean := msg.CleanText(); clean != "" {
		b.WriteString(clean)
	}
	for i, text := range texts {
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[transcript of %s]\n%s", msg.Attachments[i].Filename, text)
	}

	if msg.Directives != nil {
		msg.Directives.CleanText = b.String()
	} else {
		msg.Text = b.String()
	}
}

// transcribeAttachment runs one audio attachment through the transcriber.
func (p *Processor) transcribeAttachment(ctx context.Context, att *types.Attachment) (string, error) {
	if p.transcriber == nil {
		return "", fmt.Errorf("no transcription provider configured")
	}
	if len(att.Data) == 0 {
		return "", fmt.Errorf("attachment has no inline data")
	}
	text, err := p.transcriber.Transcribe(ctx, att.Data, att.Filename, att.MediaType)
	if err != nil {
		return "", fmt.Errorf("transcribe %q: %w", att.Filename, err)
	}
	return strings.TrimSpace(text), nil
}
