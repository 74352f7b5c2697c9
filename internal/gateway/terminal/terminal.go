// Package terminal implements the interactive stdin/stdout gateway.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/gateway"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/types"
)

// GatewayName is the supervisor registration name.
const GatewayName = "terminal"

// channelPrefix tags terminal channel ids, e.g. "term-main".
const channelPrefix = "term-"

// quitWords end the session when typed alone.
var quitWords = map[string]bool{"quit": true, "exit": true, "bye": true}

// Gateway reads user lines from an input stream and prints responses to an
// output stream. Defaults to stdin/stdout.
type Gateway struct {
	cfg  config.TerminalGatewayConfig
	sink gateway.Sink

	in  io.Reader
	out io.Writer

	// requestStop asks the supervisor to stop this gateway; wired by the
	// application after registration.
	requestStop func()
}

var _ gateway.Provider = (*Gateway)(nil)

// Option customizes a Gateway.
type Option func(*Gateway)

// WithStreams overrides stdin/stdout, for tests.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(g *Gateway) {
		g.in = in
		g.out = out
	}
}

// New creates the terminal gateway delivering messages into sink.
func New(cfg config.TerminalGatewayConfig, sink gateway.Sink, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:  cfg,
		sink: sink,
		in:   os.Stdin,
		out:  os.Stdout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnStopRequest registers the callback invoked when the user types a quit
// word.
func (g *Gateway) OnStopRequest(fn func()) { g.requestStop = fn }

func (g *Gateway) Name() string { return GatewayName }

func (g *Gateway) Initialize(context.Context) error { return nil }

func (g *Gateway) Start(context.Context) error {
	fmt.Fprintln(g.out, "Interactive session ready. Type 'quit' to leave, '/file <path> [text]' to attach a file.")
	return nil
}

func (g *Gateway) Stop(context.Context) error { return nil }

// Run reads lines until ctx is cancelled or the input stream ends. The
// blocking read lives in its own goroutine so the loop can observe ctx at
// every iteration.
func (g *Gateway) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(g.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			// EOF is a clean end of session.
			return err
		case line := <-lines:
			g.handleLine(ctx, line)
		}
	}
}

func (g *Gateway) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if quitWords[strings.ToLower(line)] {
		fmt.Fprintln(g.out, "Goodbye.")
		if g.requestStop != nil {
			g.requestStop()
		}
		return
	}

	msg := types.NewMessage(g.channelID(), "terminal-user", GatewayName, line)

	if rest, ok := strings.CutPrefix(line, "/file "); ok {
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		att, err := loadAttachment(path)
		if err != nil {
			fmt.Fprintf(g.out, "cannot attach %s: %v\n", path, err)
			return
		}
		msg.Text = strings.TrimSpace(text)
		msg.Attachments = []types.Attachment{att}
	}

	if _, err := g.sink.Enqueue(msg); err != nil {
		observe.Logger(ctx).Warn("terminal enqueue failed", "error", err)
		fmt.Fprintf(g.out, "busy, try again: %v\n", err)
	}
}

// Send prints the response text to the output stream.
func (g *Gateway) Send(_ context.Context, out *types.OutboundMessage) (bool, error) {
	if out.ChannelID != g.channelID() {
		return false, nil
	}
	if _, err := fmt.Fprintln(g.out, out.Text); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gateway) Capabilities() []types.ContentKind {
	return []types.ContentKind{types.ContentText}
}

func (g *Gateway) channelID() string {
	return channelPrefix + g.cfg.Channel
}

// loadAttachment reads a file and builds an attachment with a detected media
// type.
func loadAttachment(path string) (types.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Attachment{}, err
	}

	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}

	return types.Attachment{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(path),
		MediaType: mediaType,
		Size:      int64(len(data)),
		Data:      data,
	}, nil
}
