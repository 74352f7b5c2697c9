// Package discord implements the Discord chat gateway. It owns the
// discordgo.Session lifecycle and bridges guild and direct messages onto the
// message bus.
package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/gateway"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/types"
)

// GatewayName is the supervisor registration name.
const GatewayName = "discord"

// channelPrefix tags Discord channel ids, e.g. "discord-1234".
const channelPrefix = "discord-"

// session is the slice of discordgo.Session this gateway uses. Narrowed for
// test doubles.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ session = (*discordgo.Session)(nil)

// Gateway bridges a Discord bot account to the orchestration pipeline.
type Gateway struct {
	cfg  config.DiscordGatewayConfig
	sink gateway.Sink

	session       session
	removeHandler func()
}

var _ gateway.Provider = (*Gateway)(nil)

// Option customizes a Gateway.
type Option func(*Gateway)

// WithSession injects a pre-built session, for tests.
func WithSession(s session) Option {
	return func(g *Gateway) { g.session = s }
}

// New creates the Discord gateway delivering inbound messages into sink.
func New(cfg config.DiscordGatewayConfig, sink gateway.Sink, opts ...Option) *Gateway {
	g := &Gateway{cfg: cfg, sink: sink}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Name() string { return GatewayName }

// Initialize creates the discordgo session and registers the message
// handler. The connection itself is opened in Start.
func (g *Gateway) Initialize(context.Context) error {
	if g.session == nil {
		if g.cfg.Token == "" {
			return errors.New("discord gateway: token is required")
		}
		s, err := discordgo.New("Bot " + g.cfg.Token)
		if err != nil {
			return fmt.Errorf("discord gateway: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		g.session = s
	}

	g.removeHandler = g.session.AddHandler(g.onMessageCreate)
	return nil
}

func (g *Gateway) Start(ctx context.Context) error {
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord gateway: open session: %w", err)
	}
	observe.Logger(ctx).Info("discord gateway connected")
	return nil
}

// Run blocks until ctx is cancelled; discordgo delivers events on its own
// goroutines.
func (g *Gateway) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (g *Gateway) Stop(context.Context) error {
	if g.removeHandler != nil {
		g.removeHandler()
		g.removeHandler = nil
	}
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("discord gateway: close session: %w", err)
	}
	return nil
}

// Send posts the response text to the Discord channel encoded in the target
// channel id. Non-text contents that reference stored payloads are appended
// as links.
func (g *Gateway) Send(ctx context.Context, out *types.OutboundMessage) (bool, error) {
	discordChannel, ok := strings.CutPrefix(out.ChannelID, channelPrefix)
	if !ok {
		return false, nil
	}

	content := out.Text
	for _, c := range out.Contents {
		if c.Kind == types.ContentText || c.URL == "" {
			continue
		}
		if content != "" {
			content += "\n"
		}
		content += c.URL
	}
	if content == "" {
		return false, nil
	}

	data := &discordgo.MessageSend{Content: content}
	if out.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: out.ReplyTo,
			ChannelID: discordChannel,
		}
	}
	if _, err := g.session.ChannelMessageSendComplex(discordChannel, data); err != nil {
		return false, fmt.Errorf("discord gateway: send to %s: %w", discordChannel, err)
	}
	return true, nil
}

func (g *Gateway) Capabilities() []types.ContentKind {
	return []types.ContentKind{
		types.ContentText,
		types.ContentImage,
		types.ContentAudio,
		types.ContentVideo,
	}
}

// onMessageCreate is the discordgo event handler.
func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	g.handleMessage(context.Background(), m, selfID)
}

// handleMessage filters and enqueues one inbound Discord message.
func (g *Gateway) handleMessage(ctx context.Context, m *discordgo.MessageCreate, selfID string) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return
	}
	if len(g.cfg.AllowedUsers) > 0 && !slices.Contains(g.cfg.AllowedUsers, m.Author.ID) {
		observe.Logger(ctx).Debug("discord message from unlisted user dropped",
			"user_id", m.Author.ID)
		return
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return
	}

	msg := types.NewMessage(channelPrefix+m.ChannelID, m.Author.ID, GatewayName, m.Content)
	if m.MessageReference != nil {
		msg.ReplyTo = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, types.Attachment{
			ID:        uuid.NewString(),
			Filename:  att.Filename,
			MediaType: att.ContentType,
			Size:      int64(att.Size),
			URL:       att.URL,
		})
	}

	if _, err := g.sink.Enqueue(msg); err != nil {
		observe.Logger(ctx).Warn("discord enqueue failed",
			"channel_id", msg.ChannelID, "error", err)
	}
}
