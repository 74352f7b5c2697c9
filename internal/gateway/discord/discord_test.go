package discord

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/pkg/types"
)

// fakeSession records outbound sends.
type fakeSession struct {
	opened   bool
	closed   bool
	sends    []*discordgo.MessageSend
	channels []string
	sendErr  error
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.channels = append(f.channels, channelID)
	f.sends = append(f.sends, data)
	return &discordgo.Message{ID: "sent"}, nil
}

// recordingSink captures enqueued messages.
type recordingSink struct {
	msgs []*types.Message
	err  error
}

func (s *recordingSink) Enqueue(msg *types.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.msgs = append(s.msgs, msg)
	return msg.ID, nil
}

func inbound(userID, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: userID},
	}}
}

func newGateway(cfg config.DiscordGatewayConfig, sink *recordingSink) (*Gateway, *fakeSession) {
	fs := &fakeSession{}
	g := New(cfg, sink, WithSession(fs))
	return g, fs
}

func TestHandleMessage_Enqueues(t *testing.T) {
	sink := &recordingSink{}
	g, _ := newGateway(config.DiscordGatewayConfig{}, sink)

	msg := inbound("u1", "1234", "hello bot")
	msg.MessageReference = &discordgo.MessageReference{MessageID: "prev"}
	msg.Attachments = []*discordgo.MessageAttachment{{
		Filename:    "photo.png",
		ContentType: "image/png",
		Size:        42,
		URL:         "https://cdn.example/photo.png",
	}}
	g.handleMessage(context.Background(), msg, "bot-id")

	if len(sink.msgs) != 1 {
		t.Fatalf("enqueued %d messages", len(sink.msgs))
	}
	got := sink.msgs[0]
	if got.ChannelID != "discord-1234" || got.UserID != "u1" || got.Gateway != "discord" {
		t.Errorf("channel/user/gateway = %q/%q/%q", got.ChannelID, got.UserID, got.Gateway)
	}
	if got.Text != "hello bot" || got.ReplyTo != "prev" {
		t.Errorf("text/reply = %q/%q", got.Text, got.ReplyTo)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "https://cdn.example/photo.png" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestHandleMessage_FiltersSenders(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		msg     *discordgo.MessageCreate
		selfID  string
	}{
		{"own message", nil, inbound("bot-id", "1", "hi"), "bot-id"},
		{"bot author", nil, func() *discordgo.MessageCreate {
			m := inbound("other-bot", "1", "hi")
			m.Author.Bot = true
			return m
		}(), "bot-id"},
		{"unlisted user", []string{"u1"}, inbound("u2", "1", "hi"), "bot-id"},
		{"empty message", nil, inbound("u1", "1", ""), "bot-id"},
		{"nil author", nil, &discordgo.MessageCreate{Message: &discordgo.Message{Content: "hi"}}, "bot-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			g, _ := newGateway(config.DiscordGatewayConfig{AllowedUsers: tt.allowed}, sink)
			g.handleMessage(context.Background(), tt.msg, tt.selfID)
			if len(sink.msgs) != 0 {
				t.Errorf("message was enqueued: %+v", sink.msgs[0])
			}
		})
	}
}

func TestHandleMessage_AllowedUserPasses(t *testing.T) {
	sink := &recordingSink{}
	g, _ := newGateway(config.DiscordGatewayConfig{AllowedUsers: []string{"u1"}}, sink)
	g.handleMessage(context.Background(), inbound("u1", "1", "hi"), "bot-id")
	if len(sink.msgs) != 1 {
		t.Fatalf("enqueued %d messages", len(sink.msgs))
	}
}

func TestSend_RoutesToDiscordChannel(t *testing.T) {
	g, fs := newGateway(config.DiscordGatewayConfig{}, &recordingSink{})

	ok, err := g.Send(context.Background(), &types.OutboundMessage{
		ChannelID: "discord-1234",
		Text:      "the answer",
		ReplyTo:   "q1",
	})
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}
	if fs.channels[0] != "1234" {
		t.Errorf("channel = %q", fs.channels[0])
	}
	if fs.sends[0].Content != "the answer" {
		t.Errorf("content = %q", fs.sends[0].Content)
	}
	if fs.sends[0].Reference == nil || fs.sends[0].Reference.MessageID != "q1" {
		t.Errorf("reference = %+v", fs.sends[0].Reference)
	}

	// Foreign channels are not delivered.
	ok, err = g.Send(context.Background(), &types.OutboundMessage{ChannelID: "term-main", Text: "x"})
	if err != nil || ok {
		t.Errorf("foreign channel Send = %v, %v", ok, err)
	}
}

func TestSend_AppendsContentLinks(t *testing.T) {
	g, fs := newGateway(config.DiscordGatewayConfig{}, &recordingSink{})

	ok, err := g.Send(context.Background(), &types.OutboundMessage{
		ChannelID: "discord-1234",
		Text:      "here you go",
		Contents: []types.Content{
			{Kind: types.ContentText, Text: "here you go"},
			{Kind: types.ContentImage, URL: "https://cdn.example/a.png"},
			{Kind: types.ContentAudio, Data: []byte{1}}, // inline only, no link
		},
	})
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}
	want := "here you go\nhttps://cdn.example/a.png"
	if fs.sends[0].Content != want {
		t.Errorf("content = %q, want %q", fs.sends[0].Content, want)
	}
}

func TestSend_PropagatesAPIError(t *testing.T) {
	g, fs := newGateway(config.DiscordGatewayConfig{}, &recordingSink{})
	fs.sendErr = errors.New("rate limited")

	ok, err := g.Send(context.Background(), &types.OutboundMessage{ChannelID: "discord-1", Text: "x"})
	if ok || err == nil {
		t.Errorf("Send = %v, %v", ok, err)
	}
}

func TestLifecycle_OpensAndCloses(t *testing.T) {
	g, fs := newGateway(config.DiscordGatewayConfig{}, &recordingSink{})

	if err := g.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fs.opened {
		t.Error("Start did not open the session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Run(ctx); err != nil {
		t.Errorf("Run = %v", err)
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fs.closed {
		t.Error("Stop did not close the session")
	}
}

func TestInitialize_RequiresToken(t *testing.T) {
	g := New(config.DiscordGatewayConfig{}, &recordingSink{})
	if err := g.Initialize(context.Background()); err == nil {
		t.Error("Initialize without token should fail")
	}
}
