// Package types defines the shared message model used across all OpenBotX
// packages.
//
// These types form the lingua franca between gateways, the orchestrator, and
// the agent brain. They are intentionally minimal — each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ContentKind classifies the payload of a message or response content item.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentAudio ContentKind = "audio"
	ContentImage ContentKind = "image"
	ContentVideo ContentKind = "video"
	ContentFile  ContentKind = "file"
)

// IsValid reports whether k is a recognised content kind.
func (k ContentKind) IsValid() bool {
	switch k {
	case ContentText, ContentAudio, ContentImage, ContentVideo, ContentFile:
		return true
	}
	return false
}

// MessageStatus tracks an inbound message through the pipeline.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusRejected   MessageStatus = "rejected"
)

// Directive is an inline /word control token recognised in user text.
type Directive string

const (
	DirectiveThink     Directive = "think"
	DirectiveVerbose   Directive = "verbose"
	DirectiveReasoning Directive = "reasoning"
	DirectiveElevated  Directive = "elevated"
)

// PromptMode controls how much of the layered system prompt is emitted.
type PromptMode string

const (
	PromptFull    PromptMode = "full"
	PromptMinimal PromptMode = "minimal"
	PromptNone    PromptMode = "none"
)

// ToolProfile names a bundle of tool groups offered to the model for one message.
type ToolProfile string

const (
	ProfileMinimal   ToolProfile = "minimal"
	ProfileCoding    ToolProfile = "coding"
	ProfileMessaging ToolProfile = "messaging"
	ProfileFull      ToolProfile = "full"
)

// IsValid reports whether p is a recognised tool profile.
func (p ToolProfile) IsValid() bool {
	switch p {
	case ProfileMinimal, ProfileCoding, ProfileMessaging, ProfileFull:
		return true
	}
	return false
}

// ParsedDirectives is the result of directive extraction from user text.
type ParsedDirectives struct {
	// Directives lists recognised directives in the order they were found.
	Directives []Directive

	// CleanText is the input with all directive tokens removed, whitespace
	// collapsed and trimmed. Unknown /word tokens are left in place.
	CleanText string

	// PromptMode is the verbosity mode selected by /quiet or /silent.
	// Defaults to [PromptFull].
	PromptMode PromptMode

	// ToolProfile is the tool bundle selected by a profile directive.
	// Defaults to [ProfileFull].
	ToolProfile ToolProfile

	// Elevated is true when /elevated was present.
	Elevated bool
}

// Attachment is a binary payload carried by an inbound message.
// Exactly one of Data or URL must be resolvable before the agent stage.
type Attachment struct {
	ID        string
	Filename  string
	MediaType string
	Size      int64

	// Data holds the attachment bytes when delivered inline.
	Data []byte

	// URL points at the attachment when it is stored externally.
	URL string

	// Metadata carries free-form per-attachment annotations, including
	// conversion warnings recorded by the attachment processor.
	Metadata map[string]string
}

// Message is an inbound user message as seen by the orchestration pipeline.
type Message struct {
	// ID uniquely identifies this message.
	ID string

	// ChannelID is the transport-prefixed logical conversation id
	// (e.g. "term-main", "sock-3f2a…", "discord-1234").
	ChannelID string

	// UserID identifies the sender when the transport knows it.
	UserID string

	// Gateway is the transport tag of the originating gateway.
	Gateway string

	// Kind classifies the primary payload.
	Kind ContentKind

	// Text is the raw user text. After directive parsing the pipeline works
	// with Directives.CleanText instead.
	Text string

	// Attachments are carried in arrival order.
	Attachments []Attachment

	Status MessageStatus

	// CorrelationID is propagated unchanged onto the outbound response.
	CorrelationID string

	Timestamp time.Time

	// ReplyTo references the message this one answers, when known.
	ReplyTo string

	// Directives is populated by the orchestrator during directive parsing.
	Directives *ParsedDirectives
}

// CleanText returns the directive-stripped text when directives have been
// parsed, and the raw text otherwise.
func (m *Message) CleanText() string {
	if m.Directives != nil {
		return m.Directives.CleanText
	}
	return m.Text
}

// NewMessage creates a pending text message with fresh message and
// correlation ids.
func NewMessage(channelID, userID, gateway, text string) *Message {
	return &Message{
		ID:            uuid.NewString(),
		ChannelID:     channelID,
		UserID:        userID,
		Gateway:       gateway,
		Kind:          ContentText,
		Text:          text,
		Status:        StatusPending,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
}

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one entry of a channel's conversation history.
type Turn struct {
	Role      TurnRole
	Content   string
	Timestamp time.Time
}

// Content is one typed item of an agent response.
type Content struct {
	Kind ContentKind

	// Text is set for Kind == ContentText.
	Text string

	// Data holds binary payloads for non-text kinds, when produced inline.
	Data []byte

	// URL references the payload when it lives elsewhere.
	URL string

	// Filename is a suggested name for file-like contents.
	Filename string

	// MediaType is the declared media type of Data or URL.
	MediaType string
}

// AgentResponse is the structured result of one agent brain invocation.
type AgentResponse struct {
	// Contents is the ordered sequence of typed outputs. Tool results come
	// first, the model's final text last.
	Contents []Content

	// ToolsCalled lists tool names invoked during this turn, for telemetry.
	ToolsCalled []string

	// NeedsLearning signals that the model identified a capability gap and a
	// new skill should be generated for LearningTopic.
	NeedsLearning bool
	LearningTopic string
}

// Text concatenates all text contents with newlines. Convenient for
// gateways whose only capability is text.
func (r *AgentResponse) Text() string {
	out := ""
	for _, c := range r.Contents {
		if c.Kind != ContentText || c.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// OutboundMessage is the transport-facing response emitted by a gateway.
type OutboundMessage struct {
	ID            string
	ChannelID     string
	Text          string
	Contents      []Content
	CorrelationID string
	ReplyTo       string
	Timestamp     time.Time
}

// NewOutbound creates an outbound message answering msg with the given text.
func NewOutbound(msg *Message, text string) *OutboundMessage {
	return &OutboundMessage{
		ID:            uuid.NewString(),
		ChannelID:     msg.ChannelID,
		Text:          text,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ID,
		Timestamp:     time.Now().UTC(),
	}
}
