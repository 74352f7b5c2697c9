package validate

import (
	"strings"
	"testing"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/pkg/types"
)

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxTextLength:      100,
		MaxAttachments:     2,
		MaxAttachmentBytes: 1024,
		AllowedMediaTypes:  []string{"audio/wav", "image/*"},
		RequireText:        true,
		BlockedUsers:       []string{"blocked-user"},
	}
}

func hasKind(issues []Issue, kind IssueKind) bool {
	for _, iss := range issues {
		if iss.Kind == kind {
			return true
		}
	}
	return false
}

func TestCheck_ValidMessage(t *testing.T) {
	v := New(testConfig())
	msg := types.NewMessage("socket:room1", "alice", "socket", "hello there")

	if issues := v.Check(msg); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestCheck_Violations(t *testing.T) {
	tests := []struct {
		name string
		msg  *types.Message
		want IssueKind
	}{
		{
			name: "text too long",
			msg:  types.NewMessage("socket:room1", "alice", "socket", strings.Repeat("a", 101)),
			want: KindTextTooLong,
		},
		{
			name: "missing channel",
			msg:  types.NewMessage("", "alice", "socket", "hi"),
			want: KindMissingChannel,
		},
		{
			name: "blocked user",
			msg:  types.NewMessage("socket:room1", "blocked-user", "socket", "hi"),
			want: KindUserBlocked,
		},
		{
			name: "empty message",
			msg:  types.NewMessage("socket:room1", "alice", "socket", ""),
			want: KindEmptyMessage,
		},
	}

	v := New(testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := v.Check(tt.msg)
			if !hasKind(issues, tt.want) {
				t.Errorf("issues = %v, want kind %q", issues, tt.want)
			}
		})
	}
}

func TestCheck_Attachments(t *testing.T) {
	v := New(testConfig())

	msg := types.NewMessage("socket:room1", "alice", "socket", "see attached")
	msg.Attachments = []types.Attachment{
		{Filename: "a.wav", MediaType: "audio/wav", Size: 512},
		{Filename: "b.png", MediaType: "image/png", Size: 2048},
		{Filename: "c.mp4", MediaType: "video/mp4", Size: 100},
	}

	issues := v.Check(msg)
	if !hasKind(issues, KindTooManyAttachments) {
		t.Error("expected too_many_attachments")
	}
	if !hasKind(issues, KindAttachmentTooLarge) {
		t.Error("expected attachment_too_large for b.png")
	}
	if !hasKind(issues, KindMediaTypeBlocked) {
		t.Error("expected media_type_blocked for c.mp4")
	}
}

func TestCheck_MediaTypeWildcard(t *testing.T) {
	v := New(testConfig())
	msg := types.NewMessage("socket:room1", "alice", "socket", "picture")
	msg.Attachments = []types.Attachment{
		{Filename: "pic.jpeg", MediaType: "image/jpeg", Size: 100},
	}
	if issues := v.Check(msg); len(issues) != 0 {
		t.Fatalf("image/* wildcard should admit image/jpeg, got %v", issues)
	}
}

func TestCheck_EmptyAllowlistAdmitsAll(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedMediaTypes = nil
	v := New(cfg)

	msg := types.NewMessage("socket:room1", "alice", "socket", "anything goes")
	msg.Attachments = []types.Attachment{
		{Filename: "x.bin", MediaType: "application/octet-stream", Size: 10},
	}
	if issues := v.Check(msg); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestCheck_AttachmentsSatisfyRequireText(t *testing.T) {
	v := New(testConfig())
	msg := types.NewMessage("socket:room1", "alice", "socket", "")
	msg.Attachments = []types.Attachment{
		{Filename: "note.wav", MediaType: "audio/wav", Size: 100},
	}
	if issues := v.Check(msg); len(issues) != 0 {
		t.Fatalf("attachment-only message should pass, got %v", issues)
	}
}

func TestCheck_DoesNotMutate(t *testing.T) {
	v := New(testConfig())
	msg := types.NewMessage("socket:room1", "alice", "socket", strings.Repeat("a", 200))
	before := *msg
	v.Check(msg)
	if msg.Text != before.Text || msg.Status != before.Status {
		t.Error("Check mutated the message")
	}
}

func TestReasons(t *testing.T) {
	issues := []Issue{
		{Kind: KindTextTooLong, Reason: "too long"},
		{Kind: KindUserBlocked, Reason: "blocked"},
	}
	if got := Reasons(issues); got != "too long; blocked" {
		t.Errorf("Reasons = %q", got)
	}
}
