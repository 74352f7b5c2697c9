// Package validate checks inbound messages against configured limits before
// they enter the pipeline. The validator never mutates the message; it
// returns the full list of violations so the rejection response can name
// every problem at once.
package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/pkg/types"
)

// IssueKind tags a single validation failure.
type IssueKind string

const (
	KindTextTooLong        IssueKind = "text_too_long"
	KindTooManyAttachments IssueKind = "too_many_attachments"
	KindAttachmentTooLarge IssueKind = "attachment_too_large"
	KindMediaTypeBlocked   IssueKind = "media_type_blocked"
	KindMissingChannel     IssueKind = "missing_channel"
	KindUserBlocked        IssueKind = "user_blocked"
	KindEmptyMessage       IssueKind = "empty_message"
)

// Issue is one validation failure with a human-readable reason.
type Issue struct {
	Kind   IssueKind
	Reason string
}

// Validator applies the configured pipeline limits to inbound messages.
// Safe for concurrent use.
type Validator struct {
	cfg config.PipelineConfig
}

// New returns a Validator enforcing the limits in cfg.
func New(cfg config.PipelineConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Check returns every limit violation in msg. An empty slice means the
// message is acceptable. The cleaned text (directive tokens removed) is what
// is measured against the length limit.
func (v *Validator) Check(msg *types.Message) []Issue {
	var issues []Issue

	if msg.ChannelID == "" {
		issues = append(issues, Issue{
			Kind:   KindMissingChannel,
			Reason: "message has no channel id",
		})
	}

	if msg.UserID != "" && slices.Contains(v.cfg.BlockedUsers, msg.UserID) {
		issues = append(issues, Issue{
			Kind:   KindUserBlocked,
			Reason: fmt.Sprintf("user %q is blocked", msg.UserID),
		})
	}

	text := msg.CleanText()
	if len(text) > v.cfg.MaxTextLength {
		issues = append(issues, Issue{
			Kind:   KindTextTooLong,
			Reason: fmt.Sprintf("text is %d bytes, limit is %d", len(text), v.cfg.MaxTextLength),
		})
	}

	if len(msg.Attachments) > v.cfg.MaxAttachments {
		issues = append(issues, Issue{
			Kind:   KindTooManyAttachments,
			Reason: fmt.Sprintf("%d attachments, limit is %d", len(msg.Attachments), v.cfg.MaxAttachments),
		})
	}

	for _, att := range msg.Attachments {
		if att.Size > v.cfg.MaxAttachmentBytes {
			issues = append(issues, Issue{
				Kind:   KindAttachmentTooLarge,
				Reason: fmt.Sprintf("attachment %q is %d bytes, limit is %d", att.Filename, att.Size, v.cfg.MaxAttachmentBytes),
			})
		}
		if !v.mediaTypeAllowed(att.MediaType) {
			issues = append(issues, Issue{
				Kind:   KindMediaTypeBlocked,
				Reason: fmt.Sprintf("attachment %q has disallowed media type %q", att.Filename, att.MediaType),
			})
		}
	}

	if v.cfg.RequireText && text == "" && len(msg.Attachments) == 0 {
		issues = append(issues, Issue{
			Kind:   KindEmptyMessage,
			Reason: "message has neither text nor attachments",
		})
	}

	return issues
}

// mediaTypeAllowed reports whether mt passes the allowlist. An empty
// allowlist admits everything. Entries are either exact media types
// ("audio/wav") or category wildcards ("image/*").
func (v *Validator) mediaTypeAllowed(mt string) bool {
	if len(v.cfg.AllowedMediaTypes) == 0 {
		return true
	}
	for _, allowed := range v.cfg.AllowedMediaTypes {
		if allowed == mt {
			return true
		}
		if kind, ok := strings.CutSuffix(allowed, "/*"); ok &&
			strings.HasPrefix(mt, kind+"/") {
			return true
		}
	}
	return false
}

// Reasons joins the human-readable reasons of issues with "; ". Used to
// build the rejection response text.
func Reasons(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, iss := range issues {
		parts[i] = iss.Reason
	}
	return strings.Join(parts, "; ")
}
