package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openbotx/openbotx/internal/contextstore"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/provider/llm"
	"github.com/openbotx/openbotx/pkg/types"
)

// maxSummaryTurns bounds how many trailing turns are shown to the summary
// model in one call.
const maxSummaryTurns = 60

const summarySystemPrompt = `You maintain two running summaries of a conversation.
Reply with exactly one JSON object, no other text:
{"user_summary": "...", "conversation_summary": "..."}
user_summary: at most three sentences about the user (preferences, facts they shared, ongoing goals).
conversation_summary: at most four sentences covering what has been discussed and decided.
Merge the previous summaries with the new turns. Never invent information that is not present in the input. Use an empty string when there is nothing to say.`

// Summarizer produces the dual channel summaries with a dedicated model.
// Model or parse failures degrade to the previous summaries instead of
// erroring, so a flaky summarizer never clobbers stored state.
type Summarizer struct {
	provider llm.Provider
}

var _ contextstore.Summarizer = (*Summarizer)(nil)

// NewSummarizer wraps provider as a [contextstore.Summarizer].
func NewSummarizer(provider llm.Provider) (*Summarizer, error) {
	if provider == nil {
		return nil, errors.New("agent: summarizer provider must not be nil")
	}
	return &Summarizer{provider: provider}, nil
}

// summaryPayload mirrors the JSON object the model is asked to emit.
type summaryPayload struct {
	UserSummary         string `json:"user_summary"`
	ConversationSummary string `json:"conversation_summary"`
}

// Summarize implements [contextstore.Summarizer]. Only context cancellation
// is surfaced as an error.
func (s *Summarizer) Summarize(ctx context.Context, turns []types.Turn, prevUser, prevConversation string) (string, string, error) {
	ctx, span := observe.StartSpan(ctx, "agent.summarize")
	defer span.End()

	completion, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: summaryInput(turns, prevUser, prevConversation),
		}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		span.RecordError(err)
		observe.Logger(ctx).Warn("summarization model call failed", "error", err)
		return prevUser, prevConversation, nil
	}

	payload, err := parseSummaryJSON(completion.Content)
	if err != nil {
		observe.Logger(ctx).Warn("summarization output unparsable", "error", err)
		return prevUser, prevConversation, nil
	}
	return payload.UserSummary, payload.ConversationSummary, nil
}

// summaryInput renders previous summaries and the trailing turns as the
// model's user message.
func summaryInput(turns []types.Turn, prevUser, prevConversation string) string {
	var sb strings.Builder
	if prevUser != "" {
		sb.WriteString("Previous user summary: " + prevUser + "\n")
	}
	if prevConversation != "" {
		sb.WriteString("Previous conversation summary: " + prevConversation + "\n")
	}
	sb.WriteString("\nConversation turns:\n")

	if len(turns) > maxSummaryTurns {
		turns = turns[len(turns)-maxSummaryTurns:]
	}
	for _, t := range turns {
		sb.WriteString(string(t.Role) + ": " + t.Content + "\n")
	}
	return sb.String()
}

// parseSummaryJSON extracts the JSON object from the model's reply, tolerating
// surrounding prose or code fences.
func parseSummaryJSON(text string) (summaryPayload, error) {
	var payload summaryPayload
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return payload, fmt.Errorf("no JSON object in %q", text)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
