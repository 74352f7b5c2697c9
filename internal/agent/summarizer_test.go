package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openbotx/openbotx/internal/agent"
	"github.com/openbotx/openbotx/pkg/provider/llm"
	llmmock "github.com/openbotx/openbotx/pkg/provider/llm/mock"
	"github.com/openbotx/openbotx/pkg/types"
)

var summaryTurns = []types.Turn{
	{Role: types.TurnUser, Content: "I prefer short answers."},
	{Role: types.TurnAssistant, Content: "Noted."},
}

func TestSummarize_ParsesModelJSON(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"user_summary": "Prefers short answers.", "conversation_summary": "Talked about style."}`,
		},
	}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	user, conversation, err := s.Summarize(context.Background(), summaryTurns, "", "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if user != "Prefers short answers." || conversation != "Talked about style." {
		t.Errorf("summaries = %q / %q", user, conversation)
	}
}

func TestSummarize_ToleratesSurroundingProse(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "Here you go:\n```json\n{\"user_summary\": \"u\", \"conversation_summary\": \"c\"}\n```",
		},
	}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	user, conversation, err := s.Summarize(context.Background(), summaryTurns, "", "")
	if err != nil || user != "u" || conversation != "c" {
		t.Errorf("got %q / %q / %v", user, conversation, err)
	}
}

func TestSummarize_ModelFailureKeepsPrevious(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("model down")}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	user, conversation, err := s.Summarize(context.Background(), summaryTurns, "prev user", "prev conv")
	if err != nil {
		t.Fatalf("model failure must not error: %v", err)
	}
	if user != "prev user" || conversation != "prev conv" {
		t.Errorf("summaries = %q / %q, want previous values preserved", user, conversation)
	}
}

func TestSummarize_UnparsableOutputKeepsPrevious(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "sorry, no JSON today"},
	}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	user, conversation, err := s.Summarize(context.Background(), summaryTurns, "pu", "pc")
	if err != nil || user != "pu" || conversation != "pc" {
		t.Errorf("got %q / %q / %v, want previous values and nil error", user, conversation, err)
	}
}

func TestSummarize_CancelledContextErrors(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: context.Canceled}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Summarize(ctx, summaryTurns, "", ""); err == nil {
		t.Error("cancellation must surface as an error")
	}
}

func TestSummarize_InputCarriesTurnsAndPrevious(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"user_summary": "", "conversation_summary": ""}`,
		},
	}
	s, err := agent.NewSummarizer(provider)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Summarize(context.Background(), summaryTurns, "knows go", "debugging session"); err != nil {
		t.Fatal(err)
	}

	input := provider.CompleteCalls[0].Req.Messages[0].Content
	for _, want := range []string{"knows go", "debugging session", "I prefer short answers.", "user:", "assistant:"} {
		if !strings.Contains(input, want) {
			t.Errorf("summary input missing %q", want)
		}
	}
}
