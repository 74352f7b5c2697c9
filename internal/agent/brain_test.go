package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openbotx/openbotx/internal/agent"
	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/directive"
	"github.com/openbotx/openbotx/internal/skills"
	"github.com/openbotx/openbotx/internal/tools"
	"github.com/openbotx/openbotx/pkg/provider/llm"
	llmmock "github.com/openbotx/openbotx/pkg/provider/llm/mock"
	"github.com/openbotx/openbotx/pkg/types"
)

func userMessage(text string) *types.Message {
	msg := types.NewMessage("term-main", "alice", "terminal", text)
	parsed := directive.Parse(text)
	msg.Directives = &parsed.ParsedDirectives
	return msg
}

func newBrain(t *testing.T, provider llm.Provider, registry *tools.Registry) *agent.Brain {
	t.Helper()
	b, err := agent.New(provider, registry, config.AgentConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := agent.New(nil, nil, config.AgentConfig{}); err == nil {
		t.Error("expected error for nil provider")
	}
}

func TestProcess_PlainAnswer(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hi there"},
	}
	b := newBrain(t, provider, nil)

	resp, err := b.Process(context.Background(), agent.Request{Message: userMessage("hello")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text() != "hi there" {
		t.Errorf("text = %q", resp.Text())
	}
	if len(resp.ToolsCalled) != 0 || resp.NeedsLearning {
		t.Errorf("unexpected response flags: %+v", resp)
	}
}

func TestProcess_ToolLoop(t *testing.T) {
	registry := tools.NewRegistry()
	err := registry.Register(tools.Tool{
		Info:       tools.Info{Name: "clock", PrimaryGroup: tools.GroupSystem},
		Definition: llm.ToolDefinition{Name: "clock", Parameters: map[string]any{"type": "object"}},
		Handler: func(context.Context, string) (string, error) {
			return "12:30", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	provider := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "clock", Arguments: "{}"}}},
			{Content: "It is 12:30."},
		},
	}
	b := newBrain(t, provider, registry)

	resp, err := b.Process(context.Background(), agent.Request{
		Message:      userMessage("what time is it?"),
		AllowedTools: []string{"clock"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(resp.ToolsCalled) != 1 || resp.ToolsCalled[0] != "clock" {
		t.Errorf("tools called = %v", resp.ToolsCalled)
	}
	// Tool result first, final text last.
	if len(resp.Contents) != 2 || resp.Contents[0].Text != "12:30" || resp.Contents[1].Text != "It is 12:30." {
		t.Errorf("contents = %+v", resp.Contents)
	}

	// The second model call must carry the tool result message.
	second := provider.CompleteCalls[1].Req
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "12:30" || last.ToolCallID != "call-1" {
		t.Errorf("tool result message = %+v", last)
	}
}

func TestProcess_ToolFailureReportedToModel(t *testing.T) {
	registry := tools.NewRegistry()
	err := registry.Register(tools.Tool{
		Info: tools.Info{Name: "flaky"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("backend down")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	provider := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "flaky", Arguments: "{}"}}},
			{Content: "the tool is unavailable"},
		},
	}
	b := newBrain(t, provider, registry)

	resp, err := b.Process(context.Background(), agent.Request{
		Message:      userMessage("try it"),
		AllowedTools: []string{"flaky"},
	})
	if err != nil {
		t.Fatalf("Process should not fail on tool errors: %v", err)
	}
	if !strings.HasPrefix(resp.Contents[0].Text, "error:") {
		t.Errorf("tool failure content = %q", resp.Contents[0].Text)
	}
}

func TestProcess_ToolLoopBounded(t *testing.T) {
	registry := tools.NewRegistry()
	err := registry.Register(tools.Tool{
		Info:    tools.Info{Name: "loop"},
		Handler: func(context.Context, string) (string, error) { return "again", nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	// The model asks for the tool forever.
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}},
		},
	}
	b, err := agent.New(provider, registry, config.AgentConfig{MaxToolIterations: 3})
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Process(context.Background(), agent.Request{
		Message:      userMessage("loop forever"),
		AllowedTools: []string{"loop"},
	})
	if err == nil {
		t.Fatal("expected iteration-bound error")
	}
	if len(provider.CompleteCalls) != 3 {
		t.Errorf("model called %d times, want 3", len(provider.CompleteCalls))
	}
}

func TestProcess_LearningMarker(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "I can't do that yet. [learn: calendar scheduling]",
		},
	}
	b := newBrain(t, provider, nil)

	resp, err := b.Process(context.Background(), agent.Request{Message: userMessage("book a meeting")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !resp.NeedsLearning || resp.LearningTopic != "calendar scheduling" {
		t.Errorf("learning = %v %q", resp.NeedsLearning, resp.LearningTopic)
	}
	if strings.Contains(resp.Text(), "[learn:") {
		t.Errorf("marker leaked into response text: %q", resp.Text())
	}
}

func TestProcess_SystemPromptReflectsDirectives(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}
	b := newBrain(t, provider, nil)

	// Full mode carries the identity section.
	if _, err := b.Process(context.Background(), agent.Request{Message: userMessage("hello")}); err != nil {
		t.Fatal(err)
	}
	if provider.CompleteCalls[0].Req.SystemPrompt == "" {
		t.Error("full mode should produce a system prompt")
	}

	// /silent drops the prompt entirely.
	provider.Reset()
	if _, err := b.Process(context.Background(), agent.Request{Message: userMessage("/silent hello")}); err != nil {
		t.Fatal(err)
	}
	if got := provider.CompleteCalls[0].Req.SystemPrompt; got != "" {
		t.Errorf("silent mode prompt = %q, want empty", got)
	}

	// /think injects the reasoning section.
	provider.Reset()
	if _, err := b.Process(context.Background(), agent.Request{Message: userMessage("/think hello")}); err != nil {
		t.Fatal(err)
	}
	if got := provider.CompleteCalls[0].Req.SystemPrompt; !strings.Contains(got, "step by step") {
		t.Errorf("think mode prompt missing reasoning section: %q", got)
	}
}

func TestProcess_PromptCarriesSkillsAndSummaries(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}
	b := newBrain(t, provider, nil)

	_, err := b.Process(context.Background(), agent.Request{
		Message:             userMessage("deploy the service"),
		UserSummary:         "Prefers terse answers.",
		ConversationSummary: "Discussing a rollout.",
		Skills: []*skills.Definition{
			{ID: "deploy", Name: "Deploy Helper", Body: "Check the pipeline before deploying."},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	prompt := provider.CompleteCalls[0].Req.SystemPrompt
	for _, want := range []string{"Deploy Helper", "Check the pipeline", "Prefers terse answers.", "Discussing a rollout."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestProcess_HistoryPrecedesUserMessage(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}
	b := newBrain(t, provider, nil)

	_, err := b.Process(context.Background(), agent.Request{
		Message: userMessage("and now?"),
		History: []types.Turn{
			{Role: types.TurnUser, Content: "first question"},
			{Role: types.TurnAssistant, Content: "first answer"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := provider.CompleteCalls[0].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "first question" || msgs[1].Content != "first answer" || msgs[2].Content != "and now?" {
		t.Errorf("message order wrong: %+v", msgs)
	}
}
