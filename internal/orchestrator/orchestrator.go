// Package orchestrator drives the end-to-end message pipeline: it consumes
// the inbound bus and runs every message through validation, directive
// parsing, attachment conversion, security filtering, context assembly,
// the agent brain, persistence, and outbound delivery.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/openbotx/openbotx/internal/agent"
	"github.com/openbotx/openbotx/internal/attach"
	"github.com/openbotx/openbotx/internal/bus"
	"github.com/openbotx/openbotx/internal/compact"
	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/contextstore"
	"github.com/openbotx/openbotx/internal/directive"
	"github.com/openbotx/openbotx/internal/gateway"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/internal/security"
	"github.com/openbotx/openbotx/internal/skills"
	"github.com/openbotx/openbotx/internal/toolpolicy"
	"github.com/openbotx/openbotx/internal/tools"
	"github.com/openbotx/openbotx/internal/validate"
	"github.com/openbotx/openbotx/pkg/tokens"
	"github.com/openbotx/openbotx/pkg/types"
)

// maxInFlight bounds concurrently processed messages across all channels.
const maxInFlight = 8

// workerQueueSize buffers messages per channel worker before the dequeue
// loop blocks.
const workerQueueSize = 16

// skillMatchLimit caps skills injected into a single prompt.
const skillMatchLimit = 3

// summarizeTimeout bounds one background summarization run.
const summarizeTimeout = 2 * time.Minute

// defaultRejection is used when no rejection message is configured.
const defaultRejection = "I can't help with that request."

// GatewayDirectory resolves a gateway name to its provider. The supervisor
// satisfies it.
type GatewayDirectory interface {
	Get(name string) (gateway.Provider, bool)
}

// Orchestrator owns the consumer loop over the inbound bus. Many messages may
// be in flight at once, but messages sharing a channel are processed strictly
// in dequeue order.
type Orchestrator struct {
	cfg       config.PipelineConfig
	rejection string

	queue      *bus.Bus
	validator  *validate.Validator
	filter     *security.Filter
	processor  *attach.Processor
	store      *contextstore.Store
	policy     *toolpolicy.Policy
	registry   *tools.Registry
	brain      *agent.Brain
	skillSet   *skills.Registry
	generator  skills.Generator
	gateways   GatewayDirectory

	mu          sync.Mutex
	summarizing map[string]bool

	background sync.WaitGroup
}

// Options bundles the pipeline stages. Queue, Validator, Store, Brain, and
// Gateways are required; the rest may be nil to disable the stage.
type Options struct {
	Pipeline config.PipelineConfig
	Security config.SecurityConfig

	Queue     *bus.Bus
	Validator *validate.Validator
	Filter    *security.Filter
	Processor *attach.Processor
	Store     *contextstore.Store
	Policy    *toolpolicy.Policy
	Registry  *tools.Registry
	Brain     *agent.Brain
	Skills    *skills.Registry
	Generator skills.Generator
	Gateways  GatewayDirectory
}

// New wires an Orchestrator from its stages.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Queue == nil:
		return nil, fmt.Errorf("orchestrator: queue is required")
	case opts.Validator == nil:
		return nil, fmt.Errorf("orchestrator: validator is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("orchestrator: context store is required")
	case opts.Brain == nil:
		return nil, fmt.Errorf("orchestrator: brain is required")
	case opts.Gateways == nil:
		return nil, fmt.Errorf("orchestrator: gateway directory is required")
	}

	rejection := opts.Security.RejectionMessage
	if rejection == "" {
		rejection = defaultRejection
	}

	return &Orchestrator{
		cfg:         opts.Pipeline,
		rejection:   rejection,
		queue:       opts.Queue,
		validator:   opts.Validator,
		filter:      opts.Filter,
		processor:   opts.Processor,
		store:       opts.Store,
		policy:      opts.Policy,
		registry:    opts.Registry,
		brain:       opts.Brain,
		skillSet:    opts.Skills,
		generator:   opts.Generator,
		gateways:    opts.Gateways,
		summarizing: make(map[string]bool),
	}, nil
}

// Run consumes the bus until ctx is cancelled. Each channel gets its own
// serial worker so messages on one channel are processed strictly in dequeue
// order while different channels proceed concurrently, bounded by
// maxInFlight. Run returns after in-flight messages and background
// summarizations have drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	slots := make(chan struct{}, maxInFlight)
	workers := make(map[string]chan *types.Message)
	var wg sync.WaitGroup

	for {
		msg, err := o.queue.Dequeue(ctx)
		if err != nil {
			for _, w := range workers {
				close(w)
			}
			wg.Wait()
			o.background.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w, ok := workers[msg.ChannelID]
		if !ok {
			w = make(chan *types.Message, workerQueueSize)
			workers[msg.ChannelID] = w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for m := range w {
					slots <- struct{}{}
					o.ProcessOne(ctx, m)
					<-slots
				}
			}()
		}
		w <- msg
	}
}

// ProcessOne runs the full pipeline for one message. Callers running
// messages concurrently must not overlap messages of the same channel.
func (o *Orchestrator) ProcessOne(ctx context.Context, msg *types.Message) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.process",
		trace.WithAttributes(
			observe.Attr("correlation_id", msg.CorrelationID),
			observe.Attr("gateway", msg.Gateway),
			observe.Attr("channel_id", msg.ChannelID),
		))
	defer span.End()

	msg.Status = types.StatusProcessing
	status := o.process(ctx, msg)
	msg.Status = statusOf(status)

	m := observe.DefaultMetrics()
	m.PipelineDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("gateway", msg.Gateway)))
	m.RecordMessageProcessed(ctx, msg.Gateway, status)
}

// process returns the outcome status: "ok", "rejected", or "failed".
func (o *Orchestrator) process(ctx context.Context, msg *types.Message) string {
	log := observe.Logger(ctx)

	// Validation.
	if issues := o.validator.Check(msg); len(issues) > 0 {
		log.Info("message rejected by validator",
			"channel_id", msg.ChannelID, "reasons", validate.Reasons(issues))
		o.reply(ctx, msg, "Message rejected: "+validate.Reasons(issues))
		return "rejected"
	}

	// Directive parsing. Cleaned text is authoritative from here on.
	parsed := directive.Parse(msg.Text)
	msg.Directives = &parsed.ParsedDirectives

	// Attachment conversion.
	if o.processor != nil {
		o.processor.Process(ctx, msg)
	}

	// Security filtering on cleaned text.
	if o.filter != nil {
		if v := o.filter.Check(msg.CleanText()); v != nil {
			log.Warn("message rejected by security filter",
				"channel_id", msg.ChannelID, "rule", v.Rule, "kind", string(v.Kind))
			o.reply(ctx, msg, o.rejection)
			return "rejected"
		}
	}

	// Context load and compaction.
	channelCtx, err := o.store.Load(msg.ChannelID)
	if err != nil {
		log.Error("context load failed", "channel_id", msg.ChannelID, "error", err)
		o.reply(ctx, msg, "Something went wrong while processing your message.")
		return "failed"
	}

	compactStart := time.Now()
	compacted := o.store.GetCompacted(channelCtx, compact.Options{
		Strategy:          o.cfg.CompactionStrategy,
		Budget:            o.historyBudget(),
		MinMessagesToKeep: o.cfg.MinMessagesToKeep,
	})
	observe.DefaultMetrics().CompactionDuration.Record(ctx,
		time.Since(compactStart).Seconds())

	promptTokens := tokens.Estimate(msg.CleanText())
	for _, turn := range compacted.KeptTurns {
		promptTokens += tokens.Estimate(turn.Content)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		observe.Attr("prompt.tokens", fmt.Sprintf("%d", promptTokens)))

	// Tool policy with the directive-derived profile and elevation.
	var allowed []string
	if o.policy != nil && o.registry != nil {
		allowed = o.policy.Filter(o.registry.Infos(),
			msg.Directives.ToolProfile, msg.Directives.Elevated)
	}

	// Skill matching.
	var matched []*skills.Definition
	if o.skillSet != nil {
		matched = o.skillSet.FindMatching(msg.CleanText(), skillMatchLimit)
	}

	// Agent brain.
	resp, err := o.brain.Process(ctx, agent.Request{
		Message:             msg,
		History:             compacted.KeptTurns,
		UserSummary:         channelCtx.UserSummary,
		ConversationSummary: compacted.Summary,
		AllowedTools:        allowed,
		Skills:              matched,
	})
	if err != nil {
		log.Error("agent processing failed", "channel_id", msg.ChannelID, "error", err)
		o.reply(ctx, msg, "Something went wrong while processing your message.")
		return "failed"
	}

	// Capability-gap learning.
	if resp.NeedsLearning && o.generator != nil {
		if def, genErr := o.generator.Generate(ctx, resp.LearningTopic); genErr != nil {
			log.Warn("skill generation failed",
				"topic", resp.LearningTopic, "error", genErr)
		} else {
			log.Info("skill generated", "skill_id", def.ID, "topic", resp.LearningTopic)
		}
	}

	// Persist both turns before the next message on this channel can run.
	if _, err := o.store.AddTurn(msg.ChannelID, types.TurnUser, msg.CleanText()); err != nil {
		log.Error("persist user turn failed", "channel_id", msg.ChannelID, "error", err)
	}
	updated, err := o.store.AddTurn(msg.ChannelID, types.TurnAssistant, resp.Text())
	if err != nil {
		log.Error("persist assistant turn failed", "channel_id", msg.ChannelID, "error", err)
	}

	// Outbound delivery.
	o.deliver(ctx, msg, resp)

	// Background summarization, coalesced per channel, after the response is
	// on its way.
	if (updated != nil && o.store.NeedsSummarization(updated)) || compacted.SummaryUpdated {
		o.scheduleSummarization(msg.ChannelID)
	}
	return "ok"
}

// reply sends a plain-text response outside the agent path (rejections and
// internal failures).
func (o *Orchestrator) reply(ctx context.Context, msg *types.Message, text string) {
	out := types.NewOutbound(msg, text)
	o.send(ctx, msg.Gateway, out)
}

// deliver down-converts the agent response to the gateway's capability set
// and sends exactly one outbound message.
func (o *Orchestrator) deliver(ctx context.Context, msg *types.Message, resp *types.AgentResponse) {
	out := types.NewOutbound(msg, resp.Text())

	if p, ok := o.gateways.Get(msg.Gateway); ok {
		caps := make(map[types.ContentKind]bool)
		for _, kind := range p.Capabilities() {
			caps[kind] = true
		}
		for _, c := range resp.Contents {
			if caps[c.Kind] {
				out.Contents = append(out.Contents, c)
			}
		}
	}

	if out.Text == "" && len(out.Contents) == 0 {
		out.Text = "(no response)"
	}
	o.send(ctx, msg.Gateway, out)
}

func (o *Orchestrator) send(ctx context.Context, gatewayName string, out *types.OutboundMessage) {
	p, ok := o.gateways.Get(gatewayName)
	if !ok {
		observe.Logger(ctx).Error("outbound gateway unknown",
			"gateway", gatewayName, "channel_id", out.ChannelID)
		return
	}
	delivered, err := p.Send(ctx, out)
	if err != nil {
		observe.Logger(ctx).Error("outbound send failed",
			"gateway", gatewayName, "channel_id", out.ChannelID, "error", err)
		return
	}
	if !delivered {
		observe.Logger(ctx).Warn("outbound send not delivered",
			"gateway", gatewayName, "channel_id", out.ChannelID)
	}
}

// scheduleSummarization starts a fire-and-forget summarization run unless one
// is already in flight for the channel.
func (o *Orchestrator) scheduleSummarization(channelID string) {
	o.mu.Lock()
	if o.summarizing[channelID] {
		o.mu.Unlock()
		return
	}
	o.summarizing[channelID] = true
	o.mu.Unlock()

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer func() {
			o.mu.Lock()
			delete(o.summarizing, channelID)
			o.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
		defer cancel()

		status := "ok"
		ran, err := o.store.TriggerSummarization(ctx, channelID)
		if err != nil {
			status = "error"
			observe.Logger(ctx).Warn("background summarization failed",
				"channel_id", channelID, "error", err)
		}
		if ran || err != nil {
			observe.DefaultMetrics().SummarizationRuns.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("status", status)))
		}
	}()
}

// historyBudget is the token allowance granted to compacted history.
func (o *Orchestrator) historyBudget() int {
	budget := int(float64(o.cfg.MaxContextTokens) * o.cfg.ContextBudgetRatio)
	if budget <= 0 {
		budget = 4096
	}
	return budget
}

func statusOf(status string) types.MessageStatus {
	switch status {
	case "ok":
		return types.StatusCompleted
	case "rejected":
		return types.StatusRejected
	default:
		return types.StatusFailed
	}
}
