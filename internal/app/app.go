// Package app wires all OpenBotX subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the gateways, orchestrator, and relay until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithGatewayProvider,
// WithGenerator, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openbotx/openbotx/internal/agent"
	"github.com/openbotx/openbotx/internal/attach"
	"github.com/openbotx/openbotx/internal/bus"
	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/contextstore"
	"github.com/openbotx/openbotx/internal/gateway"
	"github.com/openbotx/openbotx/internal/gateway/discord"
	"github.com/openbotx/openbotx/internal/gateway/socket"
	"github.com/openbotx/openbotx/internal/gateway/terminal"
	"github.com/openbotx/openbotx/internal/health"
	"github.com/openbotx/openbotx/internal/memindex"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/internal/orchestrator"
	"github.com/openbotx/openbotx/internal/relay"
	"github.com/openbotx/openbotx/internal/security"
	"github.com/openbotx/openbotx/internal/skills"
	"github.com/openbotx/openbotx/internal/toolpolicy"
	"github.com/openbotx/openbotx/internal/tools"
	"github.com/openbotx/openbotx/internal/validate"
)

// gatewayStopTimeout bounds one gateway's Stop call during Run teardown.
const gatewayStopTimeout = 10 * time.Second

// adminShutdownTimeout bounds the admin HTTP server drain.
const adminShutdownTimeout = 5 * time.Second

// memorySyncSource tags index entries created from configured paths.
const memorySyncSource = "config"

// GatewaySelection names the set of gateways Run starts.
type GatewaySelection string

const (
	// GatewaysCLI runs only the interactive terminal gateway.
	GatewaysCLI GatewaySelection = "cli"

	// GatewaysSocket runs only the WebSocket gateway.
	GatewaysSocket GatewaySelection = "socket"

	// GatewaysAll runs terminal, socket, and (when a token is configured)
	// the Discord gateway.
	GatewaysAll GatewaySelection = "all"

	// GatewaysNone runs no built-in gateway. Combine with
	// WithGatewayFactory to supply transports from outside.
	GatewaysNone GatewaySelection = "none"
)

// Status is a point-in-time snapshot of the application's moving parts.
type Status struct {
	Gateways []gateway.Info
	Queue    bus.Stats
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	selection GatewaySelection

	// Subsystems — initialised in New, torn down in Shutdown.
	queue      *bus.Bus
	index      *memindex.Index
	store      *contextstore.Store
	skillSet   *skills.Registry
	generator  skills.Generator
	registry   *tools.Registry
	mcpHost    *tools.MCPHost
	brain      *agent.Brain
	supervisor *gateway.Supervisor
	orch       *orchestrator.Orchestrator
	relay      *relay.Relay
	admin      *http.Server

	gatewayFactories map[string]func(gateway.Sink) gateway.Provider

	// stopCh is closed by RequestStop to end Run from inside a gateway.
	stopCh  chan struct{}
	stopReq sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateways selects which built-in gateways Run starts. Default: cli.
func WithGateways(sel GatewaySelection) Option {
	return func(a *App) { a.selection = sel }
}

// WithGatewayFactory registers an additional gateway under the supervisor.
// The factory receives the app's inbound sink once the bus exists.
func WithGatewayFactory(name string, build func(gateway.Sink) gateway.Provider) Option {
	return func(a *App) { a.gatewayFactories[name] = build }
}

// WithGenerator injects a skill generator instead of the file-writing default.
func WithGenerator(g skills.Generator) Option {
	return func(a *App) { a.generator = g }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from BuildProviders (or a test's hand-built one). An LLM provider is
// required; everything else degrades gracefully when absent.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}

	a := &App{
		cfg:              cfg,
		providers:        providers,
		selection:        GatewaysCLI,
		gatewayFactories: make(map[string]func(gateway.Sink) gateway.Provider),
		stopCh:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Message bus ───────────────────────────────────────────────────
	queue, err := bus.New(cfg.Pipeline.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	a.queue = queue

	// ── 2. Memory index ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. Context store + summarizer ────────────────────────────────────
	if err := a.initContextStore(); err != nil {
		return nil, fmt.Errorf("app: init context store: %w", err)
	}

	// ── 4. Skills ────────────────────────────────────────────────────────
	if err := a.initSkills(); err != nil {
		return nil, fmt.Errorf("app: init skills: %w", err)
	}

	// ── 5. Tools + MCP ───────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 6. Brain ─────────────────────────────────────────────────────────
	brain, err := agent.New(providers.LLM, a.registry, cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("app: init brain: %w", err)
	}
	a.brain = brain

	// ── 7. Gateways ──────────────────────────────────────────────────────
	if err := a.initGateways(); err != nil {
		return nil, fmt.Errorf("app: init gateways: %w", err)
	}

	// ── 8. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 9. Relay ─────────────────────────────────────────────────────────
	if cfg.Relay.Enabled {
		a.relay = relay.New(cfg.Relay)
	}

	// ── 10. Admin endpoint ───────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the memory index and syncs configured paths. The index
// is optional: without a DSN or an embeddings provider, memory tools and
// startup sync are skipped.
func (a *App) initMemory(ctx context.Context) error {
	if a.cfg.Memory.PostgresDSN == "" || a.providers.Embeddings == nil {
		observe.Logger(ctx).Info("memory index disabled",
			"has_dsn", a.cfg.Memory.PostgresDSN != "",
			"has_embeddings", a.providers.Embeddings != nil)
		return nil
	}

	index, err := memindex.New(ctx, a.cfg.Memory, a.providers.Embeddings)
	if err != nil {
		return err
	}
	a.index = index
	a.closers = append(a.closers, func() error {
		index.Close()
		return nil
	})

	if len(a.cfg.Memory.Paths) > 0 {
		n, err := index.Sync(ctx, a.cfg.Memory.Paths, memorySyncSource)
		if err != nil {
			return fmt.Errorf("sync memory paths: %w", err)
		}
		observe.Logger(ctx).Info("memory paths synced", "files", n)
	}
	return nil
}

// initContextStore builds the per-channel conversation store with a
// summarizer when a model is available for it.
func (a *App) initContextStore() error {
	var opts []contextstore.Option

	model := a.providers.Summarizer
	if model == nil {
		model = a.providers.LLM
	}
	if model != nil {
		s, err := agent.NewSummarizer(model)
		if err != nil {
			return err
		}
		opts = append(opts, contextstore.WithSummarizer(s))
	}

	store, err := contextstore.New(a.cfg.Context, a.cfg.Pipeline.SummarizeThresholdTokens, opts...)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// initSkills loads skill documents from the configured source directories and
// sets up the managed-skill generator.
func (a *App) initSkills() error {
	loader := skills.NewLoader(a.cfg.Skills, a.providerKinds())
	reg, err := loader.Load()
	if err != nil {
		return err
	}
	a.skillSet = reg

	if a.generator == nil && a.cfg.Skills.ManagedDir != "" {
		a.generator = skills.NewFileGenerator(a.cfg.Skills.ManagedDir, reg)
	}
	return nil
}

// initTools builds the tool catalog: builtin memory tools plus every tool
// mounted from configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	a.registry = tools.NewRegistry()

	if a.index != nil {
		if err := a.registry.RegisterAll(tools.NewMemoryTools(a.index)); err != nil {
			return err
		}
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	a.mcpHost = tools.NewMCPHost()
	a.closers = append(a.closers, a.mcpHost.Close)
	if err := a.mcpHost.Mount(ctx, a.cfg.MCP, a.registry); err != nil {
		return err
	}
	return nil
}

// initGateways registers the selected gateways under the supervisor. The
// terminal's quit command is wired to RequestStop so typing "quit" ends Run.
func (a *App) initGateways() error {
	a.supervisor = gateway.NewSupervisor(a.cfg.Gateways)

	if a.selection == GatewaysCLI || a.selection == GatewaysAll {
		term := terminal.New(a.cfg.Gateways.Terminal, a.queue)
		term.OnStopRequest(a.RequestStop)
		if err := a.supervisor.Register(terminal.GatewayName, term); err != nil {
			return err
		}
	}
	if a.selection == GatewaysSocket || a.selection == GatewaysAll {
		sock := socket.New(a.cfg.Gateways.Socket, a.queue)
		if err := a.supervisor.Register(socket.GatewayName, sock); err != nil {
			return err
		}
	}
	if a.selection == GatewaysAll && a.cfg.Gateways.Discord.Token != "" {
		dg := discord.New(a.cfg.Gateways.Discord, a.queue)
		if err := a.supervisor.Register(discord.GatewayName, dg); err != nil {
			return err
		}
	}

	for name, build := range a.gatewayFactories {
		if err := a.supervisor.Register(name, build(a.queue)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initOrchestrator() error {
	filter, err := security.New(a.cfg.Security)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Pipeline:  a.cfg.Pipeline,
		Security:  a.cfg.Security,
		Queue:     a.queue,
		Validator: validate.New(a.cfg.Pipeline),
		Filter:    filter,
		Processor: attach.New(a.providers.Transcriber),
		Store:     a.store,
		Policy:    toolpolicy.New(a.cfg.Tools),
		Registry:  a.registry,
		Brain:     a.brain,
		Skills:    a.skillSet,
		Generator: a.generator,
		Gateways:  a.supervisor,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initAdmin builds the /metrics + /healthz + /readyz server when configured.
func (a *App) initAdmin() {
	if a.cfg.Server.AdminAddr == "" {
		return
	}

	checks := []health.Check{
		{Name: "queue", Probe: func(context.Context) error {
			st := a.queue.Stats()
			if st.Depth >= st.Capacity {
				return fmt.Errorf("queue full (%d/%d)", st.Depth, st.Capacity)
			}
			return nil
		}},
		{Name: "gateways", Probe: func(context.Context) error {
			for _, info := range a.supervisor.Status() {
				if info.State == gateway.StateError {
					return fmt.Errorf("gateway %s errored: %v", info.Name, info.LastErr)
				}
			}
			return nil
		}},
	}
	if a.index != nil {
		checks = append(checks, health.Check{Name: "memory", Probe: func(ctx context.Context) error {
			_, err := a.index.Stats(ctx)
			return err
		}})
	}

	mux := http.NewServeMux()
	health.NewEndpoint(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.admin = &http.Server{
		Addr:    a.cfg.Server.AdminAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
}

// providerKinds names the configured provider kinds, for skill eligibility.
func (a *App) providerKinds() []string {
	var kinds []string
	if a.providers.LLM != nil {
		kinds = append(kinds, "llm")
	}
	if a.providers.Embeddings != nil {
		kinds = append(kinds, "embeddings")
	}
	if a.providers.Transcriber != nil {
		kinds = append(kinds, "transcription")
	}
	return kinds
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the gateways, the orchestrator consumer loop, the relay, and
// the admin endpoint, then blocks until ctx is cancelled or RequestStop is
// called. In-flight messages drain before Run returns.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.supervisor.StartAll(runCtx); err != nil {
		return fmt.Errorf("app: start gateways: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.orch.Run(gctx) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if a.admin != nil {
		g.Go(func() error {
			err := a.admin.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: admin endpoint: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer shutdownCancel()
			_ = a.admin.Shutdown(shutdownCtx)
			return nil
		})
	}

	observe.Logger(ctx).Info("app running",
		"gateways", len(a.supervisor.Status()),
		"relay", a.relay != nil)

	select {
	case <-runCtx.Done():
	case <-a.stopCh:
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), gatewayStopTimeout)
	defer stopCancel()
	if err := a.supervisor.StopAll(stopCtx, gatewayStopTimeout); err != nil {
		observe.Logger(ctx).Warn("gateway stop error", "error", err)
	}
	a.queue.Close()

	return g.Wait()
}

// RequestStop asks Run to return. Safe to call more than once and before Run.
func (a *App) RequestStop() {
	a.stopReq.Do(func() { close(a.stopCh) })
}

// Status reports the supervisor's per-gateway state and the queue depth.
func (a *App) Status() Status {
	return Status{
		Gateways: a.supervisor.Status(),
		Queue:    a.queue.Stats(),
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		log := observe.Logger(ctx)
		log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				log.Warn("closer error", "index", i, "error", err)
			}
		}

		log.Info("shutdown complete")
	})
	return shutdownErr
}
