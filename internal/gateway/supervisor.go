package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/observe"
)

// restartDelay is the pause before an automatic restart attempt.
const restartDelay = time.Second

// fanOutLimit bounds concurrent start/stop operations in StartAll/StopAll.
const fanOutLimit = 4

// Info is the supervisor's view of one registered gateway.
type Info struct {
	Name         string
	State        State
	RestartCount int

	// LastErr is the most recent run-loop failure, if any.
	LastErr error
}

// entry is the internal per-gateway record.
type entry struct {
	provider     Provider
	state        State
	restartCount int
	lastErr      error
	initialized  bool

	// cancel stops the run task; done closes when the task returns.
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the gateway map and drives lifecycle transitions. A
// failure in one gateway never affects any other.
type Supervisor struct {
	cfg config.GatewaysConfig

	mu       sync.Mutex
	gateways map[string]*entry
}

// NewSupervisor returns a supervisor with no registered gateways.
func NewSupervisor(cfg config.GatewaysConfig) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		gateways: make(map[string]*entry),
	}
}

// Register adds a named gateway. Fails when the name is taken.
func (s *Supervisor) Register(name string, p Provider) error {
	if name == "" {
		return errors.New("supervisor: gateway name must not be empty")
	}
	if p == nil {
		return fmt.Errorf("supervisor: gateway %q has a nil provider", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gateways[name]; ok {
		return fmt.Errorf("supervisor: gateway %q already registered", name)
	}
	s.gateways[name] = &entry{provider: p, state: StateRegistered}
	return nil
}

// StartGateway transitions a registered or stopped gateway to running,
// spawning its run loop as an independent task.
func (s *Supervisor) StartGateway(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.gateways[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: unknown gateway %q", name)
	}
	if e.state != StateRegistered && e.state != StateStopped &&
		e.state != StateError && e.state != StateRestarting {
		state := e.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: gateway %q cannot start from state %q", name, state)
	}
	e.state = StateStarting
	needsInit := !e.initialized
	p := e.provider
	s.mu.Unlock()

	if needsInit {
		if err := p.Initialize(ctx); err != nil {
			s.markFailed(name, err)
			return fmt.Errorf("supervisor: initialize %q: %w", name, err)
		}
		s.mu.Lock()
		e.initialized = true
		s.mu.Unlock()
	}
	if err := p.Start(ctx); err != nil {
		s.markFailed(name, err)
		return fmt.Errorf("supervisor: start %q: %w", name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	e.state = StateRunning
	e.lastErr = nil
	e.cancel = cancel
	e.done = done
	s.mu.Unlock()
	observe.DefaultMetrics().ActiveGateways.Add(ctx, 1)

	go s.runLoop(runCtx, name, p, done)
	return nil
}

// runLoop executes the provider's Run and handles failure restarts.
func (s *Supervisor) runLoop(ctx context.Context, name string, p Provider, done chan struct{}) {
	err := p.Run(ctx)
	close(done)
	observe.DefaultMetrics().ActiveGateways.Add(context.Background(), -1)

	s.mu.Lock()
	e, ok := s.gateways[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	// A clean return, or a return during an orchestrated stop, ends here.
	if err == nil || e.state == StateStopping {
		if e.state == StateRunning {
			e.state = StateStopped
		}
		s.mu.Unlock()
		return
	}

	e.state = StateError
	e.lastErr = err
	restart := s.cfg.AutoRestart && e.restartCount < s.cfg.MaxRestarts
	if restart {
		e.state = StateRestarting
	}
	s.mu.Unlock()

	observe.Logger(ctx).Error("gateway run loop failed", "gateway", name, "error", err)

	if !restart {
		return
	}

	time.Sleep(restartDelay)

	s.mu.Lock()
	if e.state != StateRestarting {
		// Someone stopped or restarted it while we slept.
		s.mu.Unlock()
		return
	}
	e.restartCount++
	s.mu.Unlock()

	observe.DefaultMetrics().RecordGatewayRestart(context.Background(), name)
	if startErr := s.StartGateway(context.Background(), name); startErr != nil {
		observe.Logger(ctx).Error("gateway restart failed", "gateway", name, "error", startErr)
	}
}

// StopGateway stops a running gateway: provider Stop, task cancel, then a
// bounded wait for the run loop to return.
func (s *Supervisor) StopGateway(ctx context.Context, name string, timeout time.Duration) error {
	s.mu.Lock()
	e, ok := s.gateways[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: unknown gateway %q", name)
	}
	if e.state != StateRunning && e.state != StateError && e.state != StateRestarting {
		state := e.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: gateway %q cannot stop from state %q", name, state)
	}
	e.state = StateStopping
	cancel, done := e.cancel, e.done
	s.mu.Unlock()

	if err := e.provider.Stop(ctx); err != nil {
		observe.Logger(ctx).Warn("gateway stop returned error", "gateway", name, "error", err)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			s.markStopped(name)
			return fmt.Errorf("supervisor: gateway %q did not stop within %s", name, timeout)
		}
	}

	s.markStopped(name)
	return nil
}

// RestartGateway stops then starts the gateway and bumps its restart count.
func (s *Supervisor) RestartGateway(ctx context.Context, name string, timeout time.Duration) error {
	if err := s.StopGateway(ctx, name, timeout); err != nil {
		return err
	}
	s.mu.Lock()
	if e, ok := s.gateways[name]; ok {
		e.restartCount++
	}
	s.mu.Unlock()
	observe.DefaultMetrics().RecordGatewayRestart(ctx, name)
	return s.StartGateway(ctx, name)
}

// StartAll starts every registered gateway with bounded concurrency and
// aggregates per-gateway failures.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, name := range s.names() {
		g.Go(func() error {
			if err := s.StartGateway(ctx, name); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every running gateway with bounded concurrency.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) error {
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, name := range s.names() {
		g.Go(func() error {
			s.mu.Lock()
			state := s.gateways[name].state
			s.mu.Unlock()
			if state != StateRunning && state != StateError && state != StateRestarting {
				return nil
			}
			return s.StopGateway(ctx, name, timeout)
		})
	}
	return g.Wait()
}

// Get returns the named provider.
func (s *Supervisor) Get(name string) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.gateways[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Status reports every gateway's current lifecycle info.
func (s *Supervisor) Status() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.gateways))
	for name, e := range s.gateways {
		out = append(out, Info{
			Name:         name,
			State:        e.state,
			RestartCount: e.restartCount,
			LastErr:      e.lastErr,
		})
	}
	return out
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.gateways))
	for name := range s.gateways {
		names = append(names, name)
	}
	return names
}

func (s *Supervisor) markFailed(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.gateways[name]; ok {
		e.state = StateError
		e.lastErr = err
	}
}

func (s *Supervisor) markStopped(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.gateways[name]; ok {
		e.state = StateStopped
		e.cancel = nil
		e.done = nil
	}
}
