// Package gateway defines the transport provider contract and the supervisor
// that owns gateway lifecycles.
package gateway

import (
	"context"

	"github.com/openbotx/openbotx/pkg/types"
)

// State is a gateway's lifecycle phase as tracked by the supervisor.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"

	// StateRestarting is reported while the supervisor waits out the restart
	// delay after a run-loop failure.
	StateRestarting State = "restarting"
)

// Sink receives inbound messages from gateways. The message bus satisfies it.
type Sink interface {
	Enqueue(msg *types.Message) (string, error)
}

// Provider is the abstract transport contract.
//
// Run is the gateway's receive loop: it blocks until ctx is cancelled or the
// transport fails, observing ctx at every iteration boundary. A non-nil
// return from Run signals a failure to the supervisor, which may restart the
// gateway; a nil return means a clean stop.
type Provider interface {
	// Name returns the gateway's unique registration name.
	Name() string

	// Initialize prepares the transport. Called once before the first Start.
	Initialize(ctx context.Context) error

	// Start opens the transport.
	Start(ctx context.Context) error

	// Run is the receive loop. See the interface comment.
	Run(ctx context.Context) error

	// Stop closes the transport. Called before the run task is cancelled.
	Stop(ctx context.Context) error

	// Send delivers an outbound message. Returns false when the target
	// channel is unknown or the transport cannot deliver right now.
	Send(ctx context.Context, out *types.OutboundMessage) (bool, error)

	// Capabilities declares which content kinds the transport can deliver.
	// The orchestrator down-converts responses accordingly.
	Capabilities() []types.ContentKind
}
