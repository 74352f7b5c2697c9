// Package bus provides the bounded inbound message queue between gateways
// and the orchestrator.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. Messages
// are never dropped silently.
var ErrQueueFull = errors.New("bus: queue full")

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// queue has drained.
var ErrClosed = errors.New("bus: closed")

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Depth    int
	Capacity int
}

// Bus is a bounded FIFO message queue. Safe for concurrent use by many
// producers and consumers.
type Bus struct {
	mu     sync.Mutex
	ch     chan *types.Message
	done   chan struct{}
	closed bool
}

// New creates a Bus holding at most size messages. size must be positive.
func New(size int) (*Bus, error) {
	if size <= 0 {
		return nil, errors.New("bus: size must be positive")
	}
	return &Bus{
		ch:   make(chan *types.Message, size),
		done: make(chan struct{}),
	}, nil
}

// Enqueue adds msg and returns its id. Returns [ErrQueueFull] when the queue
// is at capacity and [ErrClosed] after Close.
func (b *Bus) Enqueue(msg *types.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	select {
	case b.ch <- msg:
		observe.DefaultMetrics().QueueDepth.Add(context.Background(), 1)
		return msg.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Dequeue blocks until a message is available, the bus is closed and drained,
// or ctx is done. Messages queued before Close are still delivered.
func (b *Bus) Dequeue(ctx context.Context) (*types.Message, error) {
	for {
		select {
		case msg := <-b.ch:
			observe.DefaultMetrics().QueueDepth.Add(ctx, -1)
			return msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			// Drain whatever was queued before the close.
			select {
			case msg := <-b.ch:
				observe.DefaultMetrics().QueueDepth.Add(ctx, -1)
				return msg, nil
			default:
				return nil, ErrClosed
			}
		}
	}
}

// Stats returns the current queue depth and capacity.
func (b *Bus) Stats() Stats {
	return Stats{Depth: len(b.ch), Capacity: cap(b.ch)}
}

// Close stops accepting new messages. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}
