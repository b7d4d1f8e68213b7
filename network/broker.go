package network

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds how long an inbound transfer request waits for a decision.
const DefaultRequestTimeout = 30 * time.Second

// Pending is one registered request awaiting a decision.
type Pending struct {
	ID       string
	decision chan string
}

// Broker correlates inbound transfer requests with decisions supplied out of band.
// Each id is fulfilled at most once; entries are purged on fulfilment or timeout.
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan string
}

// NewBroker creates a broker. A non-positive timeout uses DefaultRequestTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Broker{
		timeout: timeout,
		pending: make(map[string]chan string),
	}
}

// Timeout returns the decision wait bound.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Register allocates a fresh correlation id.
func (b *Broker) Register() Pending {
	p := Pending{
		ID:       uuid.NewString(),
		decision: make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[p.ID] = p.decision
	b.mu.Unlock()
	return p
}

// Wait blocks until p is answered, the broker timeout elapses or ctx ends.
// On timeout or cancellation the entry is removed if it is still p's.
func (b *Broker) Wait(ctx context.Context, p Pending) (string, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case payload := <-p.decision:
		return payload, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if current, ok := b.pending[p.ID]; ok && current == p.decision {
		delete(b.pending, p.ID)
	}
	b.mu.Unlock()

	// Respond may have won the race after the timer fired.
	select {
	case payload := <-p.decision:
		return payload, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", ErrRequestTimeout
}

// Respond delivers payload to the request with id. It reports false for ids
// that are unknown, already answered or timed out.
func (b *Broker) Respond(id, payload string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	decision, ok := b.pending[id]
	if !ok {
		return false
	}
	delete(b.pending, id)

	// Buffered and written only here, so this never blocks. It must land
	// before a timed-out Wait takes mu for its final receive.
	select {
	case decision <- payload:
		return true
	default:
		return false
	}
}

// Has reports whether id is still waiting for a decision.
func (b *Broker) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// IDs returns the pending correlation ids in no particular order.
func (b *Broker) IDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
