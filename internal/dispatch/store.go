package dispatch

import (
	"sync"
	"time"

	"orderfabric/internal/core"
)

// TrackedStore is the in-memory table of orders moving through the pipeline.
// Status transitions out of a terminal state are ignored.
type TrackedStore struct {
	mu     sync.RWMutex
	orders map[string]*core.TrackedOrder
}

// NewTrackedStore creates an order store.
func NewTrackedStore() *TrackedStore {
	return &TrackedStore{orders: make(map[string]*core.TrackedOrder)}
}

// Put inserts or replaces a tracked order.
func (s *TrackedStore) Put(tracked *core.TrackedOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[tracked.ID] = tracked
}

// Get returns a copy of the tracked order.
func (s *TrackedStore) Get(orderID string) (*core.TrackedOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracked, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	out := *tracked
	return &out, true
}

// UpdateStatus applies a status transition unless the order is already
// terminal. Returns false when the transition was refused or the order is
// unknown.
func (s *TrackedStore) UpdateStatus(orderID string, status core.OrderStatus, mutate func(*core.TrackedOrder)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.orders[orderID]
	if !ok {
		return false
	}
	if tracked.Status.Terminal() {
		return false
	}

	tracked.Status = status
	tracked.LastUpdate = time.Now()
	if mutate != nil {
		mutate(tracked)
	}
	return true
}

// Active returns copies of all non-terminal orders.
func (s *TrackedStore) Active() []core.TrackedOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.TrackedOrder
	for _, tracked := range s.orders {
		if !tracked.Status.Terminal() {
			out = append(out, *tracked)
		}
	}
	return out
}

// Len returns the number of tracked orders, terminal included.
func (s *TrackedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// PruneTerminal drops terminal orders last updated before the cutoff.
func (s *TrackedStore) PruneTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, tracked := range s.orders {
		if tracked.Status.Terminal() && tracked.LastUpdate.Before(cutoff) {
			delete(s.orders, id)
			pruned++
		}
	}
	return pruned
}

// PendingBrackets holds bracket intents recorded at dispatch time. Each fill
// consumes a slice of the intent's quantity; the intent is dropped once the
// parent is fully accounted for.
type PendingBrackets struct {
	mu      sync.Mutex
	pending map[string]*pendingIntent
}

type pendingIntent struct {
	bracket   *core.PendingBracket
	remaining int64
	pairs     int
}

// NewPendingBrackets creates a pending bracket store.
func NewPendingBrackets() *PendingBrackets {
	return &PendingBrackets{pending: make(map[string]*pendingIntent)}
}

// Put records a bracket intent for a parent order. The intent's Quantity
// bounds how much the fills may consume.
func (p *PendingBrackets) Put(bracket *core.PendingBracket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := bracket.Quantity
	if remaining <= 0 {
		remaining = 1
	}
	p.pending[bracket.ParentOrderID] = &pendingIntent{bracket: bracket, remaining: remaining}
}

// Consume deducts fillQty from the intent's remaining quantity and returns
// the intent, the quantity granted to this fill (clamped to what is left),
// and the 1-based sequence number of the child pair. The intent is removed
// once nothing remains, so fills past the parent quantity get nothing.
func (p *PendingBrackets) Consume(parentOrderID string, fillQty int64) (*core.PendingBracket, int64, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.pending[parentOrderID]
	if !ok || fillQty <= 0 {
		return nil, 0, 0, false
	}

	granted := fillQty
	if granted > intent.remaining {
		granted = intent.remaining
	}
	intent.remaining -= granted
	intent.pairs++

	if intent.remaining <= 0 {
		delete(p.pending, parentOrderID)
	}
	return intent.bracket, granted, intent.pairs, true
}

// Remove drops an intent without consuming it, used when dispatch fails.
func (p *PendingBrackets) Remove(parentOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, parentOrderID)
}

// Len returns the number of pending intents.
func (p *PendingBrackets) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
