// Package lock provides per-order mutual exclusion and operation-level
// idempotency for the fill and dispatch paths.
//
// Locks are keyed by order id and carry a TTL. A holder that dies without
// releasing is evicted either by the background sweeper or stolen at the next
// acquire attempt once the TTL has lapsed.
package lock

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"
)

type lockEntry struct {
	holder     string
	acquiredAt time.Time
}

// idemEntry is one cached operation result.
type idemEntry struct {
	key    string
	result error
	at     time.Time
}

// Manager owns the order lock table and the idempotency result cache.
type Manager struct {
	cfg    config.LockConfig
	logger core.ILogger

	mu    sync.Mutex
	locks map[string]*lockEntry

	// idemCache maps keys into idemLRU; front is least recently used.
	idemMu    sync.Mutex
	idemCache map[string]*list.Element
	idemLRU   *list.List

	stolen int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a lock manager and starts the expiry sweeper.
func NewManager(cfg config.LockConfig, logger core.ILogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		logger:    logger.WithField("component", "lock"),
		locks:     make(map[string]*lockEntry),
		idemCache: make(map[string]*list.Element),
		idemLRU:   list.New(),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweep()
	}()

	return m
}

// TryAcquire attempts to take the lock once. An expired holder is stolen.
func (m *Manager) TryAcquire(orderID, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := time.Duration(m.cfg.TTLSeconds) * time.Second
	entry, held := m.locks[orderID]
	if held {
		if m.now().Sub(entry.acquiredAt) < ttl {
			return false
		}
		m.stolen++
		m.logger.Warn("stealing expired lock",
			"order_id", orderID, "previous_holder", entry.holder, "holder", holder)
	}

	m.locks[orderID] = &lockEntry{holder: holder, acquiredAt: m.now()}
	return true
}

// Acquire polls TryAcquire until success, context cancellation, or timeout.
func (m *Manager) Acquire(ctx context.Context, orderID, holder string, timeout time.Duration) error {
	poll := time.Duration(m.cfg.AcquirePollMillis) * time.Millisecond
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	deadline := m.now().Add(timeout)

	for {
		if m.TryAcquire(orderID, holder) {
			return nil
		}
		if m.now().After(deadline) {
			return fmt.Errorf("%w: order %s after %s", apperrors.ErrLockTimeout, orderID, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Release frees the lock if held by holder.
func (m *Manager) Release(orderID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, held := m.locks[orderID]
	if !held {
		return
	}
	if entry.holder != holder {
		m.logger.Warn("release by non-holder ignored",
			"order_id", orderID, "holder", entry.holder, "caller", holder)
		return
	}
	delete(m.locks, orderID)
}

// ExecuteOnce runs fn under the order lock exactly once per (orderID, op).
// The result, error included, is cached; replays return (false, cachedResult)
// without invoking fn.
func (m *Manager) ExecuteOnce(ctx context.Context, orderID, op, holder string, timeout time.Duration, fn func() error) (bool, error) {
	key := IdempotencyKey(orderID, op)

	if result, seen := m.lookup(key); seen {
		return false, result
	}

	if err := m.Acquire(ctx, orderID, holder, timeout); err != nil {
		return false, err
	}
	defer m.Release(orderID, holder)

	// Re-check under the lock: another holder may have completed the op while
	// we were polling.
	if result, seen := m.lookup(key); seen {
		return false, result
	}

	err := fn()
	m.record(key, err)
	return true, err
}

// IdempotencyKey derives the dedupe key for an operation on an order.
func IdempotencyKey(orderID, op string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + op))
	return hex.EncodeToString(sum[:])
}

// lookup returns the cached result for a key and refreshes its recency.
func (m *Manager) lookup(key string) (error, bool) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()

	el, ok := m.idemCache[key]
	if !ok {
		return nil, false
	}
	m.idemLRU.MoveToBack(el)
	return el.Value.(*idemEntry).result, true
}

// record caches a result, evicting the least recently used entries past the
// cache cap.
func (m *Manager) record(key string, result error) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()

	if el, ok := m.idemCache[key]; ok {
		el.Value.(*idemEntry).result = result
		m.idemLRU.MoveToBack(el)
		return
	}
	m.idemCache[key] = m.idemLRU.PushBack(&idemEntry{key: key, result: result, at: m.now()})

	for m.idemLRU.Len() > m.cfg.IdempotencyCacheSize {
		front := m.idemLRU.Front()
		m.idemLRU.Remove(front)
		delete(m.idemCache, front.Value.(*idemEntry).key)
	}
}

// HeldLocks returns the number of currently held locks.
func (m *Manager) HeldLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// StolenLocks returns how many expired locks were stolen.
func (m *Manager) StolenLocks() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stolen
}

// sweep evicts expired locks periodically.
func (m *Manager) sweep() {
	interval := time.Duration(m.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Manager) evictExpired() {
	ttl := time.Duration(m.cfg.TTLSeconds) * time.Second

	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, entry := range m.locks {
		if m.now().Sub(entry.acquiredAt) >= ttl {
			m.logger.Warn("evicting expired lock", "order_id", orderID, "holder", entry.holder)
			delete(m.locks, orderID)
		}
	}
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
