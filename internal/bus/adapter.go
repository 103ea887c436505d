// Package bus implements the pub/sub message bus adapter over NATS.
//
// The adapter holds two connections, one for publishing and one for
// subscribing, so a slow consumer cannot stall the outbound path. Payloads
// are JSON snapshots. Handler invocations for a single subscription are
// serialized through a per-channel buffered queue drained by a dedicated
// goroutine, preserving inbound message order per channel.
//
// A supervisor goroutine pings both connections periodically. On any failure
// it marks the adapter disconnected, tears the connections down, and
// reconnects with jittered exponential backoff, resubscribing every channel
// afterwards. Publishes issued while disconnected are dropped and counted.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"
	"orderfabric/pkg/retry"
	"orderfabric/pkg/telemetry"

	"github.com/nats-io/nats.go"
)

const pingTimeout = 2 * time.Second

type subscription struct {
	channel string
	handler func(data []byte)
	natsSub *nats.Subscription
	queue   chan []byte
	done    chan struct{}
}

// Adapter implements core.IBus over NATS.
type Adapter struct {
	cfg    config.BusConfig
	logger core.ILogger

	mu       sync.RWMutex
	pubConn  *nats.Conn
	subConn  *nats.Conn
	subs     map[string]*subscription
	status   core.BusStatus
	dropped  int64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Optional observers for connection transitions.
	onDisconnect func()
	onReconnect  func()
}

// NewAdapter creates a bus adapter. Connect must be called before use.
func NewAdapter(cfg config.BusConfig, logger core.ILogger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:    cfg,
		logger: logger.WithField("component", "bus"),
		subs:   make(map[string]*subscription),
		status: core.BusDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnDisconnect registers a callback fired when the bus drops.
func (a *Adapter) OnDisconnect(fn func()) { a.onDisconnect = fn }

// OnReconnect registers a callback fired after a successful reconnect.
func (a *Adapter) OnReconnect(fn func()) { a.onReconnect = fn }

// Connect establishes both connections and starts the supervisor.
func (a *Adapter) Connect() error {
	if err := a.dial(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.supervise()
	}()

	return nil
}

func (a *Adapter) dial() error {
	opts := []nats.Option{
		nats.Name("orderfabric"),
		// Reconnection is owned by the supervisor, not the client library.
		nats.NoReconnect(),
	}

	pubConn, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("bus publisher connect: %w", err)
	}

	subConn, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		pubConn.Close()
		return fmt.Errorf("bus subscriber connect: %w", err)
	}

	a.mu.Lock()
	a.pubConn = pubConn
	a.subConn = subConn
	a.status = core.BusConnected
	a.mu.Unlock()

	a.logger.Info("bus connected", "url", a.cfg.URL)
	return nil
}

// Publish JSON-encodes payload and publishes it. While disconnected the
// message is dropped and the drop counter incremented.
func (a *Adapter) Publish(channel string, payload interface{}) error {
	a.mu.RLock()
	conn := a.pubConn
	status := a.status
	a.mu.RUnlock()

	if status != core.BusConnected || conn == nil {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		telemetry.GetGlobalMetrics().BusPublishDropped.Add(context.Background(), 1)
		return apperrors.ErrBusDisconnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", channel, err)
	}

	if err := conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a serialized handler for a channel.
func (a *Adapter) Subscribe(channel string, handler func(data []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.subs[channel]; exists {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	sub := &subscription{
		channel: channel,
		handler: handler,
		queue:   make(chan []byte, a.cfg.SubscriptionBuffer),
		done:    make(chan struct{}),
	}

	if err := a.attachLocked(sub); err != nil {
		return err
	}

	a.subs[channel] = sub

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.drain(sub)
	}()

	return nil
}

// attachLocked wires a subscription to the current subscriber connection.
func (a *Adapter) attachLocked(sub *subscription) error {
	if a.subConn == nil {
		return apperrors.ErrBusDisconnected
	}

	natsSub, err := a.subConn.Subscribe(sub.channel, func(msg *nats.Msg) {
		select {
		case sub.queue <- msg.Data:
		default:
			a.logger.Warn("subscription buffer full, dropping message", "channel", sub.channel)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.channel, err)
	}

	sub.natsSub = natsSub
	return nil
}

// drain delivers queued messages to the handler one at a time.
func (a *Adapter) drain(sub *subscription) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-sub.done:
			return
		case data := <-sub.queue:
			sub.handler(data)
		}
	}
}

// Unsubscribe removes a channel subscription.
func (a *Adapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.subs[channel]
	if !ok {
		return nil
	}

	if sub.natsSub != nil {
		_ = sub.natsSub.Unsubscribe()
	}
	close(sub.done)
	delete(a.subs, channel)
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() core.BusStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// DroppedPublishes returns the count of publishes dropped while disconnected.
func (a *Adapter) DroppedPublishes() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// CheckHealth reports an error while disconnected, for the health manager.
func (a *Adapter) CheckHealth() error {
	if a.Status() != core.BusConnected {
		return apperrors.ErrBusDisconnected
	}
	return nil
}

// supervise pings both connections and drives the reconnect cycle.
func (a *Adapter) supervise() {
	interval := time.Duration(a.cfg.PingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.ping() == nil {
				continue
			}
			a.markDisconnected()
			a.reconnect()
		}
	}
}

func (a *Adapter) ping() error {
	a.mu.RLock()
	pubConn, subConn := a.pubConn, a.subConn
	a.mu.RUnlock()

	if pubConn == nil || subConn == nil {
		return apperrors.ErrBusDisconnected
	}
	if err := pubConn.FlushTimeout(pingTimeout); err != nil {
		return err
	}
	return subConn.FlushTimeout(pingTimeout)
}

func (a *Adapter) markDisconnected() {
	a.mu.Lock()
	a.status = core.BusDisconnected
	if a.pubConn != nil {
		a.pubConn.Close()
		a.pubConn = nil
	}
	if a.subConn != nil {
		a.subConn.Close()
		a.subConn = nil
	}
	for _, sub := range a.subs {
		sub.natsSub = nil
	}
	a.mu.Unlock()

	a.logger.Warn("bus disconnected")
	if a.onDisconnect != nil {
		a.onDisconnect()
	}
}

// reconnect retries until connected or shutdown, then resubscribes.
func (a *Adapter) reconnect() {
	base := time.Duration(a.cfg.ReconnectBaseMillis) * time.Millisecond
	cap_ := time.Duration(a.cfg.ReconnectCapSeconds) * time.Second

	for attempt := 0; ; attempt++ {
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(retry.Backoff(base, cap_, attempt)):
		}

		telemetry.GetGlobalMetrics().BusReconnectsTotal.Add(context.Background(), 1)

		if err := a.dial(); err != nil {
			a.logger.Warn("bus reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		a.mu.Lock()
		var failed []string
		for channel, sub := range a.subs {
			if err := a.attachLocked(sub); err != nil {
				failed = append(failed, channel)
			}
		}
		a.mu.Unlock()

		if len(failed) > 0 {
			a.logger.Error("resubscribe failed after reconnect", "channels", failed)
		}

		a.logger.Info("bus reconnected", "attempt", attempt+1)
		if a.onReconnect != nil {
			a.onReconnect()
		}
		return
	}
}

// Close stops the supervisor and closes both connections.
func (a *Adapter) Close() {
	a.cancel()

	a.mu.Lock()
	for _, sub := range a.subs {
		if sub.natsSub != nil {
			_ = sub.natsSub.Unsubscribe()
		}
		select {
		case <-sub.done:
		default:
			close(sub.done)
		}
	}
	a.subs = make(map[string]*subscription)
	if a.pubConn != nil {
		a.pubConn.Close()
		a.pubConn = nil
	}
	if a.subConn != nil {
		a.subConn.Close()
		a.subConn = nil
	}
	a.status = core.BusDisconnected
	a.mu.Unlock()

	a.wg.Wait()
}
