// Package dispatch drains the order queue and submits orders to the broker
// gateway.
//
// The loop ticks on a fixed cadence and pulls as many orders as the queue's
// throttle gates allow. Submissions run on a worker pool so a slow gateway
// round trip never blocks the tick. Bracket intents are recorded before the
// gateway call so a fill arriving ahead of the acknowledgement still finds
// its intent.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/queue"
	"orderfabric/internal/registry"
	"orderfabric/pkg/concurrency"
	"orderfabric/pkg/telemetry"
)

// Event is a lifecycle notification emitted by the dispatcher.
type Event struct {
	Type  string            `json:"type"`
	Order core.TrackedOrder `json:"order"`
	At    time.Time         `json:"at"`
}

// Event types.
const (
	EventSubmitted = "ORDER_SUBMITTED"
	EventFailed    = "ORDER_FAILED"
	EventRetried   = "ORDER_RETRIED"
)

// Dispatcher drives orders from the queue to the gateway.
type Dispatcher struct {
	cfg      config.QueueConfig
	queue    *queue.Queue
	gateway  core.IGateway
	registry *registry.Registry
	store    *TrackedStore
	brackets *PendingBrackets
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	paused  atomic.Bool
	onEvent func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg config.QueueConfig, q *queue.Queue, gateway core.IGateway, reg *registry.Registry,
	store *TrackedStore, brackets *PendingBrackets, logger core.ILogger) *Dispatcher {

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		gateway:  gateway,
		registry: reg,
		store:    store,
		brackets: brackets,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "dispatch",
			MaxWorkers: cfg.MaxConcurrentInFlight,
		}, logger),
		logger: logger.WithField("component", "dispatch"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnEvent registers the lifecycle event sink.
func (d *Dispatcher) OnEvent(fn func(Event)) { d.onEvent = fn }

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
}

// Pause halts dequeuing; queued orders stay put.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	d.logger.Info("dispatch paused")
}

// Resume restarts dequeuing.
func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	d.logger.Info("dispatch resumed")
}

// Paused reports whether dispatch is halted.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

func (d *Dispatcher) run() {
	tick := time.Duration(d.cfg.ProcessingTickMillis) * time.Millisecond
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.paused.Load() {
				continue
			}
			d.drainTick()
		}
	}
}

// drainTick pulls every order the throttle gates allow this tick.
func (d *Dispatcher) drainTick() {
	for {
		tracked := d.queue.TryDequeue()
		if tracked == nil {
			return
		}
		d.store.Put(tracked)

		if err := d.pool.Submit(func() { d.dispatchOne(tracked) }); err != nil {
			// Pool saturated: put the slot back and let the next tick retry.
			d.queue.Release(0)
			d.logger.Warn("dispatch pool full, order deferred", "order_id", tracked.ID)
			if _, rqErr := d.queue.Requeue(tracked, core.SourceExternal); rqErr != nil {
				d.failOrder(tracked, rqErr.Error())
			}
			return
		}
	}
}

func (d *Dispatcher) dispatchOne(tracked *core.TrackedOrder) {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		d.queue.Release(elapsed)
		telemetry.GetGlobalMetrics().ProcessingTime.Record(context.Background(),
			float64(elapsed.Milliseconds()))
	}()

	// Intent first: a fill can beat the HTTP acknowledgement back to us.
	if tracked.StopLoss != nil || tracked.TakeProfit != nil {
		d.brackets.Put(&core.PendingBracket{
			ParentOrderID: tracked.ID,
			Instrument:    tracked.Instrument,
			Side:          tracked.Side,
			Quantity:      tracked.Quantity,
			StopLoss:      tracked.StopLoss,
			TakeProfit:    tracked.TakeProfit,
			AccountID:     tracked.AccountID,
			CreatedAt:     time.Now(),
		})
	}

	ctx, cancelFn := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancelFn()

	result, err := d.gateway.PlaceOrder(ctx, &tracked.Order)
	if err != nil {
		d.brackets.Remove(tracked.ID)
		d.retryOrFail(tracked, err)
		return
	}

	d.store.UpdateStatus(tracked.ID, core.StatusSent, func(t *core.TrackedOrder) {
		t.DispatchedAt = time.Now()
		t.BrokerID = result.BrokerID
		if t.BrokerID == "" {
			t.BrokerID = result.OrderID
		}
	})
	telemetry.GetGlobalMetrics().OrdersProcessedTotal.Add(context.Background(), 1)

	d.logger.Info("order dispatched",
		"order_id", tracked.ID, "instrument", tracked.Instrument,
		"side", string(tracked.Side), "quantity", tracked.Quantity,
		"broker_id", result.BrokerID)
	d.emit(EventSubmitted, tracked.ID)
}

func (d *Dispatcher) retryOrFail(tracked *core.TrackedOrder, cause error) {
	d.logger.Warn("dispatch attempt failed",
		"order_id", tracked.ID, "retry", tracked.RetryCount, "error", cause)

	sourceKind := core.SourceExternal
	if source, ok := d.registry.Get(tracked.Source); ok {
		sourceKind = source.Kind
	}

	requeued, err := d.queue.Requeue(tracked, sourceKind)
	if err != nil || !requeued {
		reason := cause.Error()
		if err != nil {
			reason = err.Error()
		}
		d.failOrder(tracked, reason)
		return
	}

	d.store.Put(tracked)
	d.emit(EventRetried, tracked.ID)
}

func (d *Dispatcher) failOrder(tracked *core.TrackedOrder, reason string) {
	d.store.UpdateStatus(tracked.ID, core.StatusFailed, func(t *core.TrackedOrder) {
		t.Error = reason
	})
	d.registry.RecordOutcome(tracked.Source, core.StatusFailed)
	telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(context.Background(), 1)

	d.logger.Error("order failed permanently",
		"order_id", tracked.ID, "retries", tracked.RetryCount, "error", reason)
	d.emit(EventFailed, tracked.ID)
}

func (d *Dispatcher) emit(eventType, orderID string) {
	if d.onEvent == nil {
		return
	}
	tracked, ok := d.store.Get(orderID)
	if !ok {
		return
	}
	d.onEvent(Event{Type: eventType, Order: *tracked, At: time.Now()})
}

// Stop halts the loop and waits for in-flight submissions.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.pool.Stop()
	d.wg.Wait()
}
