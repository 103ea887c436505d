// Package aggregator wires the order routing pipeline together: intake off
// the bus, risk validation, the priority queue, dispatch to the gateway, and
// the fill-driven bracket path. One Engine owns every component and their
// lifecycles.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/alert"
	"orderfabric/internal/bracket"
	"orderfabric/internal/bus"
	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/dispatch"
	"orderfabric/internal/fills"
	"orderfabric/internal/infrastructure/health"
	"orderfabric/internal/intake"
	"orderfabric/internal/lock"
	"orderfabric/internal/queue"
	"orderfabric/internal/registry"
	"orderfabric/internal/risk"
	"orderfabric/pkg/concurrency"
	"orderfabric/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Engine is the order routing fabric.
type Engine struct {
	cfg    *config.Config
	logger core.ILogger

	bus     core.IBus
	gateway core.IGateway

	normalizer *intake.Normalizer
	riskMgr    *risk.Manager
	orderQueue *queue.Queue
	dispatcher *dispatch.Dispatcher
	store      *dispatch.TrackedStore
	brackets   *dispatch.PendingBrackets
	calculator *bracket.Calculator
	trailing   *bracket.TrailingTracker
	fillsH     *fills.Handler
	book       *fills.PositionBook
	locks      *lock.Manager
	sources    *registry.Registry

	alerts    *alert.AlertManager
	watcher   *alert.ThresholdWatcher
	healthMgr *health.HealthManager

	responsePool *concurrency.WorkerPool

	ordersWindow     *telemetry.RateWindow
	violationsWindow *telemetry.RateWindow

	mu        sync.Mutex
	startedAt time.Time
	draining  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles an engine from its transports.
func New(cfg *config.Config, b core.IBus, gw core.IGateway, logger core.ILogger) *Engine {
	engineLogger := logger.WithField("component", "aggregator")

	e := &Engine{
		cfg:        cfg,
		logger:     engineLogger,
		bus:        b,
		gateway:    gw,
		normalizer: intake.NewNormalizer(logger),
		orderQueue: queue.New(cfg.Queue, logger),
		store:      dispatch.NewTrackedStore(),
		brackets:   dispatch.NewPendingBrackets(),
		calculator: bracket.NewCalculator(cfg.Brackets, cfg.Instruments, logger),
		trailing:   bracket.NewTrailingTracker(cfg.Brackets, logger),
		book:       fills.NewPositionBook(),
		locks:      lock.NewManager(cfg.Locks, logger),
		sources:    registry.New(cfg.Sources, logger),
		alerts:     alert.NewAlertManager(cfg.Alerts, logger),
		healthMgr:  health.NewHealthManager(logger),
		responsePool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "bot_responses",
			MaxWorkers:  8,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
		ordersWindow:     telemetry.NewRateWindow(4096),
		violationsWindow: telemetry.NewRateWindow(4096),
	}

	e.riskMgr = risk.NewManager(cfg.Risk, gw, logger)
	e.dispatcher = dispatch.New(cfg.Queue, e.orderQueue, gw, e.sources, e.store, e.brackets, logger)
	e.fillsH = fills.NewHandler(cfg.Risk, cfg.Instruments, e.calculator, e.locks, e.store,
		e.brackets, e.book, e.riskMgr, e.sources, logger)
	e.watcher = alert.NewThresholdWatcher(cfg.Alerts, e.alerts)

	e.wire()
	return e
}

// wire connects the cross-component callbacks.
func (e *Engine) wire() {
	e.alerts.AddChannel(alert.NewBusChannel(e.bus, e.cfg.Channel(bus.ChannelAlerts)))
	if e.cfg.Alerts.SlackWebhookURL != "" {
		e.alerts.AddChannel(alert.NewSlackChannel(e.cfg.Alerts.SlackWebhookURL))
	}
	if e.cfg.Alerts.TelegramBotToken != "" {
		e.alerts.AddChannel(alert.NewTelegramChannel(
			e.cfg.Alerts.TelegramBotToken, e.cfg.Alerts.TelegramChatID))
	}

	e.dispatcher.OnEvent(e.onDispatchEvent)

	e.fillsH.SetSubmitChild(e.submitChildOrder)
	e.fillsH.SetOnEnhanced(e.publishEnhancedFill)
	e.fillsH.SetOnPosition(e.publishPositionUpdate)

	e.healthMgr.Register("bus", func() error {
		if e.bus.Status() != core.BusConnected {
			return fmt.Errorf("bus disconnected")
		}
		return nil
	})
	e.healthMgr.Register("gateway", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.gateway.CheckHealth(ctx)
	})
	e.healthMgr.Register("queue", func() error {
		depth := e.orderQueue.Depth()
		if depth >= e.cfg.Queue.MaxSize {
			return fmt.Errorf("queue full at %d", depth)
		}
		return nil
	})
}

// Start subscribes to every inbound channel and launches the periodic tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	e.startedAt = time.Now()

	subscriptions := map[string]func([]byte){
		e.cfg.Channel(bus.ChannelOrders):     e.handleOrderMessage,
		e.cfg.Channel(bus.ChannelRequests):   e.handleRequest,
		e.cfg.Channel(bus.ChannelControl):    e.handleControl,
		e.cfg.Channel(bus.ChannelMarketData): e.handleMarketData,
		bus.FillsChannel(e.cfg.Gateway.AccountID): e.fillsH.HandleMessage,
	}
	for channel, handler := range subscriptions {
		if err := e.bus.Subscribe(channel, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	e.dispatcher.Start()

	e.group.Go(func() error { return e.metricsLoop() })
	e.group.Go(func() error { return e.healthLoop() })
	e.group.Go(func() error { return e.summaryLoop() })

	e.logger.Info("engine started",
		"account", e.cfg.Gateway.AccountID,
		"queue_capacity", e.cfg.Queue.MaxSize,
		"throttle", e.cfg.Queue.MaxOrdersPerSecond)
	return nil
}

// Stop drains and shuts the engine down. Intake stops first; queued orders
// get the configured drain window before dispatch is halted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	e.logger.Info("engine stopping, draining queue", "depth", e.orderQueue.Depth())

	_ = e.bus.Unsubscribe(e.cfg.Channel(bus.ChannelOrders))

	drain := time.Duration(e.cfg.System.ShutdownDrainSeconds) * time.Second
	deadline := time.Now().Add(drain)
	for e.orderQueue.Depth() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if remaining := e.orderQueue.Depth(); remaining > 0 {
		e.logger.Warn("drain window elapsed with orders still queued", "remaining", remaining)
	}

	e.dispatcher.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
	e.responsePool.Stop()
	e.locks.Close()

	e.logger.Info("engine stopped",
		"uptime", time.Since(e.startedAt).Round(time.Second).String())
}

// Health exposes the health manager for the metrics server.
func (e *Engine) Health() *health.HealthManager { return e.healthMgr }

// metricsLoop refreshes gauges, evaluates alert thresholds, and publishes
// the metrics snapshot once per second.
func (e *Engine) metricsLoop() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			snap := e.orderQueue.Snapshot()
			m := telemetry.GetGlobalMetrics()
			for band, depth := range snap.BandDepths {
				m.SetQueueDepth(string(band), int64(depth))
			}
			m.SetInFlight(int64(snap.InFlight))
			m.SetThrottleTokens(snap.Tokens)
			m.SetOpenPositions(int64(e.book.Len()))
			pnl, _ := e.riskMgr.DailyPnL().Float64()
			m.SetDailyPnL(pnl)

			e.watcher.Evaluate(e.ctx, alert.ConditionSnapshot{
				QueueDepth:          snap.Depth,
				ProcessingP95Millis: snap.P95ProcessMs,
				ViolationsPerMinute: e.violationsWindow.Rate(time.Minute) * 60,
				BusConnected:        e.bus.Status() == core.BusConnected,
				GatewayHealthy:      e.gatewayHealthy(),
			})

			e.publishMetrics(snap)
		}
	}
}

func (e *Engine) gatewayHealthy() bool {
	ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
	defer cancel()
	return e.gateway.CheckHealth(ctx) == nil
}

func (e *Engine) publishMetrics(snap queue.Stats) {
	payload := map[string]interface{}{
		"timestamp":       time.Now(),
		"uptime_seconds":  int(time.Since(e.startedAt).Seconds()),
		"queue":           snap,
		"open_positions":  e.book.Len(),
		"daily_pnl":       e.riskMgr.DailyPnL(),
		"daily_losses":    e.riskMgr.DailyLossCount(),
		"orders_1s":       e.ordersWindow.CountSince(time.Second),
		"orders_60s":      e.ordersWindow.CountSince(time.Minute),
		"orders_5m":       e.ordersWindow.CountSince(5 * time.Minute),
		"violations_60s":  e.violationsWindow.CountSince(time.Minute),
		"tracked_orders":  e.store.Len(),
		"held_locks":      e.locks.HeldLocks(),
		"paused":          e.dispatcher.Paused(),
	}
	if err := e.bus.Publish(e.cfg.Channel(bus.ChannelMetrics), payload); err != nil {
		e.logger.Debug("metrics publish failed", "error", err)
	}
}

// healthLoop publishes the health report every 30 seconds.
func (e *Engine) healthLoop() error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			report := e.healthMgr.Snapshot()
			if err := e.bus.Publish(e.cfg.Channel(bus.ChannelHealth), report); err != nil {
				e.logger.Debug("health publish failed", "error", err)
			}
		}
	}
}

// summaryLoop logs a one-line operational summary every minute.
func (e *Engine) summaryLoop() error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			snap := e.orderQueue.Snapshot()
			e.logger.Info("operational summary",
				"queue_depth", snap.Depth,
				"in_flight", snap.InFlight,
				"enqueued", snap.Enqueued,
				"dequeued", snap.Dequeued,
				"open_positions", e.book.Len(),
				"daily_pnl", e.riskMgr.DailyPnL().StringFixed(2),
				"unassociated_fills", e.fillsH.UnassociatedFills(),
				"stolen_locks", e.locks.StolenLocks())
		}
	}
}

func (e *Engine) onDispatchEvent(ev dispatch.Event) {
	e.respondToSource(ev.Order.Source, map[string]interface{}{
		"type":  ev.Type,
		"order": ev.Order,
		"at":    ev.At,
	})
}

func (e *Engine) publishEnhancedFill(f fills.EnhancedFill) {
	if err := e.bus.Publish(e.cfg.Channel(bus.ChannelFillEnhanced), f); err != nil {
		e.logger.Debug("enhanced fill publish failed", "error", err)
	}
}

// publishPositionUpdate mirrors every position change onto both the
// per-account stream and the aggregate stream.
func (e *Engine) publishPositionUpdate(pos core.Position, closed bool) {
	trailKey := pos.Instrument + ":" + pos.Source
	if closed {
		e.trailing.Drop(trailKey)
	} else if pos.NetQuantity != 0 {
		side := core.SideBuy
		if pos.NetQuantity < 0 {
			side = core.SideSell
		}
		e.trailing.Track(trailKey, pos.Instrument, side, pos.AvgPrice)
	}

	payload := map[string]interface{}{
		"position": pos,
		"closed":   closed,
		"at":       time.Now(),
	}
	for _, channel := range []string{
		bus.PositionsChannel(e.cfg.Gateway.AccountID),
		e.cfg.Channel(bus.ChannelPositionUpdates),
	} {
		if err := e.bus.Publish(channel, payload); err != nil {
			e.logger.Debug("position publish failed", "channel", channel, "error", err)
		}
	}
}

// respondToSource delivers a payload on the source's response channel via
// the worker pool so a slow consumer cannot block the pipeline.
func (e *Engine) respondToSource(sourceID string, payload interface{}) {
	channel := bus.BotResponseChannel(sourceID)
	if err := e.responsePool.Submit(func() {
		if err := e.bus.Publish(channel, payload); err != nil {
			e.logger.Debug("response publish failed", "channel", channel, "error", err)
		}
	}); err != nil {
		e.logger.Warn("response pool full, reply dropped", "channel", channel)
	}
}
