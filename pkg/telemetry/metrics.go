package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersReceivedTotal   = "orderfabric_orders_received_total"
	MetricOrdersProcessedTotal  = "orderfabric_orders_processed_total"
	MetricOrdersFailedTotal     = "orderfabric_orders_failed_total"
	MetricOrdersRejectedTotal   = "orderfabric_orders_rejected_total"
	MetricFillsTotal            = "orderfabric_fills_total"
	MetricRiskViolationsTotal   = "orderfabric_risk_violations_total"
	MetricBracketChildrenTotal  = "orderfabric_bracket_children_total"
	MetricBusPublishDropped     = "orderfabric_bus_publish_dropped_total"
	MetricBusReconnectsTotal    = "orderfabric_bus_reconnects_total"
	MetricQueueDepth            = "orderfabric_queue_depth"
	MetricInFlight              = "orderfabric_in_flight"
	MetricThrottleTokens        = "orderfabric_throttle_tokens"
	MetricOpenPositions         = "orderfabric_open_positions"
	MetricDailyPnL              = "orderfabric_daily_pnl"
	MetricProcessingTime        = "orderfabric_processing_time_ms"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	OrdersReceivedTotal  metric.Int64Counter
	OrdersProcessedTotal metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	FillsTotal           metric.Int64Counter
	RiskViolationsTotal  metric.Int64Counter
	BracketChildrenTotal metric.Int64Counter
	BusPublishDropped    metric.Int64Counter
	BusReconnectsTotal   metric.Int64Counter
	QueueDepth           metric.Int64ObservableGauge
	InFlight             metric.Int64ObservableGauge
	ThrottleTokens       metric.Float64ObservableGauge
	OpenPositions        metric.Int64ObservableGauge
	DailyPnL             metric.Float64ObservableGauge
	ProcessingTime       metric.Float64Histogram

	// State for observable gauges
	mu             sync.RWMutex
	queueDepthMap  map[string]int64 // keyed by band
	inFlight       int64
	throttleTokens float64
	openPositions  int64
	dailyPnL       float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersReceivedTotal, err = meter.Int64Counter(MetricOrdersReceivedTotal, metric.WithDescription("Total orders received on the intake channel"))
	if err != nil {
		return err
	}

	m.OrdersProcessedTotal, err = meter.Int64Counter(MetricOrdersProcessedTotal, metric.WithDescription("Total orders dispatched to the gateway"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total orders that terminated as FAILED"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected at intake or risk"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total fills processed"))
	if err != nil {
		return err
	}

	m.RiskViolationsTotal, err = meter.Int64Counter(MetricRiskViolationsTotal, metric.WithDescription("Total risk violations by kind"))
	if err != nil {
		return err
	}

	m.BracketChildrenTotal, err = meter.Int64Counter(MetricBracketChildrenTotal, metric.WithDescription("Total SL/TP child orders emitted"))
	if err != nil {
		return err
	}

	m.BusPublishDropped, err = meter.Int64Counter(MetricBusPublishDropped, metric.WithDescription("Publishes dropped while the bus was disconnected"))
	if err != nil {
		return err
	}

	m.BusReconnectsTotal, err = meter.Int64Counter(MetricBusReconnectsTotal, metric.WithDescription("Bus reconnect attempts"))
	if err != nil {
		return err
	}

	m.ProcessingTime, err = meter.Float64Histogram(MetricProcessingTime, metric.WithDescription("Dispatch processing time"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Queue depth by priority band"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for band, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("band", band)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.InFlight, err = meter.Int64ObservableGauge(MetricInFlight, metric.WithDescription("Orders currently in PROCESSING"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.inFlight)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ThrottleTokens, err = meter.Float64ObservableGauge(MetricThrottleTokens, metric.WithDescription("Available throttle tokens"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.throttleTokens)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions by (instrument, source)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Realized PnL for the current trading day"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetQueueDepth(band string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[band] = depth
}

func (m *MetricsHolder) SetInFlight(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = n
}

func (m *MetricsHolder) SetThrottleTokens(tokens float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttleTokens = tokens
}

func (m *MetricsHolder) SetOpenPositions(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = n
}

func (m *MetricsHolder) SetDailyPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = pnl
}
