package alert

import (
	"context"
	"fmt"
	"sync"

	"orderfabric/internal/config"
)

// ConditionSnapshot is the operational state the watcher evaluates each tick.
type ConditionSnapshot struct {
	QueueDepth          int
	ProcessingP95Millis float64
	ViolationsPerMinute float64
	BusConnected        bool
	GatewayHealthy      bool
}

type conditionKey string

const (
	condQueueDepth    conditionKey = "queue_depth"
	condProcessingP95 conditionKey = "processing_p95"
	condViolationRate conditionKey = "violation_rate"
	condBusDown       conditionKey = "bus_down"
	condGatewayDown   conditionKey = "gateway_down"
)

// ThresholdWatcher raises one alert per threshold crossing. A condition that
// stays breached does not re-alert until it first recovers.
type ThresholdWatcher struct {
	cfg     config.AlertConfig
	manager *AlertManager

	mu     sync.Mutex
	active map[conditionKey]bool
}

// NewThresholdWatcher creates a threshold watcher.
func NewThresholdWatcher(cfg config.AlertConfig, manager *AlertManager) *ThresholdWatcher {
	return &ThresholdWatcher{
		cfg:     cfg,
		manager: manager,
		active:  make(map[conditionKey]bool),
	}
}

// Evaluate compares the snapshot against every threshold and alerts on
// transitions in both directions.
func (w *ThresholdWatcher) Evaluate(ctx context.Context, snap ConditionSnapshot) {
	w.transition(ctx, condQueueDepth,
		w.cfg.QueueDepthThreshold > 0 && snap.QueueDepth >= w.cfg.QueueDepthThreshold,
		Warning, "Queue depth high",
		fmt.Sprintf("queue depth %d at or above threshold %d", snap.QueueDepth, w.cfg.QueueDepthThreshold),
		map[string]string{"depth": fmt.Sprintf("%d", snap.QueueDepth)})

	w.transition(ctx, condProcessingP95,
		w.cfg.ProcessingP95Millis > 0 && snap.ProcessingP95Millis >= w.cfg.ProcessingP95Millis,
		Warning, "Dispatch latency high",
		fmt.Sprintf("p95 processing time %.0fms at or above threshold %.0fms",
			snap.ProcessingP95Millis, w.cfg.ProcessingP95Millis),
		map[string]string{"p95_ms": fmt.Sprintf("%.0f", snap.ProcessingP95Millis)})

	w.transition(ctx, condViolationRate,
		w.cfg.ViolationRatePerMinute > 0 && snap.ViolationsPerMinute >= w.cfg.ViolationRatePerMinute,
		Error, "Risk violation rate high",
		fmt.Sprintf("%.1f violations/min at or above threshold %.1f",
			snap.ViolationsPerMinute, w.cfg.ViolationRatePerMinute),
		map[string]string{"rate": fmt.Sprintf("%.1f", snap.ViolationsPerMinute)})

	w.transition(ctx, condBusDown, !snap.BusConnected,
		Critical, "Message bus disconnected",
		"publishes are being dropped until the bus reconnects", nil)

	w.transition(ctx, condGatewayDown, !snap.GatewayHealthy,
		Critical, "Broker gateway unreachable",
		"order dispatch will retry until the gateway recovers", nil)
}

func (w *ThresholdWatcher) transition(ctx context.Context, key conditionKey, breached bool,
	level AlertLevel, title, message string, fields map[string]string) {

	w.mu.Lock()
	wasActive := w.active[key]
	w.active[key] = breached
	w.mu.Unlock()

	if breached == wasActive {
		return
	}

	if breached {
		w.manager.Alert(ctx, title, message, level, fields)
		return
	}
	w.manager.Alert(ctx, title+" recovered", "condition cleared", Info, fields)
}
