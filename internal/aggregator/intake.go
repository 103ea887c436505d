package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"orderfabric/internal/bus"
	"orderfabric/internal/core"
	"orderfabric/internal/risk"
	"orderfabric/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// handleOrderMessage is the orders-channel handler: normalize, admit,
// validate, enqueue.
func (e *Engine) handleOrderMessage(data []byte) {
	telemetry.GetGlobalMetrics().OrdersReceivedTotal.Add(context.Background(), 1)
	e.ordersWindow.Record()

	order, err := e.normalizer.Normalize(data)
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(context.Background(), 1)
		e.logger.Error("order rejected at intake", "error", err)

		// Best effort: a malformed payload may still carry a source to reply to.
		var probe struct {
			Source string `json:"source"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Source != "" {
			e.respondToSource(probe.Source, map[string]interface{}{
				"type":    "ORDER_REJECTED",
				"reason":  "MALFORMED",
				"detail":  err.Error(),
				"success": false,
				"at":      time.Now(),
			})
		}
		return
	}

	e.routeOrder(order, false)
}

// submitChildOrder feeds a bracket child back into the pipeline. Children
// bypass source admission and the account gates, their parent already passed
// both; only the order shape is checked.
func (e *Engine) submitChildOrder(order *core.Order) error {
	e.routeOrder(order, true)
	return nil
}

func (e *Engine) routeOrder(order *core.Order, isChild bool) {
	sourceKind := core.SourceExternal

	if !isChild {
		source, err := e.sources.Admit(order.Source)
		if err != nil {
			telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(context.Background(), 1)
			e.logger.Warn("order rejected, source not admitted",
				"order_id", order.ID, "source", order.Source, "error", err)
			e.respondToSource(order.Source, rejection(order, "SOURCE_REJECTED", err.Error(), nil))
			return
		}
		sourceKind = source.Kind
	} else if source, ok := e.sources.Get(order.Source); ok {
		sourceKind = source.Kind
	}

	var result risk.ValidationResult
	if isChild {
		// A daily gate breached by the parent's own fill must not strip the
		// open position of its protective children.
		result = e.riskMgr.ValidateShape(order)
	} else {
		result = e.riskMgr.ValidateOrder(context.Background(), order)
	}
	if !result.Valid {
		for range result.Violations {
			e.violationsWindow.Record()
		}
		telemetry.GetGlobalMetrics().RiskViolationsTotal.Add(context.Background(),
			int64(len(result.Violations)))

		if !e.cfg.System.LegacyDispatchOnReject {
			telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(context.Background(), 1)
			e.sources.RecordOutcome(order.Source, core.StatusRejected)
			e.logger.Warn("order rejected by risk",
				"order_id", order.ID, "violations", len(result.Violations))
			e.respondToSource(order.Source, rejection(order, "RISK_REJECTED", "", result.Violations))
			return
		}
		// Legacy mode routes the order anyway; violations are still recorded
		// and reported.
		e.logger.Warn("risk violations overridden by legacy dispatch mode",
			"order_id", order.ID, "violations", len(result.Violations))
	}

	tracked, err := e.orderQueue.Enqueue(order, sourceKind)
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(context.Background(), 1)
		e.sources.RecordOutcome(order.Source, core.StatusRejected)
		e.logger.Error("order rejected, queue full", "order_id", order.ID, "error", err)
		e.respondToSource(order.Source, rejection(order, "QUEUE_FULL", err.Error(), nil))
		return
	}

	e.store.Put(tracked)
	if !isChild {
		e.sources.RecordOrder(order.Source)
	}

	e.respondToSource(order.Source, map[string]interface{}{
		"type":    "ORDER_QUEUED",
		"orderId": order.ID,
		"queueId": tracked.QueueID,
		"at":      time.Now(),
	})
}

func rejection(order *core.Order, reason, detail string, violations []core.Violation) map[string]interface{} {
	payload := map[string]interface{}{
		"type":    "ORDER_REJECTED",
		"orderId": order.ID,
		"reason":  reason,
		"at":      time.Now(),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	if len(violations) > 0 {
		payload["violations"] = violations
	}
	return payload
}

// controlCommand is the control-channel payload.
type controlCommand struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
}

// Control commands.
const (
	CommandHeartbeat = "HEARTBEAT"
	CommandShutdown  = "SHUTDOWN"
	CommandPause     = "PAUSE_PROCESSING"
	CommandResume    = "RESUME_PROCESSING"
)

func (e *Engine) handleControl(data []byte) {
	var cmd controlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.logger.Error("undecodable control payload", "error", err)
		return
	}

	switch cmd.Command {
	case CommandHeartbeat:
		report := e.healthMgr.Snapshot()
		if err := e.bus.Publish(e.cfg.Channel(bus.ChannelHealth), report); err != nil {
			e.logger.Debug("heartbeat reply failed", "error", err)
		}
	case CommandPause:
		e.dispatcher.Pause()
	case CommandResume:
		e.dispatcher.Resume()
	case CommandShutdown:
		e.logger.Info("shutdown requested over control channel", "source", cmd.Source)
		go e.Stop()
	default:
		e.logger.Warn("unknown control command", "command", cmd.Command)
	}
}

// handleMarketData republishes the inbound market feed on the outbound
// aggregate channel and feeds trailing stops.
func (e *Engine) handleMarketData(data []byte) {
	var tick struct {
		Instrument string          `json:"instrument"`
		Price      json.RawMessage `json:"price"`
	}
	if err := json.Unmarshal(data, &tick); err == nil && tick.Instrument != "" {
		e.observeTrailing(tick.Instrument, tick.Price)
	}

	var payload json.RawMessage = data
	if err := e.bus.Publish(e.cfg.Channel(bus.ChannelMarketDataOut), payload); err != nil {
		e.logger.Debug("market data republish failed", "error", err)
	}
}

func (e *Engine) observeTrailing(instrument string, rawPrice json.RawMessage) {
	if len(rawPrice) == 0 || e.trailing.Active() == 0 {
		return
	}

	price, err := parseDecimal(rawPrice)
	if err != nil {
		return
	}

	for _, pos := range e.book.All() {
		if pos.Instrument != instrument {
			continue
		}
		key := pos.Instrument + ":" + pos.Source
		if newStop := e.trailing.Observe(key, price); newStop != nil {
			ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
			err := e.gateway.SetPositionSLTP(ctx, e.cfg.Gateway.AccountID, key, newStop, nil)
			cancel()
			if err != nil {
				e.logger.Warn("trailing stop update failed", "position", key, "error", err)
			}
		}
	}
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var d decimal.Decimal
	err := json.Unmarshal(raw, &d)
	return d, err
}
