// Package fills consumes broker fill reports and drives everything that
// hangs off a fill: order status, the position book, realized P&L, and
// SL/TP bracket children.
package fills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/bracket"
	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/dispatch"
	"orderfabric/internal/lock"
	"orderfabric/internal/registry"
	"orderfabric/internal/risk"
	apperrors "orderfabric/pkg/errors"
	"orderfabric/pkg/retry"
	"orderfabric/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	lockHolder       = "fill-handler"
	lockTimeout      = 5 * time.Second
	associateRetries = 5
	associateDelay   = 200 * time.Millisecond

	// unknownSource labels state derived from fills no order claims.
	unknownSource = "UNKNOWN"
)

// errOrderUnknown marks a lookup that found no tracked order yet.
var errOrderUnknown = errors.New("no tracked order for fill")

// EnhancedFill is the enriched fill event published downstream.
type EnhancedFill struct {
	core.Fill
	Source        string           `json:"source"`
	OrderStatus   core.OrderStatus `json:"orderStatus"`
	FilledQty     int64            `json:"filledQty"`
	OrderQty      int64            `json:"orderQty"`
	RealizedPnL   *decimal.Decimal `json:"realizedPnL,omitempty"`
	PositionNet   int64            `json:"positionNet"`
	PositionAvg   decimal.Decimal  `json:"positionAvg"`
	BracketLevels *core.BracketLevels `json:"bracketLevels,omitempty"`
}

// Handler processes fill reports.
type Handler struct {
	riskCfg     config.RiskConfig
	instruments map[string]config.InstrumentConfig

	calculator *bracket.Calculator
	locks      *lock.Manager
	store      *dispatch.TrackedStore
	brackets   *dispatch.PendingBrackets
	book       *PositionBook
	riskMgr    *risk.Manager
	registry   *registry.Registry
	logger     core.ILogger

	// submitChild feeds bracket children back into the intake pipeline.
	submitChild func(*core.Order) error
	// onEnhanced and onPosition publish downstream events.
	onEnhanced func(EnhancedFill)
	onPosition func(core.Position, bool)

	mu           sync.Mutex
	unassociated int64
	wg           sync.WaitGroup
}

// NewHandler creates a fill handler.
func NewHandler(riskCfg config.RiskConfig, instruments map[string]config.InstrumentConfig,
	calculator *bracket.Calculator, locks *lock.Manager, store *dispatch.TrackedStore,
	brackets *dispatch.PendingBrackets, book *PositionBook, riskMgr *risk.Manager,
	reg *registry.Registry, logger core.ILogger) *Handler {

	return &Handler{
		riskCfg:     riskCfg,
		instruments: instruments,
		calculator:  calculator,
		locks:       locks,
		store:       store,
		brackets:    brackets,
		book:        book,
		riskMgr:     riskMgr,
		registry:    reg,
		logger:      logger.WithField("component", "fills"),
	}
}

// SetSubmitChild wires the child-order sink.
func (h *Handler) SetSubmitChild(fn func(*core.Order) error) { h.submitChild = fn }

// SetOnEnhanced wires the enhanced-fill sink.
func (h *Handler) SetOnEnhanced(fn func(EnhancedFill)) { h.onEnhanced = fn }

// SetOnPosition wires the position-update sink. The bool marks a close.
func (h *Handler) SetOnPosition(fn func(core.Position, bool)) { h.onPosition = fn }

// HandleMessage is the bus handler for the per-account fill channel.
func (h *Handler) HandleMessage(data []byte) {
	var fill core.Fill
	if err := json.Unmarshal(data, &fill); err != nil {
		h.logger.Error("undecodable fill payload", "error", err)
		return
	}
	if fill.OrderID == "" || fill.Quantity <= 0 {
		h.logger.Error("malformed fill", "order_id", fill.OrderID, "quantity", fill.Quantity)
		return
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}

	h.Process(context.Background(), &fill)
}

// Process applies one fill. Duplicate fills, identified by broker id or by
// (timestamp, quantity), are dropped by the idempotency guard.
func (h *Handler) Process(ctx context.Context, fill *core.Fill) {
	op := "fill:" + fill.BrokerID
	if fill.BrokerID == "" {
		op = fmt.Sprintf("fill:%d:%d", fill.Timestamp.UnixNano(), fill.Quantity)
	}

	executed, err := h.locks.ExecuteOnce(ctx, fill.OrderID, op, lockHolder, lockTimeout, func() error {
		h.apply(ctx, fill)
		return nil
	})
	if err != nil {
		h.logger.Error("fill processing failed", "order_id", fill.OrderID, "error", err)
		return
	}
	if !executed {
		h.logger.Debug("duplicate fill dropped", "order_id", fill.OrderID, "op", op)
	}
}

func (h *Handler) apply(ctx context.Context, fill *core.Fill) {
	telemetry.GetGlobalMetrics().FillsTotal.Add(ctx, 1)

	tracked, ok := h.store.Get(fill.OrderID)
	if !ok {
		h.handleUnassociated(ctx, fill)
		return
	}
	h.applyTracked(ctx, fill, tracked)
}

func (h *Handler) applyTracked(ctx context.Context, fill *core.Fill, tracked *core.TrackedOrder) {
	filledQty := tracked.FilledQty + fill.Quantity
	status := core.StatusPartiallyFilled
	if filledQty >= tracked.Quantity {
		status = core.StatusFilled
	}

	h.store.UpdateStatus(fill.OrderID, status, func(t *core.TrackedOrder) {
		t.FilledQty = filledQty
	})
	if status == core.StatusFilled {
		h.registry.RecordOutcome(tracked.Source, core.StatusFilled)
	}

	result := h.applyToBook(fill, tracked.Source)

	enhanced := EnhancedFill{
		Fill:        *fill,
		Source:      tracked.Source,
		OrderStatus: status,
		FilledQty:   filledQty,
		OrderQty:    tracked.Quantity,
		PositionNet: result.Position.NetQuantity,
		PositionAvg: result.Position.AvgPrice,
	}
	if result.ClosedQty > 0 {
		pnl := result.RealizedPnL
		enhanced.RealizedPnL = &pnl
	}

	// Every reported fill protects its own slice of the position: a child
	// pair sized to the fill, until the parent quantity is accounted for.
	if pending, childQty, seq, found := h.brackets.Consume(fill.OrderID, fill.Quantity); found {
		enhanced.BracketLevels = h.emitChildren(ctx, fill, childQty, seq, tracked, pending)
	}

	if h.onEnhanced != nil {
		h.onEnhanced(enhanced)
	}
	if h.onPosition != nil {
		h.onPosition(result.Position, result.Closed)
	}

	h.logger.Info("fill applied",
		"order_id", fill.OrderID, "instrument", fill.Instrument,
		"price", fill.FillPrice.String(), "quantity", fill.Quantity,
		"status", string(status), "net", result.Position.NetQuantity)
}

// emitChildren derives SL/TP prices from this fill and submits a child pair
// sized to the fill's quantity.
func (h *Handler) emitChildren(ctx context.Context, fill *core.Fill, qty int64, seq int,
	tracked *core.TrackedOrder, pending *core.PendingBracket) *core.BracketLevels {

	if qty <= 0 {
		h.logger.Error("bracket children skipped",
			"order_id", tracked.ID, "error", apperrors.ErrInvalidBracketQty,
			"fill_qty", fill.Quantity)
		return nil
	}

	levels, err := h.calculator.Levels(pending.Instrument, pending.Side, fill.FillPrice,
		qty, pending.StopLoss, pending.TakeProfit, decimal.Zero)
	if err != nil {
		h.logger.Error("bracket level derivation failed",
			"order_id", tracked.ID, "error", err)
		return nil
	}

	childSide := pending.Side.Opposite()

	if levels.StopLossPrice != nil {
		stop := &core.Order{
			ID:         childID(tracked.ID, core.BracketKindSL, seq),
			Source:     tracked.Source,
			Instrument: pending.Instrument,
			Side:       childSide,
			Type:       core.TypeStop,
			Quantity:   qty,
			StopPrice:  levels.StopLossPrice,
			AccountID:  pending.AccountID,
			Metadata: map[string]string{
				core.MetaParentOrderID: tracked.ID,
				core.MetaBracketKind:   core.BracketKindSL,
			},
			SubmittedAt: time.Now(),
		}
		h.submit(ctx, stop)
	}

	if levels.TakeProfitPrice != nil {
		target := &core.Order{
			ID:         childID(tracked.ID, core.BracketKindTP, seq),
			Source:     tracked.Source,
			Instrument: pending.Instrument,
			Side:       childSide,
			Type:       core.TypeLimit,
			Quantity:   qty,
			LimitPrice: levels.TakeProfitPrice,
			AccountID:  pending.AccountID,
			Metadata: map[string]string{
				core.MetaParentOrderID: tracked.ID,
				core.MetaBracketKind:   core.BracketKindTP,
			},
			SubmittedAt: time.Now(),
		}
		h.submit(ctx, target)
	}

	return levels
}

// childID suffixes the parent id with the bracket kind. Pairs after the first
// carry the pair sequence so each partial fill gets distinct child ids.
func childID(parentID, kind string, seq int) string {
	if seq <= 1 {
		return parentID + "_" + kind
	}
	return fmt.Sprintf("%s_%s%d", parentID, kind, seq)
}

func (h *Handler) submit(ctx context.Context, child *core.Order) {
	if h.submitChild == nil {
		return
	}
	if err := h.submitChild(child); err != nil {
		h.logger.Error("bracket child submission failed",
			"order_id", child.ID, "error", err)
		return
	}
	telemetry.GetGlobalMetrics().BracketChildrenTotal.Add(ctx, 1)
	h.logger.Info("bracket child submitted",
		"order_id", child.ID, "kind", child.Metadata[core.MetaBracketKind],
		"type", string(child.Type))
}

// applyToBook folds the fill into the position book and posts the realized
// P&L and open-position count to the risk manager.
func (h *Handler) applyToBook(fill *core.Fill, source string) ApplyResult {
	inst := h.instruments[fill.Instrument]
	multiplier := decimal.NewFromFloat(inst.Multiplier)
	if multiplier.LessThanOrEqual(decimal.Zero) {
		multiplier = decimal.NewFromInt(1)
		h.logger.Warn("no contract multiplier configured, using 1", "instrument", fill.Instrument)
	}
	commission := decimal.NewFromFloat(h.riskCfg.CommissionPerRoundTrip)

	result := h.book.Apply(fill, source, multiplier, commission)

	if !result.RealizedPnL.IsZero() || result.ClosedQty > 0 {
		h.riskMgr.ApplyRealizedPnL(result.RealizedPnL)
	}
	h.riskMgr.SetOpenPosition(
		core.PositionKey{Instrument: fill.Instrument, Source: source},
		result.Position.NetQuantity)
	return result
}

// handleUnassociated retries the order lookup on a short schedule. A fill
// can overtake the dispatch acknowledgement that registers the order. After
// the retry budget the fill is counted, and the attributable parts still
// land: when the instrument and account identify the position, the book and
// daily P&L are updated under the UNKNOWN source.
func (h *Handler) handleUnassociated(ctx context.Context, fill *core.Fill) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		var tracked *core.TrackedOrder
		policy := retry.Policy{
			MaxAttempts:    associateRetries,
			InitialBackoff: associateDelay,
			MaxBackoff:     associateDelay,
		}
		err := retry.Do(ctx, policy, retry.Always, func() error {
			t, ok := h.store.Get(fill.OrderID)
			if !ok {
				return errOrderUnknown
			}
			tracked = t
			return nil
		})
		if err == nil {
			h.applyTracked(ctx, fill, tracked)
			return
		}
		if ctx.Err() != nil {
			return
		}

		h.mu.Lock()
		h.unassociated++
		count := h.unassociated
		h.mu.Unlock()

		h.logger.Warn("fill has no associated order",
			"order_id", fill.OrderID, "instrument", fill.Instrument,
			"quantity", fill.Quantity, "total_unassociated", count)

		enhanced := EnhancedFill{Fill: *fill, Source: unknownSource}
		if fill.Instrument != "" && fill.AccountID != "" {
			result := h.applyToBook(fill, unknownSource)
			enhanced.PositionNet = result.Position.NetQuantity
			enhanced.PositionAvg = result.Position.AvgPrice
			if result.ClosedQty > 0 {
				pnl := result.RealizedPnL
				enhanced.RealizedPnL = &pnl
			}
			if h.onPosition != nil {
				h.onPosition(result.Position, result.Closed)
			}
		}
		if h.onEnhanced != nil {
			h.onEnhanced(enhanced)
		}
	}()
}

// UnassociatedFills returns the running count of fills with no known order.
func (h *Handler) UnassociatedFills() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unassociated
}

// Wait blocks until pending association watchers finish. Test hook.
func (h *Handler) Wait() { h.wg.Wait() }
