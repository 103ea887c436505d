package bracket

import (
	"sync"

	"orderfabric/internal/config"
	"orderfabric/internal/core"

	"github.com/shopspring/decimal"
)

// TrailingState tracks one position's trailing stop.
type TrailingState struct {
	PositionID string
	Instrument string
	Side       core.OrderSide
	EntryPrice decimal.Decimal

	Activated bool
	HighWater decimal.Decimal
	StopPrice decimal.Decimal
}

// TrailingTracker manages trailing stops across open positions. Once the
// market moves TrailingTriggerPct in favor of the position the stop arms and
// then follows price at TrailingDistPct, ratcheting only in the favorable
// direction.
type TrailingTracker struct {
	cfg    config.BracketConfig
	logger core.ILogger

	mu     sync.Mutex
	states map[string]*TrailingState
}

// NewTrailingTracker creates a trailing stop tracker.
func NewTrailingTracker(cfg config.BracketConfig, logger core.ILogger) *TrailingTracker {
	return &TrailingTracker{
		cfg:    cfg,
		logger: logger.WithField("component", "trailing"),
		states: make(map[string]*TrailingState),
	}
}

// Track starts following a position. A no-op when trailing is disabled.
func (t *TrailingTracker) Track(positionID, instrument string, side core.OrderSide, entryPrice decimal.Decimal) {
	if !t.cfg.TrailingEnabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.states[positionID]; exists {
		return
	}
	t.states[positionID] = &TrailingState{
		PositionID: positionID,
		Instrument: instrument,
		Side:       side,
		EntryPrice: entryPrice,
		HighWater:  entryPrice,
	}
}

// Drop stops following a position.
func (t *TrailingTracker) Drop(positionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, positionID)
}

// Observe feeds a market price. It returns the new stop price when the stop
// ratcheted, nil otherwise.
func (t *TrailingTracker) Observe(positionID string, price decimal.Decimal) *decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[positionID]
	if !ok {
		return nil
	}

	favorable := price.GreaterThan(state.HighWater)
	if state.Side == core.SideSell {
		favorable = price.LessThan(state.HighWater)
	}
	if !favorable {
		return nil
	}
	state.HighWater = price

	if !state.Activated {
		trigger := state.EntryPrice.Mul(decimal.NewFromFloat(t.cfg.TrailingTriggerPct)).DivRound(hundred, 8)
		moved := price.Sub(state.EntryPrice).Abs()
		if moved.LessThan(trigger) {
			return nil
		}
		state.Activated = true
		t.logger.Debug("trailing stop armed", "position", positionID, "price", price.String())
	}

	dist := price.Mul(decimal.NewFromFloat(t.cfg.TrailingDistPct)).DivRound(hundred, 8)
	var candidate decimal.Decimal
	if state.Side == core.SideBuy {
		candidate = price.Sub(dist)
		if !candidate.GreaterThan(state.StopPrice) && !state.StopPrice.IsZero() {
			return nil
		}
	} else {
		candidate = price.Add(dist)
		if !candidate.LessThan(state.StopPrice) && !state.StopPrice.IsZero() {
			return nil
		}
	}

	state.StopPrice = candidate
	return &candidate
}

// Active returns the number of tracked positions.
func (t *TrailingTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
