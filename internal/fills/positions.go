package fills

import (
	"sync"
	"time"

	"orderfabric/internal/core"

	"github.com/shopspring/decimal"
)

// ApplyResult reports what a fill did to a position.
type ApplyResult struct {
	Position    core.Position
	RealizedPnL decimal.Decimal
	ClosedQty   int64
	Closed      bool
}

// PositionBook tracks net positions per (instrument, source) and computes
// realized P&L on reductions.
//
// Same-direction fills move the average price. Opposite-direction fills
// realize (exit - avg) * closedQty * multiplier, minus the round-trip
// commission per closed contract. A fill larger than the net flips the
// position at the fill price.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[core.PositionKey]*core.Position
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[core.PositionKey]*core.Position)}
}

// Apply folds a fill into the book.
func (b *PositionBook) Apply(fill *core.Fill, source string, multiplier, commissionPerContract decimal.Decimal) ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := core.PositionKey{Instrument: fill.Instrument, Source: source}
	pos, ok := b.positions[key]
	if !ok {
		pos = &core.Position{
			Instrument: fill.Instrument,
			Source:     source,
			OpenedAt:   time.Now(),
		}
		b.positions[key] = pos
	}

	delta := fill.Quantity
	if fill.Side == core.SideSell {
		delta = -delta
	}

	result := ApplyResult{}
	sameDirection := pos.NetQuantity == 0 || (pos.NetQuantity > 0) == (delta > 0)

	if sameDirection {
		oldAbs := decimal.NewFromInt(abs64(pos.NetQuantity))
		addAbs := decimal.NewFromInt(abs64(delta))
		total := oldAbs.Add(addAbs)
		if total.GreaterThan(decimal.Zero) {
			pos.AvgPrice = pos.AvgPrice.Mul(oldAbs).
				Add(fill.FillPrice.Mul(addAbs)).
				DivRound(total, 8)
		}
		if pos.NetQuantity == 0 {
			pos.OpenedAt = time.Now()
		}
		pos.NetQuantity += delta
	} else {
		closed := min64(abs64(pos.NetQuantity), abs64(delta))
		direction := decimal.NewFromInt(1)
		if pos.NetQuantity < 0 {
			direction = decimal.NewFromInt(-1)
		}

		realized := fill.FillPrice.Sub(pos.AvgPrice).
			Mul(decimal.NewFromInt(closed)).
			Mul(multiplier).
			Mul(direction).
			Sub(commissionPerContract.Mul(decimal.NewFromInt(closed)))

		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.NetQuantity += delta

		result.RealizedPnL = realized
		result.ClosedQty = closed

		if pos.NetQuantity == 0 {
			result.Closed = true
		} else if abs64(delta) > closed {
			// Flip: remainder opens in the new direction at the fill price.
			pos.AvgPrice = fill.FillPrice
			pos.OpenedAt = time.Now()
		}
	}

	result.Position = *pos
	if pos.NetQuantity == 0 {
		delete(b.positions, key)
	}
	return result
}

// Get returns a position snapshot.
func (b *PositionBook) Get(key core.PositionKey) (*core.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[key]
	if !ok {
		return nil, false
	}
	out := *pos
	return &out, true
}

// All returns snapshots of every open position.
func (b *PositionBook) All() []core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// Len returns the number of open positions.
func (b *PositionBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
