// Package bracket derives absolute stop-loss and take-profit prices from a
// realized fill price and a bracket spec.
//
// All arithmetic is decimal. Every derived price is rounded to the
// instrument's tick grid before validation. Levels that end up on the wrong
// side of the fill are rejected rather than silently flipped.
package bracket

import (
	"fmt"
	"strings"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculator turns bracket specs into validated price levels.
type Calculator struct {
	cfg         config.BracketConfig
	instruments map[string]config.InstrumentConfig
	logger      core.ILogger
}

// NewCalculator creates a bracket calculator.
func NewCalculator(cfg config.BracketConfig, instruments map[string]config.InstrumentConfig, logger core.ILogger) *Calculator {
	return &Calculator{
		cfg:         cfg,
		instruments: instruments,
		logger:      logger.WithField("component", "bracket"),
	}
}

// Levels derives SL/TP prices for a filled parent order. quantity is the
// contract count the bracket protects; dollar specs divide by it so the total
// dollar risk matches the spec.
//
// atr carries the current ATR value for "atr" specs; pass zero when unknown,
// which makes atr specs fall back to the configured percent defaults.
func (c *Calculator) Levels(instrument string, side core.OrderSide, fillPrice decimal.Decimal,
	quantity int64, stopLoss, takeProfit *core.BracketSpec, atr decimal.Decimal) (*core.BracketLevels, error) {

	inst, ok := c.instruments[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: no contract parameters for %s", apperrors.ErrInvalidTick, instrument)
	}
	tick := decimal.NewFromFloat(inst.TickSize)
	if tick.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive tick for %s", apperrors.ErrInvalidTick, instrument)
	}
	dollarPerPoint := decimal.NewFromFloat(inst.DollarPerPoint)
	if dollarPerPoint.LessThanOrEqual(decimal.Zero) {
		dollarPerPoint = decimal.NewFromFloat(inst.Multiplier)
	}
	if quantity <= 0 {
		quantity = 1
	}
	qty := decimal.NewFromInt(quantity)

	levels := &core.BracketLevels{}

	if stopLoss != nil {
		distance, err := c.distance(stopLoss, fillPrice, dollarPerPoint, qty, atr, c.cfg.DefaultStopPct)
		if err != nil {
			return nil, fmt.Errorf("stop loss: %w", err)
		}
		price := applyDistance(fillPrice, distance, side, stopLoss.Kind == core.SpecPrice, stopLoss.Value, true)
		price = RoundToTick(price, tick)
		levels.StopLossPrice = &price
		levels.StopLossDollars = fillPrice.Sub(price).Abs().Mul(dollarPerPoint).Mul(qty)
	}

	if takeProfit != nil {
		distance, err := c.distance(takeProfit, fillPrice, dollarPerPoint, qty, atr, c.cfg.DefaultTargetPct)
		if err != nil {
			return nil, fmt.Errorf("take profit: %w", err)
		}
		price := applyDistance(fillPrice, distance, side, takeProfit.Kind == core.SpecPrice, takeProfit.Value, false)
		price = RoundToTick(price, tick)
		levels.TakeProfitPrice = &price
		levels.TakeProfitDollars = fillPrice.Sub(price).Abs().Mul(dollarPerPoint).Mul(qty)
	}

	// A reward thinner than MinRiskReward times the risk widens the target;
	// the stop is never moved.
	if levels.StopLossPrice != nil && levels.TakeProfitPrice != nil && c.cfg.MinRiskReward > 0 {
		risk := fillPrice.Sub(*levels.StopLossPrice).Abs()
		reward := levels.TakeProfitPrice.Sub(fillPrice).Abs()
		minRR := decimal.NewFromFloat(c.cfg.MinRiskReward)

		if risk.GreaterThan(decimal.Zero) && reward.LessThan(risk.Mul(minRR)) {
			extended := risk.Mul(minRR)
			var target decimal.Decimal
			if side == core.SideBuy {
				target = fillPrice.Add(extended)
			} else {
				target = fillPrice.Sub(extended)
			}
			target = RoundToTick(target, tick)
			c.logger.Debug("take profit extended to satisfy min risk reward",
				"instrument", instrument,
				"from", levels.TakeProfitPrice.String(), "to", target.String())
			levels.TakeProfitPrice = &target
			levels.TakeProfitDollars = fillPrice.Sub(target).Abs().Mul(dollarPerPoint).Mul(qty)
		}
	}

	if levels.StopLossPrice != nil && !levels.StopLossDollars.IsZero() {
		levels.RiskReward = levels.TakeProfitDollars.DivRound(levels.StopLossDollars, 4)
	}

	if v := ValidateLevels(side, fillPrice, levels); !v.Valid {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidTick, strings.Join(v.Errors, "; "))
	}
	return levels, nil
}

// distance resolves a spec into a positive point distance from the fill.
// Price-kind specs return zero here; the absolute value is applied directly.
func (c *Calculator) distance(spec *core.BracketSpec, fillPrice, dollarPerPoint, qty, atr decimal.Decimal, fallbackPct float64) (decimal.Decimal, error) {
	switch spec.Kind {
	case core.SpecPrice:
		return decimal.Zero, nil
	case core.SpecPoints:
		return spec.Value.Abs(), nil
	case core.SpecDollars:
		if dollarPerPoint.IsZero() {
			return decimal.Zero, fmt.Errorf("dollar spec without dollar-per-point")
		}
		// Total dollar risk spread over every contract in the fill.
		return spec.Value.Abs().DivRound(dollarPerPoint.Mul(qty), 8), nil
	case core.SpecPercent:
		return fillPrice.Mul(spec.Value.Abs()).DivRound(hundred, 8), nil
	case core.SpecATR:
		if atr.GreaterThan(decimal.Zero) {
			return atr.Mul(spec.Value.Abs()), nil
		}
		// ATR unavailable: fall back to the configured percent distance.
		return fillPrice.Mul(decimal.NewFromFloat(fallbackPct)).DivRound(hundred, 8), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown spec kind %q", spec.Kind)
	}
}

// applyDistance places the level on the protective side of the fill.
func applyDistance(fillPrice, distance decimal.Decimal, side core.OrderSide, isAbsolute bool, absolute decimal.Decimal, isStop bool) decimal.Decimal {
	if isAbsolute {
		return absolute
	}
	// BUY: stop below, target above. SELL mirrored.
	below := (side == core.SideBuy) == isStop
	if below {
		return fillPrice.Sub(distance)
	}
	return fillPrice.Add(distance)
}

// RoundToTick snaps a price to the instrument's tick grid, half away from
// zero.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.DivRound(tick, 0).Mul(tick)
}

// ValidationResult collects every side check for a derived level pair.
type ValidationResult struct {
	Valid      bool            `json:"valid"`
	Errors     []string        `json:"errors,omitempty"`
	RiskReward decimal.Decimal `json:"riskReward"`
}

// ValidateLevels checks that every derived level sits on the protective side
// of the fill. All failures are collected, none short-circuits.
func ValidateLevels(side core.OrderSide, fillPrice decimal.Decimal, levels *core.BracketLevels) ValidationResult {
	var errs []string

	if levels.StopLossPrice != nil {
		if side == core.SideBuy && !levels.StopLossPrice.LessThan(fillPrice) {
			errs = append(errs, fmt.Sprintf("BUY stop %s not below fill %s",
				levels.StopLossPrice, fillPrice))
		}
		if side == core.SideSell && !levels.StopLossPrice.GreaterThan(fillPrice) {
			errs = append(errs, fmt.Sprintf("SELL stop %s not above fill %s",
				levels.StopLossPrice, fillPrice))
		}
	}
	if levels.TakeProfitPrice != nil {
		if side == core.SideBuy && !levels.TakeProfitPrice.GreaterThan(fillPrice) {
			errs = append(errs, fmt.Sprintf("BUY target %s not above fill %s",
				levels.TakeProfitPrice, fillPrice))
		}
		if side == core.SideSell && !levels.TakeProfitPrice.LessThan(fillPrice) {
			errs = append(errs, fmt.Sprintf("SELL target %s not below fill %s",
				levels.TakeProfitPrice, fillPrice))
		}
	}

	return ValidationResult{
		Valid:      len(errs) == 0,
		Errors:     errs,
		RiskReward: levels.RiskReward,
	}
}
