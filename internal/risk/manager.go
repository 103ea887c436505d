// Package risk validates every order against the centralized rule set and
// tracks process-wide risk state: daily P&L, loss counters, open-position
// counts, and a bounded violation history.
//
// Validation runs every rule and collects all violations before returning;
// it never short-circuits. Enforcement is absolute: there is no shadow mode
// and no bypass knob. P&L mutations come from the fill path, not from the
// validator.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"

	"github.com/shopspring/decimal"
)

// ValidationResult is the outcome of validating one order.
type ValidationResult struct {
	Valid       bool             `json:"valid"`
	Violations  []core.Violation `json:"violations"`
	RiskMetrics map[string]float64 `json:"riskMetrics"`
}

// Manager owns RiskState. Only the risk/enqueue task calls ValidateOrder;
// the fill task posts realized P&L and position updates through the
// dedicated mutators.
type Manager struct {
	cfg     config.RiskConfig
	gateway core.IGateway
	logger  core.ILogger

	mu             sync.RWMutex
	dailyPnL       decimal.Decimal
	dailyLossCount int
	currentDay     time.Time
	openPositions  map[core.PositionKey]int64
	violations     []core.Violation

	now func() time.Time
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, gateway core.IGateway, logger core.ILogger) *Manager {
	m := &Manager{
		cfg:           cfg,
		gateway:       gateway,
		logger:        logger.WithField("component", "risk"),
		openPositions: make(map[core.PositionKey]int64),
		now:           time.Now,
	}
	m.currentDay = dayOf(m.now())
	return m
}

// ValidateOrder runs every rule and collects all violations.
func (m *Manager) ValidateOrder(ctx context.Context, order *core.Order) ValidationResult {
	// Balance comes over the wire; fetch it before the state lock so a slow
	// gateway never serializes validation or the fill-path mutators.
	balance := m.fetchBalance(ctx, order.AccountID)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked()
	m.pruneViolationsLocked()

	now := m.now()
	violations := m.sizeViolations(order, now)

	// Position cap applies to openers only
	openCount := len(m.openPositions)
	if order.Side == core.SideBuy && openCount >= m.cfg.MaxOpenPositions {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationMaxPositions,
			Severity: core.SeverityHigh,
			Message:  fmt.Sprintf("open positions %d at cap %d", openCount, m.cfg.MaxOpenPositions),
			Value:    float64(openCount),
			Limit:    float64(m.cfg.MaxOpenPositions),
			At:       now,
		})
	}

	// Daily gates are inclusive at the boundary
	dailyPnL, _ := m.dailyPnL.Float64()
	if m.cfg.MaxDailyLoss > 0 && dailyPnL <= -m.cfg.MaxDailyLoss {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationDailyLoss,
			Severity: core.SeverityCritical,
			Message:  fmt.Sprintf("daily P&L %.2f at or below loss limit -%.2f", dailyPnL, m.cfg.MaxDailyLoss),
			Value:    dailyPnL,
			Limit:    -m.cfg.MaxDailyLoss,
			At:       now,
		})
	}
	if m.cfg.MaxDailyProfit > 0 && dailyPnL >= m.cfg.MaxDailyProfit {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationDailyProfit,
			Severity: core.SeverityHigh,
			Message:  fmt.Sprintf("daily P&L %.2f at or above profit target %.2f", dailyPnL, m.cfg.MaxDailyProfit),
			Value:    dailyPnL,
			Limit:    m.cfg.MaxDailyProfit,
			At:       now,
		})
	}

	// Trading hours window
	if m.cfg.TradingHoursEnabled && !m.withinTradingHours(now) {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationOutsideHours,
			Severity: core.SeverityLow,
			Message: fmt.Sprintf("outside trading window %s-%s",
				m.cfg.TradingHoursStart, m.cfg.TradingHoursEnd),
			At: now,
		})
	}

	// Per-trade risk versus account balance
	if v := m.checkTradeRisk(order, balance, now); v != nil {
		violations = append(violations, *v)
	}

	if len(violations) > 0 {
		m.violations = append(m.violations, violations...)
	}

	balanceF, _ := balance.Float64()
	return ValidationResult{
		Valid:      len(violations) == 0,
		Violations: violations,
		RiskMetrics: map[string]float64{
			"dailyPnL":       dailyPnL,
			"dailyLossCount": float64(m.dailyLossCount),
			"openPositions":  float64(openCount),
			"accountBalance": balanceF,
		},
	}
}

// ValidateShape runs only the order-shape rules, skipping the account gates.
// Bracket children take this path: a daily gate tripping after the parent
// fill must never leave the position without its protective orders.
func (m *Manager) ValidateShape(order *core.Order) ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked()
	now := m.now()

	violations := m.sizeViolations(order, now)
	if len(violations) > 0 {
		m.violations = append(m.violations, violations...)
	}

	dailyPnL, _ := m.dailyPnL.Float64()
	return ValidationResult{
		Valid:      len(violations) == 0,
		Violations: violations,
		RiskMetrics: map[string]float64{
			"dailyPnL":       dailyPnL,
			"dailyLossCount": float64(m.dailyLossCount),
			"openPositions":  float64(len(m.openPositions)),
		},
	}
}

// sizeViolations checks the order size band. Caller holds m.mu.
func (m *Manager) sizeViolations(order *core.Order, now time.Time) []core.Violation {
	var violations []core.Violation
	if order.Quantity < m.cfg.MinOrderSize {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationMinOrderSize,
			Severity: core.SeverityMedium,
			Message:  fmt.Sprintf("quantity %d below minimum %d", order.Quantity, m.cfg.MinOrderSize),
			Value:    float64(order.Quantity),
			Limit:    float64(m.cfg.MinOrderSize),
			At:       now,
		})
	}
	if order.Quantity > m.cfg.MaxOrderSize {
		violations = append(violations, core.Violation{
			Kind:     core.ViolationMaxOrderSize,
			Severity: core.SeverityMedium,
			Message:  fmt.Sprintf("quantity %d above maximum %d", order.Quantity, m.cfg.MaxOrderSize),
			Value:    float64(order.Quantity),
			Limit:    float64(m.cfg.MaxOrderSize),
			At:       now,
		})
	}
	return violations
}

// checkTradeRisk computes |entry-stop|*qty as a percentage of balance.
func (m *Manager) checkTradeRisk(order *core.Order, balance decimal.Decimal, now time.Time) *core.Violation {
	if order.StopLoss == nil || m.cfg.MaxRiskPctPerTrade <= 0 || balance.IsZero() {
		return nil
	}

	var riskPoints decimal.Decimal
	switch order.StopLoss.Kind {
	case core.SpecPoints:
		riskPoints = order.StopLoss.Value.Abs()
	case core.SpecPrice:
		entry := order.LimitPrice
		if entry == nil {
			entry = order.StopPrice
		}
		if entry == nil {
			return nil // market entry, absolute stop: risk not computable pre-fill
		}
		riskPoints = entry.Sub(order.StopLoss.Value).Abs()
	default:
		return nil
	}

	riskAmount := riskPoints.Mul(decimal.NewFromInt(order.Quantity))
	riskPct := riskAmount.Div(balance).Mul(decimal.NewFromInt(100))
	limit := decimal.NewFromFloat(m.cfg.MaxRiskPctPerTrade)

	if riskPct.GreaterThan(limit) {
		pctF, _ := riskPct.Float64()
		return &core.Violation{
			Kind:     core.ViolationExcessiveRisk,
			Severity: core.SeverityHigh,
			Message:  fmt.Sprintf("trade risk %.2f%% exceeds %.2f%% of balance", pctF, m.cfg.MaxRiskPctPerTrade),
			Value:    pctF,
			Limit:    m.cfg.MaxRiskPctPerTrade,
			At:       now,
		}
	}
	return nil
}

func (m *Manager) fetchBalance(ctx context.Context, accountID string) decimal.Decimal {
	if m.gateway == nil {
		return decimal.Zero
	}
	balance, err := m.gateway.GetBalance(ctx, accountID)
	if err != nil {
		m.logger.Warn("balance unavailable for risk check", "account", accountID, "error", err)
		return decimal.Zero
	}
	return balance
}

func (m *Manager) withinTradingHours(now time.Time) bool {
	start, err1 := time.Parse("15:04", m.cfg.TradingHoursStart)
	end, err2 := time.Parse("15:04", m.cfg.TradingHoursEnd)
	if err1 != nil || err2 != nil {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Overnight window
	return minutes >= startMin || minutes < endMin
}

// ApplyRealizedPnL posts a realized P&L delta from the fill path.
func (m *Manager) ApplyRealizedPnL(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked()
	m.dailyPnL = m.dailyPnL.Add(delta)
	if delta.IsNegative() {
		m.dailyLossCount++
	}
}

// SetOpenPosition records the net quantity for a position key; zero removes it.
func (m *Manager) SetOpenPosition(key core.PositionKey, netQty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if netQty == 0 {
		delete(m.openPositions, key)
		return
	}
	m.openPositions[key] = netQty
}

// DailyPnL returns the current day's realized P&L.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// DailyLossCount returns the number of losing round trips today.
func (m *Manager) DailyLossCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyLossCount
}

// OpenPositionCount returns the number of tracked open positions.
func (m *Manager) OpenPositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openPositions)
}

// ViolationHistory returns a copy of the retained violations.
func (m *Manager) ViolationHistory() []core.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneViolationsLocked()
	out := make([]core.Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// rollDayLocked resets daily counters on a trading-day boundary.
func (m *Manager) rollDayLocked() {
	today := dayOf(m.now())
	if today.Equal(m.currentDay) {
		return
	}

	m.logger.Info("trading day rolled, resetting daily counters",
		"previous_pnl", m.dailyPnL.String(),
		"loss_count", m.dailyLossCount)
	m.currentDay = today
	m.dailyPnL = decimal.Zero
	m.dailyLossCount = 0
}

func (m *Manager) pruneViolationsLocked() {
	days := m.cfg.ViolationHistoryDays
	if days <= 0 {
		days = 7
	}
	cutoff := m.now().AddDate(0, 0, -days)

	kept := m.violations[:0]
	for _, v := range m.violations {
		if v.At.After(cutoff) {
			kept = append(kept, v)
		}
	}
	m.violations = kept
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
