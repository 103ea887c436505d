package risk

import (
	"context"
	"testing"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(mutate func(*config.RiskConfig)) (*Manager, *mock.Gateway) {
	cfg := config.DefaultConfig().Risk
	if mutate != nil {
		mutate(&cfg)
	}
	gw := mock.NewGateway()
	return NewManager(cfg, gw, mock.NewLogger()), gw
}

func validOrder() *core.Order {
	return &core.Order{
		ID:         "ord-1",
		Source:     "bot-1",
		Instrument: "MES",
		Side:       core.SideBuy,
		Type:       core.TypeMarket,
		Quantity:   2,
		AccountID:  "SIM-001",
	}
}

func violationKinds(violations []core.Violation) []core.ViolationKind {
	kinds := make([]core.ViolationKind, len(violations))
	for i, v := range violations {
		kinds[i] = v.Kind
	}
	return kinds
}

func TestValidateOrder_CleanOrderPasses(t *testing.T) {
	m, _ := testManager(nil)

	result := m.ValidateOrder(context.Background(), validOrder())
	assert.True(t, result.Valid)
	assert.Empty(t, result.Violations)
	assert.Equal(t, float64(0), result.RiskMetrics["dailyPnL"])
}

func TestValidateOrder_CollectsAllViolations(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) {
		cfg.MaxOrderSize = 5
		cfg.MaxDailyLoss = 100
	})
	m.ApplyRealizedPnL(decimal.NewFromInt(-150))

	ord := validOrder()
	ord.Quantity = 20 // over max size

	result := m.ValidateOrder(context.Background(), ord)
	assert.False(t, result.Valid)

	kinds := violationKinds(result.Violations)
	assert.Contains(t, kinds, core.ViolationMaxOrderSize)
	assert.Contains(t, kinds, core.ViolationDailyLoss)
	assert.Len(t, result.Violations, 2, "validation must not short-circuit")
}

func TestValidateOrder_SizeBand(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) {
		cfg.MinOrderSize = 2
		cfg.MaxOrderSize = 4
	})

	small := validOrder()
	small.Quantity = 1
	assert.Contains(t, violationKinds(m.ValidateOrder(context.Background(), small).Violations),
		core.ViolationMinOrderSize)

	big := validOrder()
	big.Quantity = 5
	assert.Contains(t, violationKinds(m.ValidateOrder(context.Background(), big).Violations),
		core.ViolationMaxOrderSize)

	edge := validOrder()
	edge.Quantity = 4 // inclusive bound
	assert.True(t, m.ValidateOrder(context.Background(), edge).Valid)
}

func TestValidateOrder_DailyLossBoundaryInclusive(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) { cfg.MaxDailyLoss = 800 })
	m.ApplyRealizedPnL(decimal.NewFromInt(-800))

	result := m.ValidateOrder(context.Background(), validOrder())
	assert.Contains(t, violationKinds(result.Violations), core.ViolationDailyLoss)

	for _, v := range result.Violations {
		if v.Kind == core.ViolationDailyLoss {
			assert.Equal(t, core.SeverityCritical, v.Severity)
		}
	}
}

func TestValidateOrder_DailyProfitGate(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) { cfg.MaxDailyProfit = 1600 })
	m.ApplyRealizedPnL(decimal.NewFromInt(1600))

	result := m.ValidateOrder(context.Background(), validOrder())
	assert.Contains(t, violationKinds(result.Violations), core.ViolationDailyProfit)
}

func TestValidateOrder_PositionCapBuyOnly(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) { cfg.MaxOpenPositions = 1 })
	m.SetOpenPosition(core.PositionKey{Instrument: "MES", Source: "bot-1"}, 2)

	buy := validOrder()
	assert.Contains(t, violationKinds(m.ValidateOrder(context.Background(), buy).Violations),
		core.ViolationMaxPositions)

	// A SELL reduces exposure and must pass the cap.
	sell := validOrder()
	sell.Side = core.SideSell
	assert.NotContains(t, violationKinds(m.ValidateOrder(context.Background(), sell).Violations),
		core.ViolationMaxPositions)
}

func TestValidateOrder_TradingHours(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) {
		cfg.TradingHoursEnabled = true
		cfg.TradingHoursStart = "09:30"
		cfg.TradingHoursEnd = "16:00"
	})
	m.now = func() time.Time {
		return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	}

	result := m.ValidateOrder(context.Background(), validOrder())
	assert.Contains(t, violationKinds(result.Violations), core.ViolationOutsideHours)

	m.now = func() time.Time {
		return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	}
	assert.True(t, m.ValidateOrder(context.Background(), validOrder()).Valid)
}

func TestValidateOrder_ExcessiveRisk(t *testing.T) {
	m, gw := testManager(func(cfg *config.RiskConfig) { cfg.MaxRiskPctPerTrade = 2 })
	gw.Balance = decimal.NewFromInt(1000)

	// 50 points * 2 contracts = 100 risk units, 10% of a 1000 balance.
	ord := validOrder()
	stop := decimal.NewFromInt(50)
	ord.StopLoss = &core.BracketSpec{Kind: core.SpecPoints, Value: stop}

	result := m.ValidateOrder(context.Background(), ord)
	assert.Contains(t, violationKinds(result.Violations), core.ViolationExcessiveRisk)
}

func TestValidateOrder_RiskSkippedWithoutStop(t *testing.T) {
	m, gw := testManager(func(cfg *config.RiskConfig) { cfg.MaxRiskPctPerTrade = 0.0001 })
	gw.Balance = decimal.NewFromInt(1000)

	assert.True(t, m.ValidateOrder(context.Background(), validOrder()).Valid)
}

func TestValidateShape_IgnoresAccountGates(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLoss = 100
		cfg.MaxOpenPositions = 1
	})
	m.ApplyRealizedPnL(decimal.NewFromInt(-500))
	m.SetOpenPosition(core.PositionKey{Instrument: "MES", Source: "bot-1"}, 2)

	assert.True(t, m.ValidateShape(validOrder()).Valid,
		"shape check passes while the daily gates are breached")

	bad := validOrder()
	bad.Quantity = 0
	result := m.ValidateShape(bad)
	assert.False(t, result.Valid)
	assert.Contains(t, violationKinds(result.Violations), core.ViolationMinOrderSize)
}

// stateReadingGateway reads risk state back while serving the balance call,
// the way a metrics scrape or a second validation might.
type stateReadingGateway struct {
	*mock.Gateway
	m *Manager
}

func (g *stateReadingGateway) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	g.m.DailyPnL()
	return decimal.NewFromInt(50000), nil
}

func TestValidateOrder_BalanceFetchOutsideStateLock(t *testing.T) {
	gw := &stateReadingGateway{Gateway: mock.NewGateway()}
	m := NewManager(config.DefaultConfig().Risk, gw, mock.NewLogger())
	gw.m = m

	done := make(chan struct{})
	go func() {
		m.ValidateOrder(context.Background(), validOrder())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("validation deadlocked on the balance fetch")
	}
}

func TestApplyRealizedPnL_LossCounter(t *testing.T) {
	m, _ := testManager(nil)

	m.ApplyRealizedPnL(decimal.NewFromInt(-50))
	m.ApplyRealizedPnL(decimal.NewFromInt(120))
	m.ApplyRealizedPnL(decimal.NewFromInt(-30))

	assert.Equal(t, "40", m.DailyPnL().String())
	assert.Equal(t, 2, m.DailyLossCount())
}

func TestDayRollover_ResetsCounters(t *testing.T) {
	m, _ := testManager(nil)

	day1 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day1 }
	m.ApplyRealizedPnL(decimal.NewFromInt(-500))
	require.Equal(t, "-500", m.DailyPnL().String())

	m.now = func() time.Time { return day1.AddDate(0, 0, 1) }
	m.ApplyRealizedPnL(decimal.NewFromInt(10))

	assert.Equal(t, "10", m.DailyPnL().String())
	assert.Equal(t, 0, m.DailyLossCount())
}

func TestViolationHistory_Pruned(t *testing.T) {
	m, _ := testManager(func(cfg *config.RiskConfig) {
		cfg.ViolationHistoryDays = 7
		cfg.MinOrderSize = 5
	})

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.currentDay = base

	small := validOrder()
	small.Quantity = 1
	m.ValidateOrder(context.Background(), small)
	require.Len(t, m.ViolationHistory(), 1)

	m.now = func() time.Time { return base.AddDate(0, 0, 8) }
	assert.Empty(t, m.ViolationHistory())
}
