package bracket

import (
	"testing"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalculator(t *testing.T) *Calculator {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewCalculator(cfg.Brackets, cfg.Instruments, mock.NewLogger())
}

func spec(kind core.SpecKind, value string) *core.BracketSpec {
	return &core.BracketSpec{Kind: kind, Value: decimal.RequireFromString(value)}
}

func TestLevels_PointsBuy(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPoints, "10"), spec(core.SpecPoints, "20"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, "4990", levels.StopLossPrice.String())
	assert.Equal(t, "5020", levels.TakeProfitPrice.String())
	assert.Equal(t, "50", levels.StopLossDollars.String())
	assert.Equal(t, "100", levels.TakeProfitDollars.String())
	assert.Equal(t, "2", levels.RiskReward.String())
}

func TestLevels_PointsSellMirrored(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	levels, err := calc.Levels("MES", core.SideSell, fill, 1,
		spec(core.SpecPoints, "10"), spec(core.SpecPoints, "20"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, "5010", levels.StopLossPrice.String())
	assert.Equal(t, "4980", levels.TakeProfitPrice.String())
}

func TestLevels_DollarsSpreadOverQuantity(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	// $50 on one MES contract at $5/point is 10 points.
	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecDollars, "50"), nil, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "4990", levels.StopLossPrice.String())
	assert.Equal(t, "50", levels.StopLossDollars.String())

	// The same $50 over two contracts halves the distance: 5 points.
	levels, err = calc.Levels("MES", core.SideBuy, fill, 2,
		spec(core.SpecDollars, "50"), nil, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "4995", levels.StopLossPrice.String())
	assert.Equal(t, "50", levels.StopLossDollars.String(), "total risk stays at the spec amount")
}

func TestLevels_AbsolutePrice(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPrice, "4985.50"), spec(core.SpecPrice, "5030.25"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "4985.5", levels.StopLossPrice.String())
	assert.Equal(t, "5030.25", levels.TakeProfitPrice.String())
}

func TestLevels_TickRounding(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	// 3.33 points lands off-grid; MES ticks in 0.25.
	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPoints, "3.33"), nil, decimal.Zero)
	require.NoError(t, err)

	remainder := levels.StopLossPrice.Mod(decimal.RequireFromString("0.25"))
	assert.True(t, remainder.IsZero(), "stop %s not on tick grid", levels.StopLossPrice)
}

func TestLevels_MinRiskRewardExtendsTarget(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	// Risk 10 points, reward 4 points: target must widen to >= 10, the stop
	// stays where it was.
	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPoints, "10"), spec(core.SpecPoints, "4"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, "4990", levels.StopLossPrice.String())
	assert.True(t, levels.TakeProfitPrice.GreaterThanOrEqual(decimal.RequireFromString("5010")),
		"target %s not extended", levels.TakeProfitPrice)
}

func TestLevels_PercentOfFill(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	levels, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPercent, "1"), nil, decimal.Zero)
	require.NoError(t, err)
	// 1% of 5000 is 50 points.
	assert.Equal(t, "4950", levels.StopLossPrice.String())
}

func TestLevels_ATRWithAndWithoutValue(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	withATR, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecATR, "2"), nil, decimal.RequireFromString("8"))
	require.NoError(t, err)
	assert.Equal(t, "4984", withATR.StopLossPrice.String())

	withoutATR, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecATR, "2"), nil, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, withoutATR.StopLossPrice.LessThan(fill))
}

func TestLevels_WrongSideRejected(t *testing.T) {
	calc := testCalculator(t)
	fill := decimal.RequireFromString("5000.00")

	// Absolute stop above the fill on a BUY is invalid.
	_, err := calc.Levels("MES", core.SideBuy, fill, 1,
		spec(core.SpecPrice, "5010"), nil, decimal.Zero)
	assert.Error(t, err)

	// Mirrored for SELL.
	_, err = calc.Levels("MES", core.SideSell, fill, 1,
		spec(core.SpecPrice, "4990"), nil, decimal.Zero)
	assert.Error(t, err)
}

func TestLevels_UnknownInstrument(t *testing.T) {
	calc := testCalculator(t)
	_, err := calc.Levels("XYZ", core.SideBuy, decimal.NewFromInt(100), 1,
		spec(core.SpecPoints, "1"), nil, decimal.Zero)
	assert.Error(t, err)
}

func TestValidateLevels_CollectsAllErrors(t *testing.T) {
	fill := decimal.RequireFromString("5000")
	badStop := decimal.RequireFromString("5010")
	badTarget := decimal.RequireFromString("4990")

	result := ValidateLevels(core.SideBuy, fill, &core.BracketLevels{
		StopLossPrice:   &badStop,
		TakeProfitPrice: &badTarget,
	})
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2, "both sides reported, no short-circuit")
}

func TestValidateLevels_CarriesRiskReward(t *testing.T) {
	fill := decimal.RequireFromString("5000")
	stop := decimal.RequireFromString("4990")
	target := decimal.RequireFromString("5020")

	result := ValidateLevels(core.SideBuy, fill, &core.BracketLevels{
		StopLossPrice:   &stop,
		TakeProfitPrice: &target,
		RiskReward:      decimal.NewFromInt(2),
	})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "2", result.RiskReward.String())
}

func TestRoundToTick(t *testing.T) {
	tick := decimal.RequireFromString("0.25")

	cases := map[string]string{
		"5000.10": "5000",
		"5000.13": "5000.25",
		"5000.37": "5000.25",
		"5000.38": "5000.5",
	}
	for in, want := range cases {
		got := RoundToTick(decimal.RequireFromString(in), tick)
		assert.Equal(t, want, got.String(), "rounding %s", in)
	}
}

func TestTrailingTracker_ArmsAndRatchets(t *testing.T) {
	cfg := config.DefaultConfig().Brackets
	cfg.TrailingEnabled = true
	cfg.TrailingTriggerPct = 0.1 // 5 points on 5000
	cfg.TrailingDistPct = 0.1

	tracker := NewTrailingTracker(cfg, mock.NewLogger())
	entry := decimal.RequireFromString("5000")
	tracker.Track("pos1", "MES", core.SideBuy, entry)

	// Below trigger: nothing.
	assert.Nil(t, tracker.Observe("pos1", decimal.RequireFromString("5002")))

	// Past trigger: armed, stop trails.
	stop := tracker.Observe("pos1", decimal.RequireFromString("5010"))
	require.NotNil(t, stop)
	assert.True(t, stop.LessThan(decimal.RequireFromString("5010")))

	// Adverse move never loosens the stop.
	assert.Nil(t, tracker.Observe("pos1", decimal.RequireFromString("5005")))

	// Further favorable move ratchets it up.
	higher := tracker.Observe("pos1", decimal.RequireFromString("5020"))
	require.NotNil(t, higher)
	assert.True(t, higher.GreaterThan(*stop))

	tracker.Drop("pos1")
	assert.Zero(t, tracker.Active())
}
