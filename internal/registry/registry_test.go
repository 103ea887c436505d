package registry

import (
	"testing"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/mock"
	apperrors "orderfabric/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(autoRegister bool) *Registry {
	return New(config.SourceConfig{AutoRegisterUnknown: autoRegister}, mock.NewLogger())
}

func TestRegister_BotRequiresIdentity(t *testing.T) {
	r := testRegistry(false)

	_, err := r.Register(Registration{ID: "bot-1", Kind: core.SourceBot})
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)

	source, err := r.Register(Registration{
		ID: "bot-1", Kind: core.SourceBot,
		Name: "scalper", Version: "1.2.0", Strategy: "mean-reversion",
	})
	require.NoError(t, err)
	assert.Equal(t, core.SourceActive, source.Status)
	assert.Equal(t, "scalper", source.Name)
}

func TestRegister_NonBotNeedsOnlyID(t *testing.T) {
	r := testRegistry(false)

	_, err := r.Register(Registration{ID: "api-1", Kind: core.SourceAPI})
	assert.NoError(t, err)

	_, err = r.Register(Registration{})
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)
}

func TestRegister_ReRegisterReactivates(t *testing.T) {
	r := testRegistry(false)

	_, err := r.Register(Registration{ID: "api-1", Kind: core.SourceAPI})
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("api-1", core.SourceDisabled))

	source, err := r.Register(Registration{ID: "api-1", Kind: core.SourceAPI})
	require.NoError(t, err)
	assert.Equal(t, core.SourceActive, source.Status)
}

func TestAdmit_UnknownSource(t *testing.T) {
	strict := testRegistry(false)
	_, err := strict.Admit("ghost")
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)

	lenient := testRegistry(true)
	source, err := lenient.Admit("ghost")
	require.NoError(t, err)
	assert.Equal(t, core.SourceExternal, source.Kind)
	assert.Equal(t, core.SourceActive, source.Status)
}

func TestAdmit_StatusGating(t *testing.T) {
	r := testRegistry(false)
	_, err := r.Register(Registration{ID: "api-1", Kind: core.SourceAPI})
	require.NoError(t, err)

	for _, status := range []core.SourceStatus{
		core.SourcePaused, core.SourceDisabled, core.SourceMaintenance,
	} {
		require.NoError(t, r.UpdateStatus("api-1", status))
		_, err := r.Admit("api-1")
		assert.ErrorIs(t, err, apperrors.ErrSourceDisabled, "status %s must block", status)
	}

	require.NoError(t, r.UpdateStatus("api-1", core.SourceActive))
	_, err = r.Admit("api-1")
	assert.NoError(t, err)
}

func TestUpdateStatus_Validation(t *testing.T) {
	r := testRegistry(false)
	_, _ = r.Register(Registration{ID: "api-1", Kind: core.SourceAPI})

	assert.Error(t, r.UpdateStatus("api-1", core.SourceStatus("BOGUS")))
	assert.ErrorIs(t, r.UpdateStatus("ghost", core.SourceActive), apperrors.ErrUnknownSource)
}

func TestCounters_AndStatistics(t *testing.T) {
	r := testRegistry(true)
	_, _ = r.Register(Registration{
		ID: "bot-1", Kind: core.SourceBot,
		Name: "b", Version: "1", Strategy: "s",
	})

	r.RecordOrder("bot-1")
	r.RecordOrder("bot-1")
	r.RecordOutcome("bot-1", core.StatusFilled)
	r.RecordOutcome("bot-1", core.StatusRejected)

	source, ok := r.Get("bot-1")
	require.True(t, ok)
	assert.EqualValues(t, 2, source.OrdersTotal)
	assert.EqualValues(t, 1, source.OrdersSucceeded)
	assert.EqualValues(t, 1, source.OrdersRejected)
	assert.InDelta(t, 0.5, source.SuccessRate(), 1e-9)

	stats := r.GetStatistics()
	assert.Equal(t, 1, stats.TotalSources)
	assert.Equal(t, 1, stats.ByKind[core.SourceBot])
	assert.EqualValues(t, 2, stats.OrdersTotal)
}

func TestDayRoll_ResetsOrdersToday(t *testing.T) {
	r := testRegistry(true)
	_, _ = r.Admit("api-1")
	r.RecordOrder("api-1")

	source, _ := r.Get("api-1")
	require.EqualValues(t, 1, source.OrdersToday)

	r.day = r.day.AddDate(0, 0, -1) // force a boundary on the next touch
	_, _ = r.Admit("api-1")

	source, _ = r.Get("api-1")
	assert.Zero(t, source.OrdersToday)
	assert.EqualValues(t, 1, source.OrdersTotal, "lifetime counter survives the roll")
}
