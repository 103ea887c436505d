package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	sent chan AlertPayload
}

func newCaptureChannel() *captureChannel {
	return &captureChannel{sent: make(chan AlertPayload, 16)}
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, alert AlertPayload) error {
	c.sent <- alert
	return nil
}

func (c *captureChannel) next(t *testing.T) AlertPayload {
	t.Helper()
	select {
	case alert := <-c.sent:
		return alert
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert delivery")
		return AlertPayload{}
	}
}

func testManager(cfg config.AlertConfig) *AlertManager {
	return NewAlertManager(cfg, mock.NewLogger())
}

func TestAlertManager_FansOutToChannels(t *testing.T) {
	manager := testManager(config.AlertConfig{RecentAlertsCap: 10})
	capture := newCaptureChannel()
	manager.AddChannel(capture)

	manager.Alert(context.Background(), "Queue depth high", "depth 400", Warning,
		map[string]string{"depth": "400"})

	alert := capture.next(t)
	assert.Equal(t, Warning, alert.Level)
	assert.Equal(t, "Queue depth high", alert.Title)
	assert.Equal(t, "400", alert.Fields["depth"])
}

func TestAlertManager_RecentRingBounded(t *testing.T) {
	manager := testManager(config.AlertConfig{RecentAlertsCap: 3})

	for i := 0; i < 5; i++ {
		manager.Alert(context.Background(), "a", "m", Info, nil)
	}
	manager.Alert(context.Background(), "last", "m", Error, nil)

	recent := manager.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "last", recent[2].Title, "newest alert kept at the tail")
}

func watcherFixture(cfg config.AlertConfig) (*ThresholdWatcher, *captureChannel) {
	manager := testManager(cfg)
	capture := newCaptureChannel()
	manager.AddChannel(capture)
	return NewThresholdWatcher(cfg, manager), capture
}

func healthySnapshot() ConditionSnapshot {
	return ConditionSnapshot{BusConnected: true, GatewayHealthy: true}
}

func TestWatcher_AlertsOncePerBreach(t *testing.T) {
	cfg := config.AlertConfig{QueueDepthThreshold: 100, RecentAlertsCap: 10}
	watcher, capture := watcherFixture(cfg)
	ctx := context.Background()

	breached := healthySnapshot()
	breached.QueueDepth = 150

	watcher.Evaluate(ctx, breached)
	alert := capture.next(t)
	assert.Equal(t, Warning, alert.Level)
	assert.Equal(t, "Queue depth high", alert.Title)

	// Still breached on the next ticks: no re-alert.
	watcher.Evaluate(ctx, breached)
	watcher.Evaluate(ctx, breached)
	select {
	case extra := <-capture.sent:
		t.Fatalf("unexpected re-alert: %s", extra.Title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_RecoveryAlert(t *testing.T) {
	cfg := config.AlertConfig{QueueDepthThreshold: 100, RecentAlertsCap: 10}
	watcher, capture := watcherFixture(cfg)
	ctx := context.Background()

	breached := healthySnapshot()
	breached.QueueDepth = 150
	watcher.Evaluate(ctx, breached)
	capture.next(t)

	watcher.Evaluate(ctx, healthySnapshot())
	recovery := capture.next(t)
	assert.Equal(t, Info, recovery.Level)
	assert.Equal(t, "Queue depth high recovered", recovery.Title)
}

func TestWatcher_ConnectivityConditions(t *testing.T) {
	watcher, capture := watcherFixture(config.AlertConfig{RecentAlertsCap: 10})
	ctx := context.Background()

	snap := healthySnapshot()
	snap.BusConnected = false
	snap.GatewayHealthy = false
	watcher.Evaluate(ctx, snap)

	titles := map[string]AlertLevel{
		capture.next(t).Title: Critical,
		capture.next(t).Title: Critical,
	}
	assert.Contains(t, titles, "Message bus disconnected")
	assert.Contains(t, titles, "Broker gateway unreachable")
}

func TestWatcher_ZeroThresholdDisablesCondition(t *testing.T) {
	watcher, capture := watcherFixture(config.AlertConfig{RecentAlertsCap: 10})
	ctx := context.Background()

	snap := healthySnapshot()
	snap.QueueDepth = 1_000_000
	snap.ProcessingP95Millis = 1e9
	watcher.Evaluate(ctx, snap)

	select {
	case alert := <-capture.sent:
		t.Fatalf("disabled threshold must not alert: %s", alert.Title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusChannel_PublishesPayload(t *testing.T) {
	bus := mock.NewBus()
	ch := NewBusChannel(bus, "bot-alerts")

	err := ch.Send(context.Background(), AlertPayload{
		Level: Error, Title: "Risk violation rate high", Timestamp: time.Now(),
	})
	require.NoError(t, err)

	published := bus.PublishedOn("bot-alerts")
	require.Len(t, published, 1)

	var decoded AlertPayload
	require.NoError(t, json.Unmarshal(published[0], &decoded))
	assert.Equal(t, Error, decoded.Level)
	assert.Equal(t, "Risk violation rate high", decoded.Title)
}
