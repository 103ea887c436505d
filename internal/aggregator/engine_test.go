package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderfabric/internal/bus"
	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 5 * time.Second

type engineFixture struct {
	engine  *Engine
	bus     *mock.Bus
	gateway *mock.Gateway
	cfg     *config.Config
}

func newEngineFixture(t *testing.T, mutate func(*config.Config)) *engineFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Queue.ProcessingTickMillis = 10
	cfg.Queue.MaxOrdersPerSecond = 1000
	cfg.Queue.BurstLimit = 1000
	cfg.System.ShutdownDrainSeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	f := &engineFixture{
		bus:     mock.NewBus(),
		gateway: mock.NewGateway(),
		cfg:     cfg,
	}
	f.engine = New(cfg, f.bus, f.gateway, mock.NewLogger())
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *engineFixture) injectOrder(t *testing.T, payload string) {
	t.Helper()
	f.bus.Inject(f.cfg.Channel(bus.ChannelOrders), []byte(payload))
}

func (f *engineFixture) injectFill(orderID, brokerID, price string, qty int64) {
	fill := core.Fill{
		OrderID:    orderID,
		Instrument: "MES",
		Side:       core.SideBuy,
		Quantity:   qty,
		AccountID:  "SIM-001",
		BrokerID:   brokerID,
		Timestamp:  time.Now(),
	}
	data, _ := json.Marshal(fill)
	// fillPrice is a decimal on the wire
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	m["fillPrice"] = price
	data, _ = json.Marshal(m)
	f.bus.Inject(bus.FillsChannel("SIM-001"), data)
}

// responseOfType scans a response channel for a payload with the given type.
func (f *engineFixture) responseOfType(channel, wantType string) map[string]interface{} {
	for _, raw := range f.bus.PublishedOn(channel) {
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) != nil {
			continue
		}
		if decoded["type"] == wantType {
			return decoded
		}
	}
	return nil
}

func (f *engineFixture) waitForResponse(t *testing.T, channel, wantType string) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	require.Eventually(t, func() bool {
		got = f.responseOfType(channel, wantType)
		return got != nil
	}, eventually, 10*time.Millisecond, "no %s response on %s", wantType, channel)
	return got
}

func (f *engineFixture) waitForPlaced(t *testing.T, orderID string) *core.Order {
	t.Helper()
	var placed core.Order
	require.Eventually(t, func() bool {
		for _, o := range f.gateway.PlacedOrders() {
			if o.ID == orderID {
				placed = o
				return true
			}
		}
		return false
	}, eventually, 10*time.Millisecond, "order %s never reached the gateway", orderID)
	return &placed
}

func orderPayload(id string, qty int64, extra string) string {
	base := fmt.Sprintf(`"id":%q,"source":"bot-1","instrument":"MES","side":"BUY","type":"MARKET","quantity":%d,"accountId":"SIM-001"`, id, qty)
	if extra != "" {
		base += "," + extra
	}
	return "{" + base + "}"
}

func TestEngine_OrderFlowsToGateway(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 2, ""))
	f.waitForPlaced(t, "ord-1")

	queued := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_QUEUED")
	assert.Equal(t, "ord-1", queued["orderId"])
	f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_SUBMITTED")
}

func TestEngine_FillOpensPositionAndPublishes(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 2, ""))
	f.waitForPlaced(t, "ord-1")
	f.injectFill("ord-1", "f1", "5000", 2)

	require.Eventually(t, func() bool {
		return len(f.bus.PublishedOn(f.cfg.Channel(bus.ChannelFillEnhanced))) > 0
	}, eventually, 10*time.Millisecond, "no enhanced fill published")

	var enhanced map[string]interface{}
	require.NoError(t, json.Unmarshal(
		f.bus.PublishedOn(f.cfg.Channel(bus.ChannelFillEnhanced))[0], &enhanced))
	assert.Equal(t, "bot-1", enhanced["source"])
	assert.EqualValues(t, 2, enhanced["positionNet"])

	// Position updates land on both the per-account and the aggregate stream.
	assert.NotEmpty(t, f.bus.PublishedOn(bus.PositionsChannel("SIM-001")))
	assert.NotEmpty(t, f.bus.PublishedOn(f.cfg.Channel(bus.ChannelPositionUpdates)))
}

func TestEngine_BracketChildrenDispatched(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 1,
		`"stopLossSpec":{"kind":"points","value":"10"},"takeProfitSpec":{"kind":"points","value":"20"}`))
	f.waitForPlaced(t, "ord-1")
	f.injectFill("ord-1", "f1", "5000", 1)

	stop := f.waitForPlaced(t, "ord-1_SL")
	assert.Equal(t, core.TypeStop, stop.Type)
	assert.Equal(t, core.SideSell, stop.Side)
	assert.Equal(t, "4990", stop.StopPrice.String())

	target := f.waitForPlaced(t, "ord-1_TP")
	assert.Equal(t, core.TypeLimit, target.Type)
	assert.Equal(t, "5020", target.LimitPrice.String())
}

func TestEngine_RiskRejection(t *testing.T) {
	f := newEngineFixture(t, nil)

	// MaxOrderSize is 10 in the default config.
	f.injectOrder(t, orderPayload("big-1", 50, ""))

	rejected := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_REJECTED")
	assert.Equal(t, "RISK_REJECTED", rejected["reason"])
	assert.NotEmpty(t, rejected["violations"])
	assert.Empty(t, f.gateway.PlacedOrders(), "rejected order must not reach the gateway")
}

func TestEngine_StrictSourceAdmission(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.Sources.AutoRegisterUnknown = false
	})

	f.injectOrder(t, orderPayload("ord-1", 1, ""))

	rejected := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_REJECTED")
	assert.Equal(t, "SOURCE_REJECTED", rejected["reason"])
	assert.Empty(t, f.gateway.PlacedOrders())
}

func TestEngine_ControlPauseResume(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.bus.Inject(f.cfg.Channel(bus.ChannelControl), []byte(`{"command":"PAUSE_PROCESSING"}`))
	require.Eventually(t, func() bool {
		return f.engine.dispatcher.Paused()
	}, eventually, 10*time.Millisecond)

	f.injectOrder(t, orderPayload("ord-1", 1, ""))
	f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_QUEUED")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.gateway.PlacedOrders(), "paused engine must hold the queue")

	f.bus.Inject(f.cfg.Channel(bus.ChannelControl), []byte(`{"command":"RESUME_PROCESSING"}`))
	f.waitForPlaced(t, "ord-1")
}

func TestEngine_HeartbeatPublishesHealth(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.bus.Inject(f.cfg.Channel(bus.ChannelControl), []byte(`{"command":"HEARTBEAT"}`))

	require.Eventually(t, func() bool {
		return len(f.bus.PublishedOn(f.cfg.Channel(bus.ChannelHealth))) > 0
	}, eventually, 10*time.Millisecond)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(
		f.bus.PublishedOn(f.cfg.Channel(bus.ChannelHealth))[0], &report))
	assert.Contains(t, report, "components")
}

func TestEngine_ClosePositionRequest(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 2, ""))
	f.waitForPlaced(t, "ord-1")
	f.injectFill("ord-1", "f1", "5000", 2)

	require.Eventually(t, func() bool {
		return f.engine.book.Len() == 1
	}, eventually, 10*time.Millisecond, "position never opened")

	req := `{"type":"CLOSE_POSITION","requestId":"req-1","botId":"ops",
		"payload":{"instrument":"MES","source":"bot-1"}}`
	f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))

	reply := f.waitForResponse(t, bus.CloseResponseChannel("req-1"), "CLOSE_POSITION")
	require.Equal(t, true, reply["success"])

	data := reply["data"].(map[string]interface{})
	closeID := data["orderId"].(string)
	flatten := f.waitForPlaced(t, closeID)
	assert.Equal(t, core.SideSell, flatten.Side)
	assert.EqualValues(t, 2, flatten.Quantity)
}

func TestEngine_ConcurrentCloseEmitsOneFlatten(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 2, ""))
	f.waitForPlaced(t, "ord-1")
	f.injectFill("ord-1", "f1", "5000", 2)

	require.Eventually(t, func() bool {
		return f.engine.book.Len() == 1
	}, eventually, 10*time.Millisecond, "position never opened")

	// Hold the queue so the first flatten order stays in flight while the
	// second request races it.
	f.engine.dispatcher.Pause()

	var wg sync.WaitGroup
	for _, reqID := range []string{"close-a", "close-b"} {
		wg.Add(1)
		go func(reqID string) {
			defer wg.Done()
			req := fmt.Sprintf(`{"type":"CLOSE_POSITION","requestId":%q,"botId":"ops",
				"payload":{"instrument":"MES","source":"bot-1"}}`, reqID)
			f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))
		}(reqID)
	}
	wg.Wait()

	replyA := f.waitForResponse(t, bus.CloseResponseChannel("close-a"), "CLOSE_POSITION")
	replyB := f.waitForResponse(t, bus.CloseResponseChannel("close-b"), "CLOSE_POSITION")

	successes := 0
	var winner map[string]interface{}
	for _, reply := range []map[string]interface{}{replyA, replyB} {
		if reply["success"] == true {
			successes++
			winner = reply
		}
	}
	require.Equal(t, 1, successes, "exactly one request may flatten the position")
	require.NotNil(t, winner)

	f.engine.dispatcher.Resume()
	closeID := winner["data"].(map[string]interface{})["orderId"].(string)
	flatten := f.waitForPlaced(t, closeID)
	assert.Equal(t, core.SideSell, flatten.Side)
	assert.EqualValues(t, 2, flatten.Quantity)

	time.Sleep(100 * time.Millisecond)
	sells := 0
	for _, o := range f.gateway.PlacedOrders() {
		if o.Side == core.SideSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells, "the losing request must not emit a second flatten order")
}

func TestEngine_BracketChildrenBypassDailyGate(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.Risk.MaxDailyLoss = 100
	})

	f.injectOrder(t, orderPayload("ord-1", 1,
		`"stopLossSpec":{"kind":"points","value":"10"}`))
	f.waitForPlaced(t, "ord-1")

	// The gate trips before the fill report lands; the protective child must
	// still go out.
	f.engine.riskMgr.ApplyRealizedPnL(decimal.NewFromInt(-500))
	f.injectFill("ord-1", "f1", "5000", 1)

	stop := f.waitForPlaced(t, "ord-1_SL")
	assert.Equal(t, core.TypeStop, stop.Type)

	// Fresh orders stay blocked by the same gate.
	f.injectOrder(t, orderPayload("ord-2", 1, ""))
	rejected := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_REJECTED")
	assert.Equal(t, "RISK_REJECTED", rejected["reason"])
}

func TestEngine_PartialFillsEachProtected(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 2,
		`"stopLossSpec":{"kind":"points","value":"10"},"takeProfitSpec":{"kind":"points","value":"20"}`))
	f.waitForPlaced(t, "ord-1")

	f.injectFill("ord-1", "f1", "5000", 1)
	first := f.waitForPlaced(t, "ord-1_SL")
	assert.EqualValues(t, 1, first.Quantity)
	assert.Equal(t, "4990", first.StopPrice.String())

	f.injectFill("ord-1", "f2", "5001", 1)
	second := f.waitForPlaced(t, "ord-1_SL2")
	assert.EqualValues(t, 1, second.Quantity)
	assert.Equal(t, "4991", second.StopPrice.String())
	f.waitForPlaced(t, "ord-1_TP2")
}

func TestEngine_ClosePositionWithoutPosition(t *testing.T) {
	f := newEngineFixture(t, nil)

	req := `{"type":"CLOSE_POSITION","requestId":"req-2","botId":"ops",
		"payload":{"instrument":"MES","source":"ghost"}}`
	f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))

	reply := f.waitForResponse(t, bus.CloseResponseChannel("req-2"), "CLOSE_POSITION")
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "no open position", reply["error"])
}

func TestEngine_GetStatisticsRequest(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.injectOrder(t, orderPayload("ord-1", 1, ""))
	f.waitForPlaced(t, "ord-1")

	req := `{"type":"GET_STATISTICS","requestId":"req-3","botId":"ops"}`
	f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))

	reply := f.waitForResponse(t, bus.BotResponseChannel("ops"), "GET_STATISTICS")
	require.Equal(t, true, reply["success"])
	data := reply["data"].(map[string]interface{})
	assert.Contains(t, data, "queue")
	assert.Contains(t, data, "sources")
}

func TestEngine_RegisterSourceRequest(t *testing.T) {
	f := newEngineFixture(t, nil)

	req := `{"type":"REGISTER_SOURCE","requestId":"req-4","botId":"bot-9",
		"payload":{"id":"bot-9","kind":"BOT","name":"scalper","version":"2.0","strategy":"momentum"}}`
	f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))

	reply := f.waitForResponse(t, bus.BotResponseChannel("bot-9"), "REGISTER_SOURCE")
	require.Equal(t, true, reply["success"])

	source, ok := f.engine.sources.Get("bot-9")
	require.True(t, ok)
	assert.Equal(t, core.SourceActive, source.Status)
}

func TestEngine_MalformedOrderRepliesWhenSourceKnown(t *testing.T) {
	f := newEngineFixture(t, nil)

	// Quantity 0 fails normalization but the payload still names its source.
	f.injectOrder(t, `{"source":"bot-1","instrument":"MES","side":"BUY","quantity":0}`)

	rejected := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "ORDER_REJECTED")
	assert.Equal(t, "MALFORMED", rejected["reason"])
	assert.Empty(t, f.gateway.PlacedOrders())
}

func TestEngine_RetrieveBarsRequest(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.gateway.Bars = []core.Bar{{Timestamp: 1700000000, Volume: 42}}

	req := `{"type":"RETRIEVE_BARS","requestId":"req-5","botId":"bot-1",
		"payload":{"instrument":"MES","unit":"minute","unitNumber":1,"barCount":100}}`
	f.bus.Inject(f.cfg.Channel(bus.ChannelRequests), []byte(req))

	reply := f.waitForResponse(t, bus.BotResponseChannel("bot-1"), "RETRIEVE_BARS")
	require.Equal(t, true, reply["success"])
	assert.Len(t, reply["data"], 1)
}

func TestEngine_LegacyDispatchOnReject(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.System.LegacyDispatchOnReject = true
	})

	// Violates MaxOrderSize but legacy mode routes it anyway.
	f.injectOrder(t, orderPayload("big-1", 50, ""))
	f.waitForPlaced(t, "big-1")
}

func TestEngine_MarketDataRepublished(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.bus.Inject(f.cfg.Channel(bus.ChannelMarketData),
		[]byte(`{"instrument":"MES","price":"5001.25"}`))

	require.Eventually(t, func() bool {
		return len(f.bus.PublishedOn(f.cfg.Channel(bus.ChannelMarketDataOut))) > 0
	}, eventually, 10*time.Millisecond)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Stop()
	f.engine.Stop()
}
