package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	"orderfabric/internal/mock"
	"orderfabric/internal/queue"
	"orderfabric/internal/registry"
	apperrors "orderfabric/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	gateway    *mock.Gateway
	store      *TrackedStore
	brackets   *PendingBrackets
	events     chan Event
}

func newDispatchFixture(t *testing.T, mutate func(*config.QueueConfig)) *dispatchFixture {
	t.Helper()
	cfg := config.DefaultConfig().Queue
	cfg.MaxOrdersPerSecond = 1000
	cfg.BurstLimit = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	logger := mock.NewLogger()

	f := &dispatchFixture{
		queue:    queue.New(cfg, logger),
		gateway:  mock.NewGateway(),
		store:    NewTrackedStore(),
		brackets: NewPendingBrackets(),
		events:   make(chan Event, 64),
	}
	reg := registry.New(config.SourceConfig{AutoRegisterUnknown: true}, logger)
	f.dispatcher = New(cfg, f.queue, f.gateway, reg, f.store, f.brackets, logger)
	f.dispatcher.OnEvent(func(ev Event) { f.events <- ev })
	t.Cleanup(f.dispatcher.Stop)
	return f
}

func (f *dispatchFixture) enqueue(t *testing.T, order *core.Order) *core.TrackedOrder {
	t.Helper()
	tracked, err := f.queue.Enqueue(order, core.SourceBot)
	require.NoError(t, err)
	f.store.Put(tracked)
	return tracked
}

func marketOrder(id string) *core.Order {
	return &core.Order{
		ID:         id,
		Source:     "bot-1",
		Instrument: "MES",
		Side:       core.SideBuy,
		Type:       core.TypeMarket,
		Quantity:   1,
		AccountID:  "SIM-001",
	}
}

func (f *dispatchFixture) waitEvent(t *testing.T, want string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestDispatch_SuccessMarksSent(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.enqueue(t, marketOrder("ord-1"))

	f.dispatcher.drainTick()
	ev := f.waitEvent(t, EventSubmitted)

	assert.Equal(t, "ord-1", ev.Order.ID)
	tracked, ok := f.store.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, core.StatusSent, tracked.Status)
	assert.Equal(t, "BRK-ord-1", tracked.BrokerID)
	assert.Len(t, f.gateway.PlacedOrders(), 1)
}

func TestDispatch_BracketIntentRecordedBeforeSend(t *testing.T) {
	f := newDispatchFixture(t, nil)

	order := marketOrder("ord-1")
	sl := core.BracketSpec{Kind: core.SpecPoints, Value: decimal.NewFromInt(10)}
	order.StopLoss = &sl

	f.gateway.PlaceHook = func(o *core.Order) (*core.GatewayOrderResult, error) {
		// The intent must already be visible while the gateway call runs.
		assert.Equal(t, 1, f.brackets.Len())
		return &core.GatewayOrderResult{OrderID: o.ID}, nil
	}

	f.enqueue(t, order)
	f.dispatcher.drainTick()
	f.waitEvent(t, EventSubmitted)

	pending, childQty, seq, ok := f.brackets.Consume("ord-1", 1)
	require.True(t, ok)
	assert.Equal(t, core.SideBuy, pending.Side)
	assert.EqualValues(t, 1, childQty)
	assert.Equal(t, 1, seq)
}

func TestPendingBrackets_ConsumePerFill(t *testing.T) {
	brackets := NewPendingBrackets()
	brackets.Put(&core.PendingBracket{ParentOrderID: "ord-1", Quantity: 3})

	pending, qty, seq, ok := brackets.Consume("ord-1", 2)
	require.True(t, ok)
	assert.Equal(t, "ord-1", pending.ParentOrderID)
	assert.EqualValues(t, 2, qty)
	assert.Equal(t, 1, seq)
	assert.Equal(t, 1, brackets.Len(), "intent survives a partial fill")

	// A fill larger than what remains is clamped.
	_, qty, seq, ok = brackets.Consume("ord-1", 5)
	require.True(t, ok)
	assert.EqualValues(t, 1, qty)
	assert.Equal(t, 2, seq)
	assert.Zero(t, brackets.Len(), "intent dropped once fully consumed")

	_, _, _, ok = brackets.Consume("ord-1", 1)
	assert.False(t, ok, "nothing left for fills past the parent quantity")
}

func TestDispatch_RetriesThenFails(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.QueueConfig) { cfg.MaxRetries = 2 })

	var attempts atomic.Int32
	f.gateway.PlaceHook = func(o *core.Order) (*core.GatewayOrderResult, error) {
		attempts.Add(1)
		return nil, apperrors.ErrGatewayUnreachable
	}

	f.enqueue(t, marketOrder("ord-1"))

	// MaxRetries bounds total attempts: two sends, one requeue between them.
	f.dispatcher.drainTick()
	f.waitEvent(t, EventRetried)
	f.dispatcher.drainTick()
	ev := f.waitEvent(t, EventFailed)

	assert.Equal(t, core.StatusFailed, ev.Order.Status)
	assert.Equal(t, 2, ev.Order.RetryCount)
	assert.NotEmpty(t, ev.Order.Error)
	assert.EqualValues(t, 2, attempts.Load(), "the gateway sees exactly MaxRetries attempts")
	assert.Zero(t, f.queue.Depth(), "failed order must not linger in the queue")
}

func TestDispatch_FailureRemovesBracketIntent(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.QueueConfig) { cfg.MaxRetries = 0 })
	f.gateway.FailPlace = 1

	order := marketOrder("ord-1")
	sl := core.BracketSpec{Kind: core.SpecPoints, Value: decimal.NewFromInt(10)}
	order.StopLoss = &sl
	f.enqueue(t, order)

	f.dispatcher.drainTick()
	f.waitEvent(t, EventFailed)

	assert.Zero(t, f.brackets.Len(), "no orphaned intent after a failed dispatch")
}

func TestDispatch_PauseBlocksLoop(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.QueueConfig) { cfg.ProcessingTickMillis = 10 })
	f.dispatcher.Pause()
	f.dispatcher.Start()

	f.enqueue(t, marketOrder("ord-1"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.queue.Depth(), "paused dispatcher must not drain")

	f.dispatcher.Resume()
	f.waitEvent(t, EventSubmitted)
	assert.Zero(t, f.queue.Depth())
}

func TestTrackedStore_TerminalGuard(t *testing.T) {
	store := NewTrackedStore()
	store.Put(&core.TrackedOrder{
		Order:  core.Order{ID: "ord-1"},
		Status: core.StatusFilled,
	})

	assert.False(t, store.UpdateStatus("ord-1", core.StatusCancelled, nil),
		"terminal orders must not transition")
	assert.False(t, store.UpdateStatus("ghost", core.StatusSent, nil))

	tracked, _ := store.Get("ord-1")
	assert.Equal(t, core.StatusFilled, tracked.Status)
}

func TestTrackedStore_PruneTerminal(t *testing.T) {
	store := NewTrackedStore()
	store.Put(&core.TrackedOrder{
		Order:      core.Order{ID: "old"},
		Status:     core.StatusFilled,
		LastUpdate: time.Now().Add(-2 * time.Hour),
	})
	store.Put(&core.TrackedOrder{
		Order:      core.Order{ID: "live"},
		Status:     core.StatusSent,
		LastUpdate: time.Now().Add(-2 * time.Hour),
	})

	assert.Equal(t, 1, store.PruneTerminal(time.Hour))
	_, oldExists := store.Get("old")
	assert.False(t, oldExists)
	_, liveExists := store.Get("live")
	assert.True(t, liveExists, "non-terminal orders survive pruning")
}
