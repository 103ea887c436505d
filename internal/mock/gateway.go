package mock

import (
	"context"
	"sync"

	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"

	"github.com/shopspring/decimal"
)

// Gateway implements core.IGateway in memory.
type Gateway struct {
	mu sync.Mutex

	Placed    []core.Order
	Balance   decimal.Decimal
	Positions []core.GatewayPosition
	Bars      []core.Bar

	// FailPlace makes the next n PlaceOrder calls fail.
	FailPlace   int
	FailBalance bool
	Unhealthy   bool

	// PlaceHook, when set, overrides the default acknowledgement.
	PlaceHook func(order *core.Order) (*core.GatewayOrderResult, error)

	SLTPUpdates []SLTPUpdate
}

// SLTPUpdate records one SetPositionSLTP call.
type SLTPUpdate struct {
	AccountID  string
	PositionID string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// NewGateway creates a healthy mock gateway with a default balance.
func NewGateway() *Gateway {
	return &Gateway{Balance: decimal.NewFromInt(50000)}
}

func (g *Gateway) PlaceOrder(ctx context.Context, order *core.Order) (*core.GatewayOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailPlace > 0 {
		g.FailPlace--
		return nil, apperrors.ErrGatewayUnreachable
	}
	if g.PlaceHook != nil {
		result, err := g.PlaceHook(order)
		if err != nil {
			return nil, err
		}
		g.Placed = append(g.Placed, *order)
		return result, nil
	}

	g.Placed = append(g.Placed, *order)
	return &core.GatewayOrderResult{
		OrderID:  order.ID,
		BrokerID: "BRK-" + order.ID,
		Status:   "ACCEPTED",
	}, nil
}

func (g *Gateway) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailBalance {
		return decimal.Zero, apperrors.ErrGatewayUnreachable
	}
	return g.Balance, nil
}

func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]core.GatewayPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.GatewayPosition, len(g.Positions))
	copy(out, g.Positions)
	return out, nil
}

func (g *Gateway) SetPositionSLTP(ctx context.Context, accountID, positionID string, stopLoss, takeProfit *decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.SLTPUpdates = append(g.SLTPUpdates, SLTPUpdate{
		AccountID:  accountID,
		PositionID: positionID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
	return nil
}

func (g *Gateway) RetrieveBars(ctx context.Context, req core.BarRequest) ([]core.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.Bar, len(g.Bars))
	copy(out, g.Bars)
	return out, nil
}

func (g *Gateway) CheckHealth(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Unhealthy {
		return apperrors.ErrGatewayUnreachable
	}
	return nil
}

// PlacedOrders returns a copy of every order the gateway accepted.
func (g *Gateway) PlacedOrders() []core.Order {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.Order, len(g.Placed))
	copy(out, g.Placed)
	return out
}
