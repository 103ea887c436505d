// Package gateway adapts the broker gateway's HTTP API (the Connection
// Manager process). All endpoints answer a JSON envelope with a boolean
// success flag and either data or error.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"
	fabrichttp "orderfabric/pkg/http"

	"github.com/shopspring/decimal"
)

// envelope is the gateway's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client implements core.IGateway over HTTP.
type Client struct {
	cfg    config.GatewayConfig
	http   *fabrichttp.Client
	logger core.ILogger

	// Balance cache: last good value per account, used when the gateway is
	// unreachable. Falls back to the configured value when cold.
	balanceMu   sync.RWMutex
	balances    map[string]cachedBalance
	balanceTTL  time.Duration
}

type cachedBalance struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// NewClient creates a gateway client.
func NewClient(cfg config.GatewayConfig, logger core.ILogger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Client{
		cfg:        cfg,
		http:       fabrichttp.NewClient(cfg.URL, timeout),
		logger:     logger.WithField("component", "gateway"),
		balances:   make(map[string]cachedBalance),
		balanceTTL: ttl,
	}
}

// placeOrderRequest is the wire shape for POST /orders.
type placeOrderRequest struct {
	ID               string           `json:"id"`
	Instrument       string           `json:"instrument"`
	Side             core.OrderSide   `json:"side"`
	Type             core.OrderType   `json:"type"`
	Quantity         int64            `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice        *decimal.Decimal `json:"stopPrice,omitempty"`
	StopLossPoints   *decimal.Decimal `json:"stopLossPoints,omitempty"`
	TakeProfitPoints *decimal.Decimal `json:"takeProfitPoints,omitempty"`
	AccountID        string           `json:"accountId"`
}

// PlaceOrder submits an order and returns the broker acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, order *core.Order) (*core.GatewayOrderResult, error) {
	req := placeOrderRequest{
		ID:         order.ID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Type:       order.Type,
		Quantity:   order.Quantity,
		LimitPrice: order.LimitPrice,
		StopPrice:  order.StopPrice,
		AccountID:  order.AccountID,
	}
	if order.StopLoss != nil && order.StopLoss.Kind == core.SpecPoints {
		v := order.StopLoss.Value
		req.StopLossPoints = &v
	}
	if order.TakeProfit != nil && order.TakeProfit.Kind == core.SpecPoints {
		v := order.TakeProfit.Value
		req.TakeProfitPoints = &v
	}

	body, err := c.http.Post(ctx, "/orders", req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayUnreachable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDispatchFailure, env.Error)
	}

	var result core.GatewayOrderResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return nil, fmt.Errorf("decode order result: %w", err)
		}
	}
	if result.OrderID == "" {
		result.OrderID = order.ID
	}
	return &result, nil
}

// GetBalance fetches the account balance, falling back to the cache and then
// the configured default when the gateway cannot be reached.
func (c *Client) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	c.balanceMu.RLock()
	cached, ok := c.balances[accountID]
	c.balanceMu.RUnlock()

	if ok && time.Since(cached.fetchedAt) < c.balanceTTL {
		return cached.value, nil
	}

	params := map[string]string{}
	if accountID != "" {
		params["accountId"] = accountID
	}

	body, err := c.http.Get(ctx, "/account/balance", params)
	if err != nil {
		if ok {
			c.logger.Warn("balance fetch failed, using cached value",
				"account", accountID, "error", err)
			return cached.value, nil
		}
		c.logger.Warn("balance fetch failed with cold cache, using fallback",
			"account", accountID, "fallback", c.cfg.FallbackBalance, "error", err)
		return decimal.NewFromFloat(c.cfg.FallbackBalance), nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance response: %w", err)
	}
	if !env.Success {
		if ok {
			return cached.value, nil
		}
		return decimal.NewFromFloat(c.cfg.FallbackBalance), nil
	}

	var data struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}

	c.balanceMu.Lock()
	c.balances[accountID] = cachedBalance{value: data.Balance, fetchedAt: time.Now()}
	c.balanceMu.Unlock()

	return data.Balance, nil
}

// GetPositions returns open broker-side positions for the account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]core.GatewayPosition, error) {
	body, err := c.http.Get(ctx, "/positions", map[string]string{"accountId": accountID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayUnreachable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("positions query failed: %s", env.Error)
	}

	var positions []core.GatewayPosition
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
	}
	return positions, nil
}

// SetPositionSLTP attaches stop-loss / take-profit levels to a broker
// position.
func (c *Client) SetPositionSLTP(ctx context.Context, accountID, positionID string, stopLoss, takeProfit *decimal.Decimal) error {
	req := map[string]interface{}{
		"accountId":  accountID,
		"positionId": positionID,
	}
	if stopLoss != nil {
		req["stopLoss"] = *stopLoss
	}
	if takeProfit != nil {
		req["takeProfit"] = *takeProfit
	}

	body, err := c.http.Post(ctx, "/position/sltp", req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrGatewayUnreachable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode sltp response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("sltp update failed: %s", env.Error)
	}
	return nil
}

// RetrieveBars fetches historical bars for strategy bootstrap.
func (c *Client) RetrieveBars(ctx context.Context, req core.BarRequest) ([]core.Bar, error) {
	body, err := c.http.Post(ctx, "/History/retrieveBars", req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayUnreachable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode bars response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("bar retrieval failed: %s", env.Error)
	}

	var bars []core.Bar
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &bars); err != nil {
			return nil, fmt.Errorf("decode bars: %w", err)
		}
	}
	return bars, nil
}

// CheckHealth probes the gateway for the health manager.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.http.Get(ctx, "/account/balance", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrGatewayUnreachable, err)
	}
	return nil
}
