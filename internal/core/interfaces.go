// Package core defines the domain types and component interfaces for the
// order routing fabric.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the logging contract implemented by pkg/logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// BusStatus reflects the adapter's connection state.
type BusStatus string

const (
	BusConnected    BusStatus = "CONNECTED"
	BusDisconnected BusStatus = "DISCONNECTED"
)

// IBus is the pub/sub message bus adapter. Payloads are JSON snapshots;
// handler invocations for one subscription are serialized.
type IBus interface {
	Publish(channel string, payload interface{}) error
	Subscribe(channel string, handler func(data []byte)) error
	Unsubscribe(channel string) error
	Status() BusStatus
	Close()
}

// GatewayOrderResult is the broker's acknowledgement of a placed order.
type GatewayOrderResult struct {
	OrderID  string `json:"orderId"`
	BrokerID string `json:"brokerId,omitempty"`
	Status   string `json:"status,omitempty"`
}

// GatewayPosition is a broker-side open position.
type GatewayPosition struct {
	PositionID string          `json:"positionId"`
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	AccountID  string          `json:"accountId"`
}

// Bar is a historical price bar fetched for strategy bootstrap.
type Bar struct {
	Timestamp int64           `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    int64           `json:"v"`
}

// BarRequest parameterizes a historical bar fetch.
type BarRequest struct {
	Instrument string `json:"instrument"`
	Unit       string `json:"unit"`
	UnitNumber int    `json:"unitNumber"`
	BarCount   int    `json:"barCount"`
}

// IGateway is the broker gateway adapter (Connection Manager).
type IGateway interface {
	PlaceOrder(ctx context.Context, order *Order) (*GatewayOrderResult, error)
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	GetPositions(ctx context.Context, accountID string) ([]GatewayPosition, error)
	SetPositionSLTP(ctx context.Context, accountID, positionID string, stopLoss, takeProfit *decimal.Decimal) error
	RetrieveBars(ctx context.Context, req BarRequest) ([]Bar, error)
	CheckHealth(ctx context.Context) error
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
