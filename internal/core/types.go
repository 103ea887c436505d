package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a filled position.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeStop   OrderType = "STOP"
)

// OrderStatus tracks an order through the pipeline.
type OrderStatus string

const (
	StatusQueued          OrderStatus = "QUEUED"
	StatusProcessing      OrderStatus = "PROCESSING"
	StatusSent            OrderStatus = "SENT"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusFailed          OrderStatus = "FAILED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
// PARTIALLY_FILLED is not terminal: it may still advance to FILLED.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SpecKind selects how a bracket distance is expressed.
type SpecKind string

const (
	SpecPoints  SpecKind = "points"
	SpecDollars SpecKind = "dollars"
	SpecPrice   SpecKind = "price"
	SpecPercent SpecKind = "percent"
	SpecATR     SpecKind = "atr"
)

// BracketSpec describes a stop-loss or take-profit distance relative to the
// eventual fill price. Exactly one kind is present per spec.
type BracketSpec struct {
	Kind  SpecKind        `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

// Order is the canonical order shape. Immutable after normalization except
// for RetryCount, which the queue owns.
type Order struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Instrument  string            `json:"instrument"`
	Side        OrderSide         `json:"side"`
	Type        OrderType         `json:"type"`
	Quantity    int64             `json:"quantity"`
	LimitPrice  *decimal.Decimal  `json:"limitPrice,omitempty"`
	StopPrice   *decimal.Decimal  `json:"stopPrice,omitempty"`
	StopLoss    *BracketSpec      `json:"stopLossSpec,omitempty"`
	TakeProfit  *BracketSpec      `json:"takeProfitSpec,omitempty"`
	AccountID   string            `json:"accountId"`
	Urgency     bool              `json:"urgency,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
	RetryCount  int               `json:"retryCount,omitempty"`
}

// Metadata keys for bracket children.
const (
	MetaParentOrderID = "parentOrderId"
	MetaBracketKind   = "kind"
	BracketKindSL     = "SL"
	BracketKindTP     = "TP"
)

// TrackedOrder is the mutable lifecycle record around an Order.
type TrackedOrder struct {
	Order
	Status       OrderStatus `json:"status"`
	QueueID      string      `json:"queueId,omitempty"`
	QueuedAt     time.Time   `json:"queuedAt,omitempty"`
	DispatchedAt time.Time   `json:"dispatchedAt,omitempty"`
	LastUpdate   time.Time   `json:"lastUpdate"`
	Error        string      `json:"error,omitempty"`
	BrokerID     string      `json:"brokerId,omitempty"`
	FilledQty    int64       `json:"filledQty,omitempty"`
}

// Fill is a broker-reported execution, possibly partial.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Instrument string          `json:"instrument"`
	Side       OrderSide       `json:"side"`
	FillPrice  decimal.Decimal `json:"fillPrice"`
	Quantity   int64           `json:"quantity"`
	Timestamp  time.Time       `json:"timestamp"`
	AccountID  string          `json:"accountId"`
	BrokerID   string          `json:"brokerId,omitempty"`
}

// Position is the net position per (instrument, source).
type Position struct {
	Instrument    string          `json:"instrument"`
	Source        string          `json:"source"`
	NetQuantity   int64           `json:"netQuantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnL"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// PositionKey identifies a Position.
type PositionKey struct {
	Instrument string
	Source     string
}

// PendingBracket is stored at dispatch time and consumed fill by fill to
// derive SL/TP children from each realized fill price. Quantity is the parent
// order quantity; the intent stays alive until fills account for all of it.
type PendingBracket struct {
	ParentOrderID string       `json:"parentOrderId"`
	Instrument    string       `json:"instrument"`
	Side          OrderSide    `json:"side"`
	Quantity      int64        `json:"quantity"`
	StopLoss      *BracketSpec `json:"stopLossSpec,omitempty"`
	TakeProfit    *BracketSpec `json:"takeProfitSpec,omitempty"`
	AccountID     string       `json:"accountId"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// ViolationKind enumerates risk rule failures.
type ViolationKind string

const (
	ViolationMinOrderSize   ViolationKind = "MIN_ORDER_SIZE"
	ViolationMaxOrderSize   ViolationKind = "MAX_ORDER_SIZE"
	ViolationMaxPositions   ViolationKind = "MAX_POSITIONS"
	ViolationDailyLoss      ViolationKind = "DAILY_LOSS_LIMIT"
	ViolationDailyProfit    ViolationKind = "DAILY_PROFIT_LIMIT"
	ViolationOutsideHours   ViolationKind = "OUTSIDE_TRADING_HOURS"
	ViolationExcessiveRisk  ViolationKind = "EXCESSIVE_RISK"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is a single failed risk rule.
type Violation struct {
	Kind     ViolationKind `json:"type"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Value    float64       `json:"value,omitempty"`
	Limit    float64       `json:"limit,omitempty"`
	At       time.Time     `json:"at"`
}

// SourceKind classifies order producers.
type SourceKind string

const (
	SourceBot      SourceKind = "BOT"
	SourceManual   SourceKind = "MANUAL"
	SourceAPI      SourceKind = "API"
	SourceStrategy SourceKind = "STRATEGY"
	SourceExternal SourceKind = "EXTERNAL"
)

// SourceStatus is the admission state of a source.
type SourceStatus string

const (
	SourceActive      SourceStatus = "ACTIVE"
	SourcePaused      SourceStatus = "PAUSED"
	SourceDisabled    SourceStatus = "DISABLED"
	SourceMaintenance SourceStatus = "MAINTENANCE"
)

// Source is a registered producer of orders.
type Source struct {
	ID              string       `json:"id"`
	Kind            SourceKind   `json:"kind"`
	Name            string       `json:"name,omitempty"`
	Version         string       `json:"version,omitempty"`
	Strategy        string       `json:"strategy,omitempty"`
	Status          SourceStatus `json:"status"`
	OrdersTotal     int64        `json:"ordersTotal"`
	OrdersSucceeded int64        `json:"ordersSucceeded"`
	OrdersRejected  int64        `json:"ordersRejected"`
	OrdersCancelled int64        `json:"ordersCancelled"`
	OrdersToday     int64        `json:"ordersToday"`
	LastActivity    time.Time    `json:"lastActivity"`
	RegisteredAt    time.Time    `json:"registeredAt"`
}

// SuccessRate returns succeeded/total, 0 when nothing was routed yet.
func (s *Source) SuccessRate() float64 {
	if s.OrdersTotal == 0 {
		return 0
	}
	return float64(s.OrdersSucceeded) / float64(s.OrdersTotal)
}

// BracketLevels is the output of the SL/TP calculator.
type BracketLevels struct {
	StopLossPrice    *decimal.Decimal `json:"stopLossPrice,omitempty"`
	TakeProfitPrice  *decimal.Decimal `json:"takeProfitPrice,omitempty"`
	StopLossDollars  decimal.Decimal  `json:"stopLossDollars"`
	TakeProfitDollars decimal.Decimal `json:"takeProfitDollars"`
	RiskReward       decimal.Decimal  `json:"riskReward"`
}
