// Package intake normalizes the three inbound order shapes into the
// canonical Order: a direct canonical order, the manual-trading
// "MANUAL_ORDER" wrapper, and the legacy "PLACE_ORDER" wrapper.
package intake

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"

	"github.com/shopspring/decimal"
)

// Inbound message types on the orders channel.
const (
	TypeManualOrder = "MANUAL_ORDER"
	TypePlaceOrder  = "PLACE_ORDER"
)

// envelope is the outer shape on the orders channel.
type envelope struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
	Order     json.RawMessage `json:"order"`
	Payload   json.RawMessage `json:"payload"`
}

// rawOrder accepts every field synonym the three shapes use.
type rawOrder struct {
	ID         string           `json:"id"`
	OrderID    string           `json:"orderId"`
	Source     string           `json:"source"`
	Instrument string           `json:"instrument"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Action     string           `json:"action"`
	Type       string           `json:"type"`
	OrderType  string           `json:"orderType"`
	Quantity   *int64           `json:"quantity"`
	Qty        *int64           `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limitPrice"`
	StopPrice  *decimal.Decimal `json:"stopPrice"`

	StopLossPoints   *decimal.Decimal  `json:"stopLossPoints"`
	TakeProfitPoints *decimal.Decimal  `json:"takeProfitPoints"`
	StopLossSpec     *core.BracketSpec `json:"stopLossSpec"`
	TakeProfitSpec   *core.BracketSpec `json:"takeProfitSpec"`

	AccountID string            `json:"accountId"`
	Urgency   bool              `json:"urgency"`
	Metadata  map[string]string `json:"metadata"`
}

// Normalizer converts inbound payloads into canonical Orders.
type Normalizer struct {
	logger core.ILogger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger core.ILogger) *Normalizer {
	return &Normalizer{logger: logger.WithField("component", "intake")}
}

// Normalize parses an orders-channel message and returns the canonical
// Order. Failures are reported as ErrMalformedOrder; nothing escapes as a
// panic past the handler.
func (n *Normalizer) Normalize(data []byte) (*core.Order, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload: %v", apperrors.ErrMalformedOrder, err)
	}

	var orderBytes []byte
	switch env.Type {
	case TypeManualOrder:
		orderBytes = env.Order
	case TypePlaceOrder:
		orderBytes = env.Payload
		if orderBytes == nil {
			orderBytes = env.Order
		}
	default:
		// Direct canonical order: the envelope itself carries the fields.
		orderBytes = data
	}

	if len(orderBytes) == 0 {
		return nil, fmt.Errorf("%w: empty order body", apperrors.ErrMalformedOrder)
	}

	var raw rawOrder
	if err := json.Unmarshal(orderBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: undecodable order: %v", apperrors.ErrMalformedOrder, err)
	}

	order, err := n.canonicalize(raw, env)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (n *Normalizer) canonicalize(raw rawOrder, env envelope) (*core.Order, error) {
	source := firstNonEmpty(raw.Source, env.Source)

	instrument := firstNonEmpty(raw.Instrument, raw.Symbol)
	if instrument == "" {
		return nil, fmt.Errorf("%w: missing instrument", apperrors.ErrMalformedOrder)
	}

	side, err := normalizeSide(firstNonEmpty(raw.Side, raw.Action))
	if err != nil {
		return nil, err
	}

	qty := int64(0)
	if raw.Quantity != nil {
		qty = *raw.Quantity
	} else if raw.Qty != nil {
		qty = *raw.Qty
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", apperrors.ErrMalformedOrder)
	}

	orderType, err := normalizeType(firstNonEmpty(raw.Type, raw.OrderType), raw)
	if err != nil {
		return nil, err
	}

	id := firstNonEmpty(raw.ID, raw.OrderID)
	if id == "" {
		id = GenerateID(source)
	}

	stopLoss := raw.StopLossSpec
	if stopLoss == nil && raw.StopLossPoints != nil {
		stopLoss = &core.BracketSpec{Kind: core.SpecPoints, Value: *raw.StopLossPoints}
	}
	takeProfit := raw.TakeProfitSpec
	if takeProfit == nil && raw.TakeProfitPoints != nil {
		takeProfit = &core.BracketSpec{Kind: core.SpecPoints, Value: *raw.TakeProfitPoints}
	}

	order := &core.Order{
		ID:          id,
		Source:      source,
		Instrument:  instrument,
		Side:        side,
		Type:        orderType,
		Quantity:    qty,
		LimitPrice:  raw.LimitPrice,
		StopPrice:   raw.StopPrice,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		AccountID:   raw.AccountID,
		Urgency:     raw.Urgency,
		Metadata:    raw.Metadata,
		SubmittedAt: time.Now(),
	}

	if err := Validate(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Validate enforces the canonical Order invariants.
func Validate(order *core.Order) error {
	if order.Instrument == "" {
		return fmt.Errorf("%w: missing instrument", apperrors.ErrMalformedOrder)
	}
	if order.Side != core.SideBuy && order.Side != core.SideSell {
		return fmt.Errorf("%w: invalid side %q", apperrors.ErrMalformedOrder, order.Side)
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrMalformedOrder)
	}
	if order.Type == core.TypeLimit && order.LimitPrice == nil {
		return fmt.Errorf("%w: LIMIT order requires limitPrice", apperrors.ErrMalformedOrder)
	}
	if order.Type == core.TypeStop && order.StopPrice == nil {
		return fmt.Errorf("%w: STOP order requires stopPrice", apperrors.ErrMalformedOrder)
	}
	return nil
}

// GenerateID builds a monotonic id of the form SOURCE_<unixms>_<rand>.
func GenerateID(source string) string {
	prefix := strings.ToUpper(strings.TrimSpace(source))
	if prefix == "" {
		prefix = "UNKNOWN"
	}
	return fmt.Sprintf("%s_%d_%04d", prefix, time.Now().UnixMilli(), rand.Intn(10000))
}

func normalizeSide(side string) (core.OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY", "LONG":
		return core.SideBuy, nil
	case "SELL", "SHORT":
		return core.SideSell, nil
	case "":
		return "", fmt.Errorf("%w: missing side", apperrors.ErrMalformedOrder)
	default:
		return "", fmt.Errorf("%w: unparseable side %q", apperrors.ErrMalformedOrder, side)
	}
}

func normalizeType(orderType string, raw rawOrder) (core.OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(orderType)) {
	case "MARKET":
		return core.TypeMarket, nil
	case "LIMIT":
		return core.TypeLimit, nil
	case "STOP":
		return core.TypeStop, nil
	case "":
		// Infer from prices when the legacy shape omits the type.
		if raw.LimitPrice != nil {
			return core.TypeLimit, nil
		}
		if raw.StopPrice != nil {
			return core.TypeStop, nil
		}
		return core.TypeMarket, nil
	default:
		return "", fmt.Errorf("%w: unknown order type %q", apperrors.ErrMalformedOrder, orderType)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
