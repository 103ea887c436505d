package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"orderfabric/internal/bus"
	"orderfabric/internal/core"
	"orderfabric/internal/intake"
	"orderfabric/internal/registry"
)

// Request types on the requests channel.
const (
	RequestGetAccounts        = "GET_ACCOUNTS"
	RequestGetActiveContracts = "GET_ACTIVE_CONTRACTS"
	RequestClosePosition      = "CLOSE_POSITION"
	RequestGetStatistics      = "GET_STATISTICS"
	RequestRetrieveBars       = "RETRIEVE_BARS"
	RequestRegisterSource     = "REGISTER_SOURCE"
	RequestUpdateSourceStatus = "UPDATE_SOURCE_STATUS"
)

type request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	BotID     string          `json:"botId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

func (e *Engine) handleRequest(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		e.logger.Error("undecodable request payload", "error", err)
		return
	}

	switch req.Type {
	case RequestGetAccounts:
		e.handleGetAccounts(req)
	case RequestGetActiveContracts:
		e.handleGetActiveContracts(req)
	case RequestClosePosition:
		e.handleClosePosition(req)
	case RequestGetStatistics:
		e.handleGetStatistics(req)
	case RequestRetrieveBars:
		e.handleRetrieveBars(req)
	case RequestRegisterSource:
		e.handleRegisterSource(req)
	case RequestUpdateSourceStatus:
		e.handleUpdateSourceStatus(req)
	default:
		e.logger.Warn("unknown request type", "type", req.Type, "request_id", req.RequestID)
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "unknown request type", At: time.Now(),
		})
	}
}

func (e *Engine) handleGetAccounts(req request) {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	accountID := e.cfg.Gateway.AccountID
	balance, err := e.gateway.GetBalance(ctx, accountID)
	if err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: err.Error(), At: time.Now(),
		})
		return
	}

	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID, Success: true, At: time.Now(),
		Data: []map[string]interface{}{
			{"accountId": accountID, "balance": balance},
		},
	})
}

func (e *Engine) handleGetActiveContracts(req request) {
	contracts := make([]map[string]interface{}, 0, len(e.cfg.Instruments))
	for name, inst := range e.cfg.Instruments {
		contracts = append(contracts, map[string]interface{}{
			"instrument":     name,
			"tickSize":       inst.TickSize,
			"multiplier":     inst.Multiplier,
			"dollarPerPoint": inst.DollarPerPoint,
		})
	}

	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID,
		Success: true, Data: contracts, At: time.Now(),
	})
}

// metaCloseKey marks a flatten order with the position it closes, so a
// second CLOSE_POSITION can observe the one already in flight.
const metaCloseKey = "closePositionKey"

// handleClosePosition flattens a tracked position with an urgent market
// order. Check-and-route runs under a per-position lock: of two concurrent
// requests for the same position, exactly one emits the flatten order and
// the other is told a close is already underway. The reply lands on the
// per-request close channel so the caller can block on exactly its own
// result.
func (e *Engine) handleClosePosition(req request) {
	var body struct {
		Instrument string `json:"instrument"`
		Source     string `json:"source"`
	}
	if err := json.Unmarshal(req.Payload, &body); err != nil || body.Instrument == "" {
		e.replyClose(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "payload requires instrument and source", At: time.Now(),
		})
		return
	}

	closeKey := "close:" + body.Instrument + ":" + body.Source
	if err := e.locks.Acquire(e.ctx, closeKey, req.RequestID, 2*time.Second); err != nil {
		e.replyClose(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "close already in progress", At: time.Now(),
		})
		return
	}
	defer e.locks.Release(closeKey, req.RequestID)

	// A flatten order still in flight means the position is already being
	// closed; do not emit a second one.
	for _, active := range e.store.Active() {
		if active.Metadata[metaCloseKey] == closeKey {
			e.replyClose(req, response{
				Type: req.Type, RequestID: req.RequestID,
				Success: false, Error: "close already in flight", At: time.Now(),
				Data: map[string]interface{}{"orderId": active.ID},
			})
			return
		}
	}

	key := core.PositionKey{Instrument: body.Instrument, Source: body.Source}
	pos, ok := e.book.Get(key)
	if !ok || pos.NetQuantity == 0 {
		e.replyClose(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "no open position", At: time.Now(),
		})
		return
	}

	side := core.SideSell
	qty := pos.NetQuantity
	if qty < 0 {
		side = core.SideBuy
		qty = -qty
	}

	order := &core.Order{
		ID:         intake.GenerateID(body.Source),
		Source:     body.Source,
		Instrument: body.Instrument,
		Side:       side,
		Type:       core.TypeMarket,
		Quantity:   qty,
		AccountID:  e.cfg.Gateway.AccountID,
		Urgency:    true,
		Metadata: map[string]string{
			"closeRequestId": req.RequestID,
			metaCloseKey:     closeKey,
		},
		SubmittedAt: time.Now(),
	}

	e.routeOrder(order, false)

	e.replyClose(req, response{
		Type: req.Type, RequestID: req.RequestID, Success: true, At: time.Now(),
		Data: map[string]interface{}{
			"orderId":    order.ID,
			"instrument": body.Instrument,
			"side":       side,
			"quantity":   qty,
		},
	})
}

// handleRetrieveBars proxies a historical bar fetch for strategy bootstrap.
func (e *Engine) handleRetrieveBars(req request) {
	var barReq core.BarRequest
	if err := json.Unmarshal(req.Payload, &barReq); err != nil || barReq.Instrument == "" {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "payload requires instrument", At: time.Now(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	bars, err := e.gateway.RetrieveBars(ctx, barReq)
	if err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: err.Error(), At: time.Now(),
		})
		return
	}

	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID,
		Success: true, Data: bars, At: time.Now(),
	})
}

func (e *Engine) handleGetStatistics(req request) {
	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID, Success: true, At: time.Now(),
		Data: map[string]interface{}{
			"sources":           e.sources.GetStatistics(),
			"queue":             e.orderQueue.Snapshot(),
			"openPositions":     e.book.All(),
			"dailyPnL":          e.riskMgr.DailyPnL(),
			"dailyLossCount":    e.riskMgr.DailyLossCount(),
			"violationHistory":  e.riskMgr.ViolationHistory(),
			"unassociatedFills": e.fillsH.UnassociatedFills(),
			"uptimeSeconds":     int(time.Since(e.startedAt).Seconds()),
		},
	})
}

func (e *Engine) handleRegisterSource(req request) {
	var reg registry.Registration
	if err := json.Unmarshal(req.Payload, &reg); err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "undecodable registration", At: time.Now(),
		})
		return
	}
	if reg.ID == "" {
		reg.ID = req.BotID
	}

	source, err := e.sources.Register(reg)
	if err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: err.Error(), At: time.Now(),
		})
		return
	}

	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID,
		Success: true, Data: source, At: time.Now(),
	})
}

func (e *Engine) handleUpdateSourceStatus(req request) {
	var body struct {
		SourceID string            `json:"sourceId"`
		Status   core.SourceStatus `json:"status"`
	}
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: "undecodable status update", At: time.Now(),
		})
		return
	}

	if err := e.sources.UpdateStatus(body.SourceID, body.Status); err != nil {
		e.reply(req, response{
			Type: req.Type, RequestID: req.RequestID,
			Success: false, Error: err.Error(), At: time.Now(),
		})
		return
	}

	e.reply(req, response{
		Type: req.Type, RequestID: req.RequestID, Success: true, At: time.Now(),
	})
}

func (e *Engine) reply(req request, resp response) {
	if req.BotID == "" {
		e.logger.Debug("request has no botId, reply dropped",
			"type", req.Type, "request_id", req.RequestID)
		return
	}
	e.respondToSource(req.BotID, resp)
}

func (e *Engine) replyClose(req request, resp response) {
	channel := bus.CloseResponseChannel(req.RequestID)
	if err := e.responsePool.Submit(func() {
		if err := e.bus.Publish(channel, resp); err != nil {
			e.logger.Debug("close response publish failed", "channel", channel, "error", err)
		}
	}); err != nil {
		e.logger.Warn("response pool full, close reply dropped", "request_id", req.RequestID)
	}
}
