package apperrors

import "errors"

// Error taxonomy for the routing fabric. Every handler-level failure is
// mapped onto one of these before anything reaches the bus.
var (
	ErrMalformedOrder     = errors.New("malformed order")
	ErrRiskViolation      = errors.New("risk violation")
	ErrQueueFull          = errors.New("queue full")
	ErrDispatchFailure    = errors.New("dispatch failure")
	ErrFillUnassociated   = errors.New("fill references unknown order")
	ErrInvalidBracketQty  = errors.New("invalid bracket quantity")
	ErrLockTimeout        = errors.New("lock acquisition timed out")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidTick        = errors.New("invalid tick size")
	ErrBusDisconnected    = errors.New("message bus disconnected")
	ErrGatewayUnreachable = errors.New("gateway unreachable")
	ErrUnknownSource      = errors.New("unknown order source")
	ErrSourceDisabled     = errors.New("source not accepting orders")
)
