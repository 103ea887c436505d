package bus

// Wire channel names. Dynamic channels are built by the helper functions.
const (
	ChannelOrders          = "aggregator:orders"
	ChannelRequests        = "aggregator:requests"
	ChannelControl         = "aggregator:control"
	ChannelMarketData      = "market:data"
	ChannelMarketDataOut   = "aggregator:market-data"
	ChannelMetrics         = "aggregator:metrics"
	ChannelHealth          = "aggregator:health"
	ChannelAlerts          = "aggregator:alerts"
	ChannelPositionUpdates = "aggregator:position-updates"
	ChannelFillEnhanced    = "fill:enhanced"
)

// FillsChannel is the per-account fill stream from the gateway.
func FillsChannel(accountID string) string {
	return "fills:" + accountID
}

// PositionsChannel is the per-account position snapshot stream.
func PositionsChannel(accountID string) string {
	return "positions:" + accountID
}

// BotResponseChannel is the per-bot reply channel.
func BotResponseChannel(botID string) string {
	return "bot:" + botID + ":responses"
}

// CloseResponseChannel is the per-request CLOSE_POSITION reply channel.
func CloseResponseChannel(requestID string) string {
	return "bot-close-response:" + requestID
}
