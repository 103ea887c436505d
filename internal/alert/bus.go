package alert

import (
	"context"

	"orderfabric/internal/core"
)

// BusChannel publishes alerts onto the wire so dashboards and operators can
// subscribe without touching webhook config.
type BusChannel struct {
	bus     core.IBus
	channel string
}

// NewBusChannel creates a bus-backed alert channel.
func NewBusChannel(bus core.IBus, channel string) *BusChannel {
	return &BusChannel{bus: bus, channel: channel}
}

func (b *BusChannel) Name() string {
	return "bus"
}

func (b *BusChannel) Send(ctx context.Context, alert AlertPayload) error {
	return b.bus.Publish(b.channel, alert)
}
