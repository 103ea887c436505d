// Package mock provides in-memory test doubles for the bus and the broker
// gateway.
package mock

import (
	"encoding/json"
	"fmt"
	"sync"

	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"
)

// Bus implements core.IBus in memory. Publishes are delivered synchronously
// to the subscribed handler and retained for assertions.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]func(data []byte)
	status   core.BusStatus

	Published map[string][][]byte
}

// NewBus creates a connected in-memory bus.
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[string]func(data []byte)),
		status:    core.BusConnected,
		Published: make(map[string][][]byte),
	}
}

// SetStatus toggles the simulated connection state.
func (b *Bus) SetStatus(status core.BusStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *Bus) Publish(channel string, payload interface{}) error {
	b.mu.Lock()
	if b.status != core.BusConnected {
		b.mu.Unlock()
		return apperrors.ErrBusDisconnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.Published[channel] = append(b.Published[channel], data)
	handler := b.handlers[channel]
	b.mu.Unlock()

	if handler != nil {
		handler(data)
	}
	return nil
}

func (b *Bus) Subscribe(channel string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[channel]; exists {
		return fmt.Errorf("already subscribed to %s", channel)
	}
	b.handlers[channel] = handler
	return nil
}

func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

func (b *Bus) Status() core.BusStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bus) Close() {}

// Inject delivers raw bytes to a channel's handler, bypassing Publish.
func (b *Bus) Inject(channel string, data []byte) {
	b.mu.Lock()
	handler := b.handlers[channel]
	b.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

// PublishedOn returns the payloads published to a channel.
func (b *Bus) PublishedOn(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.Published[channel]))
	copy(out, b.Published[channel])
	return out
}
