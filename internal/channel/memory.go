package channel

import (
	"context"
	"sync"
	"time"

	"xlink/internal/domain"
)

// Bus is a shared in-process registry that Memory channels use to deliver
// frames directly to a recipient's inbound queue, simulating a
// local-loopback transport. Delivery is lossless while the recipient's
// bounded inbound queue has room; a frame that arrives at a full queue is
// dropped.
type Bus struct {
	mu       sync.RWMutex
	channels map[domain.DeviceId]*Memory
}

// NewBus creates an empty registry.
func NewBus() *Bus {
	return &Bus{channels: make(map[domain.DeviceId]*Memory)}
}

func (b *Bus) register(id domain.DeviceId, c *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[id] = c
}

func (b *Bus) unregister(id domain.DeviceId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, id)
}

func (b *Bus) lookup(id domain.DeviceId) (*Memory, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.channels[id]
	return c, ok
}

// Memory is an in-process loopback Channel, grounded on the reference
// implementation's simulated latency and failure-injection test channel.
type Memory struct {
	bus       *Bus
	deviceID  domain.DeviceId
	latency   time.Duration
	shouldFail bool

	mu        sync.Mutex
	connected bool
	inbound   chan Inbound
	sent      int
}

// NewMemory builds a Memory channel for deviceID, registered on bus so
// peers on the same bus can address it directly.
func NewMemory(bus *Bus, deviceID domain.DeviceId, latency time.Duration) *Memory {
	return &Memory{
		bus:      bus,
		deviceID: deviceID,
		latency:  latency,
		inbound:  make(chan Inbound, 256),
	}
}

// SetShouldFail toggles synthetic send failures, for router fallback tests.
func (m *Memory) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

func (m *Memory) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *Memory) Kind() domain.ChannelKind { return domain.ChannelMemory }

func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.bus.register(m.deviceID, m)
	return nil
}

func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.bus.unregister(m.deviceID)
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Send(ctx context.Context, recipient domain.DeviceId, frameBytes []byte) error {
	m.mu.Lock()
	fail := m.shouldFail
	m.mu.Unlock()
	if fail {
		return domain.New(domain.ErrChannelDisconnected, "memory channel configured to fail", map[string]any{"peer": recipient.String()})
	}

	peer, ok := m.bus.lookup(recipient)
	if !ok {
		return domain.New(domain.ErrChannelDisconnected, "recipient not reachable on memory bus", map[string]any{"peer": recipient.String()})
	}

	deliver := func() {
		select {
		case peer.inbound <- Inbound{SenderID: m.deviceID, FrameBytes: frameBytes}:
		default:
			// Bounded inbound queue full; drop, matching a real transport's
			// backpressure behavior rather than blocking the sender forever.
		}
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()

	if m.latency <= 0 {
		deliver()
		return nil
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		deliver()
		return nil
	}
}

func (m *Memory) Subscribe() <-chan Inbound { return m.inbound }

var _ Channel = (*Memory)(nil)
