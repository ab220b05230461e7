// Package channel defines the transport contract the core consumes and
// provides an in-process Memory implementation for tests and the demo CLI.
// Concrete drivers for LAN, WiFi-Direct, Bluetooth, and Internet transports
// are external collaborators; this package only ships the loopback.
package channel

import (
	"context"

	"xlink/internal/domain"
)

// Inbound is one frame delivered from a peer, as handed to the core's
// inbound feed.
type Inbound struct {
	SenderID   domain.DeviceId
	FrameBytes []byte
}

// Channel is the uniform asynchronous send/receive contract every
// transport driver implements. The core consumes Channels; it never
// implements one itself.
type Channel interface {
	Kind() domain.ChannelKind
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	Send(ctx context.Context, recipient domain.DeviceId, frameBytes []byte) error
	Subscribe() <-chan Inbound
}
