package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"xlink/internal/channel"
	"xlink/internal/config"
	"xlink/internal/crypto"
	"xlink/internal/dispatcher"
	"xlink/internal/domain"
)

type peer struct {
	d        *dispatcher.Dispatcher
	id       domain.DeviceId
	identity domain.Identity
	mem      *channel.Memory
}

func newTestPeer(t *testing.T, bus *channel.Bus, cfg *config.Config) peer {
	t.Helper()
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	id := domain.NewDeviceId()
	caps := domain.DeviceCapabilities{DeviceId: id, SupportedChannels: []domain.ChannelKind{domain.ChannelMemory}}
	mem := channel.NewMemory(bus, id, 0)
	channels := map[domain.ChannelKind]channel.Channel{domain.ChannelMemory: mem}
	d := dispatcher.New(id, identity, cfg, caps, channels, nil)
	return peer{d: d, id: id, identity: identity, mem: mem}
}

func startedPair(t *testing.T, cfg *config.Config) (alice, bob peer, teardown func()) {
	t.Helper()
	bus := channel.NewBus()
	alice = newTestPeer(t, bus, cfg)
	bob = newTestPeer(t, bus, cfg)

	ctx := context.Background()
	if err := alice.d.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bob.d.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	if err := alice.d.EstablishSession(bob.id, bob.identity.XPub, &bob.identity.EdPub); err != nil {
		t.Fatalf("alice establish: %v", err)
	}
	if err := bob.d.EstablishSession(alice.id, alice.identity.XPub, &alice.identity.EdPub); err != nil {
		t.Fatalf("bob establish: %v", err)
	}
	return alice, bob, func() {
		alice.d.Stop()
		bob.d.Stop()
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	bus := channel.NewBus()
	p := newTestPeer(t, bus, config.Default())
	ctx := context.Background()

	if err := p.d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.d.State() != dispatcher.Running {
		t.Fatalf("state = %v, want Running", p.d.State())
	}
	if err := p.d.Start(ctx); err == nil {
		t.Fatalf("expected a second Start to fail with AlreadyRunning")
	}
	if err := p.d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.d.Stop(); err != nil {
		t.Fatalf("expected Stop to be idempotent, got: %v", err)
	}
	if p.d.State() != dispatcher.Stopped {
		t.Fatalf("state = %v, want Stopped", p.d.State())
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	alice, bob, teardown := startedPair(t, config.Default())
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := alice.d.Send(ctx, bob.id, []byte("hello bob"), domain.PriorityNormal); err != nil {
		t.Fatalf("send: %v", err)
	}
	received, err := bob.d.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received.From != alice.id {
		t.Fatalf("From = %v, want %v", received.From, alice.id)
	}
	if string(received.Payload) != "hello bob" {
		t.Fatalf("payload = %q", received.Payload)
	}
}

func TestSendAboveThresholdStreamsAndReassembles(t *testing.T) {
	cfg := config.Default()
	cfg.StreamThresholdBytes = 16
	cfg.FragmentSizeBytes = 8
	alice, bob, teardown := startedPair(t, cfg)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := []byte("this payload is well above the streaming threshold")
	if err := alice.d.Send(ctx, bob.id, payload, domain.PriorityNormal); err != nil {
		t.Fatalf("send: %v", err)
	}
	received, err := bob.d.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(received.Payload) != string(payload) {
		t.Fatalf("reassembled payload mismatch: got %q", received.Payload)
	}
	if want := (len(payload) + cfg.FragmentSizeBytes - 1) / cfg.FragmentSizeBytes; alice.mem.SentCount() != want {
		t.Fatalf("sent %d frames over the wire, want exactly ceil(len(payload)/fragment_size)=%d", alice.mem.SentCount(), want)
	}
}

func TestSendGroupDropsFrameAtMemberWithoutGroupState(t *testing.T) {
	cfg := config.Default()
	alice, bob, teardown := startedPair(t, cfg)
	defer teardown()

	g, err := alice.d.CreateGroup([]domain.DeviceId{alice.id, bob.id})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := alice.d.SendGroup(ctx, g.GroupID(), []byte("group hello"), domain.PriorityNormal); err != nil {
		t.Fatalf("send group: %v", err)
	}

	// bob has no local record of this GroupID (group welcome delivery is
	// out of the dispatcher's scope), so the inbound frame is dropped at
	// the unknown-group check; confirm it does not land as a payload.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	if _, err := bob.d.Receive(shortCtx); err == nil {
		t.Fatalf("expected bob to receive nothing for a group it has no local state for")
	}
}

func TestDiscoveryIntakeFeedsRouterObservations(t *testing.T) {
	alice, bob, teardown := startedPair(t, config.Default())
	defer teardown()

	// A discovery driver (external collaborator, not exercised here) would
	// push results like this one onto the intake channel as it learns
	// about reachable peers.
	alice.d.DiscoveryIntake() <- dispatcher.DiscoveryResult{
		PeerID:    bob.id,
		Kind:      domain.ChannelMemory,
		Reachable: true,
		RTTMs:     3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := alice.d.Send(ctx, bob.id, []byte("after discovery"), domain.PriorityNormal); err != nil {
		t.Fatalf("send after discovery intake: %v", err)
	}
	received, err := bob.d.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(received.Payload) != "after discovery" {
		t.Fatalf("payload = %q", received.Payload)
	}
}

func TestSendWhenNotRunningFails(t *testing.T) {
	bus := channel.NewBus()
	p := newTestPeer(t, bus, config.Default())
	ctx := context.Background()
	if err := p.d.Send(ctx, domain.NewDeviceId(), []byte("x"), domain.PriorityNormal); err == nil {
		t.Fatalf("expected Send before Start to fail")
	}
}

func TestRateLimitDropsExcessInboundMessages(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitPerSenderPerSec = 2
	alice, bob, teardown := startedPair(t, cfg)
	defer teardown()

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	for i := 0; i < 5; i++ {
		if err := alice.d.Send(sendCtx, bob.id, []byte{byte(i)}, domain.PriorityNormal); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	received := 0
	for {
		recvCtx, recvCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := bob.d.Receive(recvCtx)
		recvCancel()
		if err != nil {
			break
		}
		received++
	}
	if received >= 5 {
		t.Fatalf("expected the rate limit to drop some of the 5 rapid messages, got %d delivered", received)
	}
	if received == 0 {
		t.Fatalf("expected at least the first window's worth of messages to be delivered")
	}
}
