package channel_test

import (
	"context"
	"testing"
	"time"

	"xlink/internal/channel"
	"xlink/internal/domain"
)

func TestMemorySendDeliversToRegisteredPeer(t *testing.T) {
	bus := channel.NewBus()
	aliceID, bobID := domain.NewDeviceId(), domain.NewDeviceId()

	alice := channel.NewMemory(bus, aliceID, 0)
	bob := channel.NewMemory(bus, bobID, 0)
	if err := alice.Start(context.Background()); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bob.Start(context.Background()); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer alice.Stop()
	defer bob.Stop()

	if err := alice.Send(context.Background(), bobID, []byte("payload")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case in := <-bob.Subscribe():
		if in.SenderID != aliceID {
			t.Fatalf("SenderID = %v, want %v", in.SenderID, aliceID)
		}
		if string(in.FrameBytes) != "payload" {
			t.Fatalf("payload mismatch: %q", in.FrameBytes)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	if alice.SentCount() != 1 {
		t.Fatalf("SentCount = %d, want 1", alice.SentCount())
	}
}

func TestMemorySendFailsForUnregisteredPeer(t *testing.T) {
	bus := channel.NewBus()
	alice := channel.NewMemory(bus, domain.NewDeviceId(), 0)
	if err := alice.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer alice.Stop()

	if err := alice.Send(context.Background(), domain.NewDeviceId(), []byte("x")); err == nil {
		t.Fatalf("expected send to an unregistered device to fail")
	}
}

func TestMemorySendHonorsInjectedFailure(t *testing.T) {
	bus := channel.NewBus()
	aliceID, bobID := domain.NewDeviceId(), domain.NewDeviceId()
	alice := channel.NewMemory(bus, aliceID, 0)
	bob := channel.NewMemory(bus, bobID, 0)
	alice.Start(context.Background())
	bob.Start(context.Background())
	defer alice.Stop()
	defer bob.Stop()

	alice.SetShouldFail(true)
	if err := alice.Send(context.Background(), bobID, []byte("x")); err == nil {
		t.Fatalf("expected send to fail once configured to do so")
	}
}

func TestMemoryStopDisconnectsAndUnregisters(t *testing.T) {
	bus := channel.NewBus()
	aliceID, bobID := domain.NewDeviceId(), domain.NewDeviceId()
	alice := channel.NewMemory(bus, aliceID, 0)
	bob := channel.NewMemory(bus, bobID, 0)
	alice.Start(context.Background())
	bob.Start(context.Background())

	if !bob.IsConnected() {
		t.Fatalf("expected bob to be connected after Start")
	}
	bob.Stop()
	if bob.IsConnected() {
		t.Fatalf("expected bob to be disconnected after Stop")
	}

	if err := alice.Send(context.Background(), bobID, []byte("x")); err == nil {
		t.Fatalf("expected send to a stopped, unregistered peer to fail")
	}
	alice.Stop()
}

func TestMemoryLatencyDelaysDelivery(t *testing.T) {
	bus := channel.NewBus()
	aliceID, bobID := domain.NewDeviceId(), domain.NewDeviceId()
	alice := channel.NewMemory(bus, aliceID, 50*time.Millisecond)
	bob := channel.NewMemory(bus, bobID, 0)
	alice.Start(context.Background())
	bob.Start(context.Background())
	defer alice.Stop()
	defer bob.Stop()

	start := time.Now()
	if err := alice.Send(context.Background(), bobID, []byte("slow")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-bob.Subscribe():
		if time.Since(start) < 40*time.Millisecond {
			t.Fatalf("expected delivery to be delayed by roughly the configured latency")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delayed delivery")
	}
}
