package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xlink/internal/channel"
	"xlink/internal/config"
	"xlink/internal/crypto"
	"xlink/internal/dispatcher"
	"xlink/internal/domain"
)

// send [message]: establishes two in-process peers over a shared Memory
// bus, hands off a pairwise session between them, and round-trips one
// message end to end (scenario S1 in miniature).
func sendCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message between two in-process peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "hello from xlink-demo", "payload to send")
	return cmd
}

func runSend(ctx context.Context, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg := config.Default()
	bus := channel.NewBus()

	alice, aliceID, err := newPeer(bus, "alice", cfg)
	if err != nil {
		return err
	}
	bob, bobID, err := newPeer(bus, "bob", cfg)
	if err != nil {
		return err
	}

	if err := alice.Start(ctx); err != nil {
		return fmt.Errorf("start alice: %w", err)
	}
	defer alice.Stop()
	if err := bob.Start(ctx); err != nil {
		return fmt.Errorf("start bob: %w", err)
	}
	defer bob.Stop()

	aliceIdentity, bobIdentity := identities[aliceID], identities[bobID]

	if err := alice.EstablishSession(bobID, bobIdentity.XPub, &bobIdentity.EdPub); err != nil {
		return fmt.Errorf("alice establish: %w", err)
	}
	if err := bob.EstablishSession(aliceID, aliceIdentity.XPub, &aliceIdentity.EdPub); err != nil {
		return fmt.Errorf("bob establish: %w", err)
	}

	if err := alice.Send(ctx, bobID, []byte(message), domain.PriorityNormal); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	received, err := bob.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	fmt.Printf("bob received from %s: %s\n", received.From, string(received.Payload))
	return nil
}

// identities tracks the generated Identity per DeviceId for this
// process's lifetime, so demo commands can hand each other's public keys
// around without a directory service.
var identities = map[domain.DeviceId]domain.Identity{}

func newPeer(bus *channel.Bus, name string, cfg *config.Config) (*dispatcher.Dispatcher, domain.DeviceId, error) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		return nil, domain.DeviceId{}, fmt.Errorf("generate identity for %s: %w", name, err)
	}
	id := domain.NewDeviceId()
	identities[id] = identity

	caps := domain.DeviceCapabilities{
		DeviceId:          id,
		Name:              name,
		SupportedChannels: []domain.ChannelKind{domain.ChannelMemory},
	}
	mem := channel.NewMemory(bus, id, 0)
	channels := map[domain.ChannelKind]channel.Channel{domain.ChannelMemory: mem}

	d := dispatcher.New(id, identity, cfg, caps, channels, rootLogger(name))
	return d, id, nil
}
