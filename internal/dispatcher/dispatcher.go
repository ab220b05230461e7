// Package dispatcher is the top-level coordinator: it accepts application
// sends, drives them through crypto, fragmentation, and routing, and
// delivers inbound frames back through crypto and reassembly to the
// application. State transitions are owned by a phony.Inbox actor so
// start/stop and background workers never race the send/receive paths.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/pion/logging"

	"xlink/internal/channel"
	"xlink/internal/config"
	"xlink/internal/domain"
	"xlink/internal/group"
	"xlink/internal/router"
	"xlink/internal/session"
	"xlink/internal/stream"
	"xlink/internal/wire"
)

// State is the dispatcher's lifecycle state.
type State int

const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is a non-payload occurrence the application can observe, such as a
// stream timing out.
type Event struct {
	Kind     string // "stream_timeout"
	StreamID domain.StreamId
	SenderID domain.DeviceId
}

// Received is a fully decrypted, reassembled application payload.
type Received struct {
	From    domain.DeviceId
	Payload []byte
}

// DiscoveryResult is one reachability sample a discovery driver reports
// for a (peer, channel) pair. Discovery drivers themselves (mDNS, BLE
// scanning, directory lookups, ...) are external collaborators; the
// dispatcher only owns intake and feeding the result to the router.
type DiscoveryResult struct {
	PeerID    domain.DeviceId
	Kind      domain.ChannelKind
	Reachable bool
	RTTMs     float64
}

// Dispatcher is one SDK instance: identity, sessions, streams, groups,
// channels, and the router, tied together behind start()/stop().
type Dispatcher struct {
	phony.Inbox

	id       domain.DeviceId
	identity domain.Identity
	cfg      *config.Config
	logger   logging.LeveledLogger

	sessions    *session.Store
	reassembler *stream.Reassembler
	channels    map[domain.ChannelKind]channel.Channel
	router      *router.Router

	groupsMu sync.RWMutex
	groups   map[domain.GroupId]*group.Group

	state State

	recvQueue   chan Received
	eventCh     chan Event
	discoveryCh chan DiscoveryResult
	stopCh      chan struct{}
	wg          sync.WaitGroup

	rateMu sync.Mutex
	rate   map[domain.DeviceId]*rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// New builds a Dispatcher in the Created state. Channels must already be
// constructed (but not yet started); Start() brings them up.
func New(id domain.DeviceId, identity domain.Identity, cfg *config.Config, caps domain.DeviceCapabilities, channels map[domain.ChannelKind]channel.Channel, logger logging.LeveledLogger) *Dispatcher {
	d := &Dispatcher{
		id:          id,
		identity:    identity,
		cfg:         cfg,
		logger:      logger,
		sessions:    session.NewStore(cfg.SkippedKeysBoundPerPeer),
		reassembler: stream.NewReassembler(cfg.MaxConcurrentStreamsPerSend, cfg.StreamTimeout()),
		channels:    channels,
		groups:      make(map[domain.GroupId]*group.Group),
		recvQueue:   make(chan Received, 256),
		eventCh:     make(chan Event, 64),
		discoveryCh: make(chan DiscoveryResult, 64),
		rate:        make(map[domain.DeviceId]*rateWindow),
	}
	d.router = router.New(channels, caps, logger)
	return d
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	var s State
	phony.Block(d, func() { s = d.state })
	return s
}

// Start brings every channel to connected state and spawns the background
// workers (heartbeat, discovery result intake, stream expiry sweep).
// Calling Start while already Running fails with AlreadyRunning.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	phony.Block(d, func() {
		if d.state == Running {
			err = domain.New(domain.ErrAlreadyRunning, "dispatcher already running", nil)
			return
		}
		for kind, ch := range d.channels {
			if startErr := ch.Start(ctx); startErr != nil {
				err = domain.Wrap(domain.ErrChannelDisconnected, "failed to start channel", startErr, map[string]any{"channel": kind.String()})
				return
			}
		}
		d.state = Running
		d.stopCh = make(chan struct{})
	})
	if err != nil {
		return err
	}

	for kind, ch := range d.channels {
		d.wg.Add(1)
		go d.inboundReader(kind, ch)
	}
	d.wg.Add(1)
	go d.heartbeatLoop()
	d.wg.Add(1)
	go d.discoveryIntakeLoop()
	d.wg.Add(1)
	go d.streamSweepLoop()

	return nil
}

// Stop is idempotent: it stops background workers and then closes the
// channels. Session and group state is preserved, and so is the rest of the
// dispatcher's state: queued received payloads, in-flight stream
// reassembly and rate-limit windows are not cleared.
func (d *Dispatcher) Stop() error {
	var alreadyStopped bool
	phony.Block(d, func() {
		if d.state == Stopped {
			alreadyStopped = true
			return
		}
		close(d.stopCh)
		d.state = Stopped
	})
	if alreadyStopped {
		return nil
	}

	d.wg.Wait()
	for _, ch := range d.channels {
		_ = ch.Stop()
	}
	return nil
}

// EstablishSession wires a new pairwise session with peer.
func (d *Dispatcher) EstablishSession(peerID domain.DeviceId, peerPub domain.X25519Public, peerVerifyingKey *domain.Ed25519Public) error {
	return d.sessions.Establish(d.id, d.identity.XPriv, peerID, peerPub, peerVerifyingKey)
}

// Send encrypts payload for peer, fragmenting it if it exceeds the
// configured threshold, and routes each resulting frame.
func (d *Dispatcher) Send(ctx context.Context, peer domain.DeviceId, payload []byte, priority domain.Priority) error {
	if d.State() != Running {
		return domain.New(domain.ErrChannelDisconnected, "dispatcher is not running", nil)
	}

	if len(payload) <= d.cfg.StreamThresholdBytes {
		return d.sendSingle(ctx, peer, payload, priority)
	}
	return d.sendStream(ctx, peer, payload, priority)
}

// SendGroup seals payload under groupID's current epoch secret and routes
// one copy to every other current member over its pairwise channel.
func (d *Dispatcher) SendGroup(ctx context.Context, groupID domain.GroupId, payload []byte, priority domain.Priority) error {
	if d.State() != Running {
		return domain.New(domain.ErrChannelDisconnected, "dispatcher is not running", nil)
	}

	g, err := d.Group(groupID)
	if err != nil {
		return err
	}
	msg, err := g.Encrypt(d.id, payload)
	if err != nil {
		return err
	}

	f := &wire.Frame{
		Type:        wire.FrameGroup,
		SenderID:    d.id,
		GroupID:     groupID,
		Epoch:       msg.Epoch,
		SendCounter: msg.Seq,
		Nonce:       msg.Nonce,
		Ciphertext:  msg.Ciphertext,
	}
	frameBytes := f.Encode()

	var firstErr error
	for _, member := range g.Members() {
		if member == d.id {
			continue
		}
		if err := d.router.Send(ctx, member, priority, frameBytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) sendSingle(ctx context.Context, peer domain.DeviceId, payload []byte, priority domain.Priority) error {
	f := &wire.Frame{Type: wire.FrameUnicast, SenderID: d.id, RecipientID: peer}
	counter, nonce, ciphertext, err := d.sessions.Encrypt(peer, f.SessionAAD(), payload)
	if err != nil {
		return err
	}
	f.SendCounter = counter
	f.Nonce = nonce
	f.Ciphertext = ciphertext
	return d.router.Send(ctx, peer, priority, f.Encode())
}

func (d *Dispatcher) sendStream(ctx context.Context, peer domain.DeviceId, payload []byte, priority domain.Priority) error {
	prepared, compressed := stream.PrepareForSend(payload, d.cfg.CompressStreams)
	fragments := stream.Fragment(prepared, d.cfg.FragmentSizeBytes, compressed)
	for _, frag := range fragments {
		f := &wire.Frame{Type: wire.FrameStream, SenderID: d.id, RecipientID: peer}
		counter, nonce, ciphertext, err := d.sessions.Encrypt(peer, f.SessionAAD(), frag.Encode())
		if err != nil {
			return err
		}
		f.SendCounter = counter
		f.Nonce = nonce
		f.Ciphertext = ciphertext
		if err := d.router.Send(ctx, peer, priority, f.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks until a fully reassembled application payload is
// available or ctx is cancelled.
func (d *Dispatcher) Receive(ctx context.Context) (Received, error) {
	select {
	case r := <-d.recvQueue:
		return r, nil
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

// Events surfaces non-payload occurrences such as stream timeouts.
func (d *Dispatcher) Events() <-chan Event { return d.eventCh }

// DiscoveryIntake returns the channel a discovery driver feeds reachability
// results into. The dispatcher's discoveryIntakeLoop worker drains it into
// the router, seeding the reachability data Send's scoring depends on.
func (d *Dispatcher) DiscoveryIntake() chan<- DiscoveryResult { return d.discoveryCh }

func (d *Dispatcher) inboundReader(kind domain.ChannelKind, ch channel.Channel) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case in, ok := <-ch.Subscribe():
			if !ok {
				return
			}
			d.handleInbound(in)
		}
	}
}

func (d *Dispatcher) handleInbound(in channel.Inbound) {
	f, err := wire.Decode(in.FrameBytes)
	if err != nil {
		if d.logger != nil {
			d.logger.Warnf("dropping malformed frame from %s: %v", in.SenderID, err)
		}
		return
	}

	if f.Type == wire.FrameUnicast || f.Type == wire.FrameStream {
		if !d.allowInbound(f.SenderID) {
			if d.logger != nil {
				d.logger.Warnf("rate limit exceeded for sender %s", f.SenderID)
			}
			return
		}
	}

	switch f.Type {
	case wire.FrameUnicast:
		plaintext, err := d.sessions.Decrypt(f.SenderID, f.SessionAAD(), f.SendCounter, f.Nonce, f.Ciphertext)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("decrypt failed from %s: %v", f.SenderID, err)
			}
			return
		}
		d.deliverPayload(f.SenderID, plaintext)

	case wire.FrameStream:
		plaintext, err := d.sessions.Decrypt(f.SenderID, f.SessionAAD(), f.SendCounter, f.Nonce, f.Ciphertext)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("decrypt failed from %s: %v", f.SenderID, err)
			}
			return
		}
		frag, err := wire.DecodeStreamFragment(plaintext)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("malformed stream fragment from %s: %v", f.SenderID, err)
			}
			return
		}
		result, err := d.reassembler.Receive(f.SenderID, frag)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("stream reassembly error from %s: %v", f.SenderID, err)
			}
			return
		}
		if result != nil {
			payload, err := stream.RecoverAfterReceive(result.Payload, result.Compressed)
			if err != nil {
				if d.logger != nil {
					d.logger.Warnf("stream recovery failed from %s: %v", result.SenderID, err)
				}
				return
			}
			d.deliverPayload(result.SenderID, payload)
		}

	case wire.FrameGroup:
		g, err := d.Group(f.GroupID)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("group frame for unknown group %s from %s", f.GroupID, f.SenderID)
			}
			return
		}
		msg := &group.EncryptedMessage{
			Epoch:      f.Epoch,
			SenderID:   f.SenderID,
			Seq:        f.SendCounter,
			Nonce:      f.Nonce,
			Ciphertext: f.Ciphertext,
		}
		plaintext, err := g.Decrypt(msg)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("group decrypt failed from %s: %v", f.SenderID, err)
			}
			return
		}
		d.deliverPayload(f.SenderID, plaintext)

	case wire.FrameControl:
		// Heartbeats land here; no payload to deliver.

	default:
		if d.logger != nil {
			d.logger.Warnf("unknown frame type %d from %s", f.Type, f.SenderID)
		}
	}
}

func (d *Dispatcher) deliverPayload(from domain.DeviceId, payload []byte) {
	select {
	case d.recvQueue <- Received{From: from, Payload: payload}:
	default:
		if d.logger != nil {
			d.logger.Warnf("receive queue full, dropping message from %s", from)
		}
	}
}

// allowInbound enforces one fixed one-second rate-limit window per sender
// DeviceId. handleInbound checks it for every unicast and stream frame
// before decrypt is attempted, so each stream fragment counts against the
// limit on its own, frames that would fail to decrypt count too, and group
// frames are not rate limited.
func (d *Dispatcher) allowInbound(sender domain.DeviceId) bool {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	now := time.Now()
	w, ok := d.rate[sender]
	if !ok || now.Sub(w.windowStart) >= time.Second {
		d.rate[sender] = &rateWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= d.cfg.RateLimitPerSenderPerSec {
		return false
	}
	w.count++
	return true
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sendHeartbeats()
		}
	}
}

// sendHeartbeats routes one control frame to every peer with an established
// session, giving the router fresh reachability signal on otherwise-idle
// links between application messages.
func (d *Dispatcher) sendHeartbeats() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, snap := range d.sessions.Snapshots() {
		f := &wire.Frame{Type: wire.FrameControl, SenderID: d.id, RecipientID: snap.PeerID}
		if err := d.router.Send(ctx, snap.PeerID, domain.PriorityLow, f.Encode()); err != nil && d.logger != nil {
			d.logger.Debugf("heartbeat to %s failed: %v", snap.PeerID, err)
		}
	}
}

// discoveryIntakeLoop drains discovery results into the router for as long
// as the dispatcher is running, so newly discovered peers become routable
// without waiting for a heartbeat round trip to prove reachability first.
func (d *Dispatcher) discoveryIntakeLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case result := <-d.discoveryCh:
			d.router.Observe(result.PeerID, result.Kind, result.Reachable, result.RTTMs)
		}
	}
}

func (d *Dispatcher) streamSweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.StreamTimeout() / 4)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			for _, expired := range d.reassembler.Sweep() {
				select {
				case d.eventCh <- Event{Kind: "stream_timeout", StreamID: expired.StreamID, SenderID: expired.SenderID}:
				default:
				}
			}
		}
	}
}

// CreateGroup admin-initializes a new group and stores it locally.
func (d *Dispatcher) CreateGroup(members []domain.DeviceId) (*group.Group, error) {
	g, err := group.Create(domain.NewGroupId(), d.id, members)
	if err != nil {
		return nil, err
	}
	d.groupsMu.Lock()
	d.groups[g.GroupID()] = g
	d.groupsMu.Unlock()
	return g, nil
}

// Group looks up a locally known group.
func (d *Dispatcher) Group(id domain.GroupId) (*group.Group, error) {
	d.groupsMu.RLock()
	defer d.groupsMu.RUnlock()
	g, ok := d.groups[id]
	if !ok {
		return nil, domain.New(domain.ErrGroupNotFound, "group not found", map[string]any{"group": id.String()})
	}
	return g, nil
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(%s, %s)", d.id, d.State())
}
