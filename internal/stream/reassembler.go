// Package stream fragments oversize payloads on send and reassembles them
// on receive, tolerating out-of-order and duplicate delivery up to an
// expiry window.
package stream

import (
	"sync"
	"time"

	"xlink/internal/domain"
	"xlink/internal/wire"
)

// Fragment splits payload into ceil(len/fragmentSize) StreamFragments under
// a fresh stream id. compressed is carried on every fragment's header so
// the receiver knows whether to reverse compression once reassembled;
// it does not affect the fragment count, which depends only on len(payload).
// Callers encrypt and route each fragment independently.
func Fragment(payload []byte, fragmentSize int, compressed bool) []*wire.StreamFragment {
	total := (len(payload) + fragmentSize - 1) / fragmentSize
	if total == 0 {
		total = 1
	}
	streamID := domain.NewStreamId()
	fragments := make([]*wire.StreamFragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, &wire.StreamFragment{
			StreamID:       streamID,
			FragmentIndex:  uint32(i),
			TotalFragments: uint32(total),
			Compressed:     compressed,
			Payload:        append([]byte(nil), payload[start:end]...),
		})
	}
	return fragments
}

// context is one in-flight reassembly, per (sender, stream_id).
type context struct {
	mu             sync.Mutex
	senderID       domain.DeviceId
	streamID       domain.StreamId
	totalFragments uint32
	compressed     bool
	received       []bool
	buffers        [][]byte
	receivedCount  uint32
	startedAt      time.Time
}

func (c *context) complete() bool { return c.receivedCount == c.totalFragments }

func (c *context) assemble() []byte {
	var size int
	for _, b := range c.buffers {
		size += len(b)
	}
	out := make([]byte, 0, size)
	for _, b := range c.buffers {
		out = append(out, b...)
	}
	return out
}

type key struct {
	sender domain.DeviceId
	stream domain.StreamId
}

// Reassembler tracks in-flight streams per sender, bounded at
// maxPerSender concurrent streams, and expires stale ones after timeout.
type Reassembler struct {
	mu           sync.Mutex
	byKey        map[key]*context
	perSender    map[domain.DeviceId]int
	maxPerSender int
	timeout      time.Duration
	now          func() time.Time
}

// NewReassembler builds a reassembler bounding each sender to maxPerSender
// concurrent streams (spec default 32) and expiring stalled streams after
// timeout (spec default 60s).
func NewReassembler(maxPerSender int, timeout time.Duration) *Reassembler {
	return &Reassembler{
		byKey:        make(map[key]*context),
		perSender:    make(map[domain.DeviceId]int),
		maxPerSender: maxPerSender,
		timeout:      timeout,
		now:          time.Now,
	}
}

// Result is what Receive returns once a stream completes.
type Result struct {
	SenderID   domain.DeviceId
	StreamID   domain.StreamId
	Compressed bool
	Payload    []byte
}

// Receive ingests one decrypted stream fragment. It returns a non-nil
// Result exactly when the fragment completes its stream; duplicate
// fragment indices are ignored idempotently.
func (r *Reassembler) Receive(sender domain.DeviceId, frag *wire.StreamFragment) (*Result, error) {
	k := key{sender: sender, stream: frag.StreamID}

	r.mu.Lock()
	ctx, ok := r.byKey[k]
	if !ok {
		if r.perSender[sender] >= r.maxPerSender {
			r.mu.Unlock()
			return nil, domain.New(domain.ErrResourceExhausted, "too many concurrent streams for sender", map[string]any{
				"resource": "streams", "current": r.perSender[sender], "limit": r.maxPerSender,
			})
		}
		ctx = &context{
			senderID:       sender,
			streamID:       frag.StreamID,
			totalFragments: frag.TotalFragments,
			compressed:     frag.Compressed,
			received:       make([]bool, frag.TotalFragments),
			buffers:        make([][]byte, frag.TotalFragments),
			startedAt:      r.now(),
		}
		r.byKey[k] = ctx
		r.perSender[sender]++
	}
	r.mu.Unlock()

	ctx.mu.Lock()
	if frag.FragmentIndex >= ctx.totalFragments {
		ctx.mu.Unlock()
		return nil, domain.New(domain.ErrStreamInitFailed, "fragment index out of range", map[string]any{"stream": frag.StreamID.String()})
	}
	if !ctx.received[frag.FragmentIndex] {
		ctx.received[frag.FragmentIndex] = true
		ctx.buffers[frag.FragmentIndex] = frag.Payload
		ctx.receivedCount++
	}
	done := ctx.complete()
	var payload []byte
	compressed := ctx.compressed
	if done {
		payload = ctx.assemble()
	}
	ctx.mu.Unlock()

	if !done {
		return nil, nil
	}

	r.mu.Lock()
	delete(r.byKey, k)
	r.perSender[sender]--
	if r.perSender[sender] <= 0 {
		delete(r.perSender, sender)
	}
	r.mu.Unlock()

	return &Result{SenderID: sender, StreamID: frag.StreamID, Compressed: compressed, Payload: payload}, nil
}

// Sweep discards streams older than the configured timeout, returning the
// (sender, stream_id) pairs that timed out so callers can surface a
// StreamTimeout event for each.
func (r *Reassembler) Sweep() []Result {
	now := r.now()
	var expired []Result

	r.mu.Lock()
	for k, ctx := range r.byKey {
		ctx.mu.Lock()
		stale := now.Sub(ctx.startedAt) > r.timeout
		ctx.mu.Unlock()
		if stale {
			expired = append(expired, Result{SenderID: k.sender, StreamID: k.stream})
			delete(r.byKey, k)
			r.perSender[k.sender]--
			if r.perSender[k.sender] <= 0 {
				delete(r.perSender, k.sender)
			}
		}
	}
	r.mu.Unlock()
	return expired
}
