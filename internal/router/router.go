package router

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/logging"

	"xlink/internal/channel"
	"xlink/internal/domain"
)

const (
	historyLimit         = 10
	predictedScoreCutoff = 0.6
)

type peerChannelKey struct {
	peer domain.DeviceId
	kind domain.ChannelKind
}

// Router picks one connected Channel for a destination and priority, and
// retries the next-best candidate on a transient send failure. It never
// retries the same channel twice within one Send call.
type Router struct {
	scorer   Scorer
	channels map[domain.ChannelKind]channel.Channel
	caps     domain.DeviceCapabilities
	logger   logging.LeveledLogger

	obsMu sync.Mutex
	obs   map[peerChannelKey]*Observation

	trafficMu  sync.Mutex
	traffic    map[domain.ChannelKind]uint64
	thresholds map[domain.ChannelKind]uint64

	historyMu sync.Mutex
	history   map[domain.DeviceId][]domain.ChannelKind
}

// New builds a Router over the given channel set, scoring candidates for
// caps (the local device's own capabilities).
func New(channels map[domain.ChannelKind]channel.Channel, caps domain.DeviceCapabilities, logger logging.LeveledLogger) *Router {
	return &Router{
		channels:   channels,
		caps:       caps,
		logger:     logger,
		obs:        make(map[peerChannelKey]*Observation),
		traffic:    make(map[domain.ChannelKind]uint64),
		thresholds: make(map[domain.ChannelKind]uint64),
		history:    make(map[domain.DeviceId][]domain.ChannelKind),
	}
}

// WithTrafficThreshold sets a byte threshold that logs a warning once a
// channel's cumulative observed traffic reaches it.
func (r *Router) WithTrafficThreshold(kind domain.ChannelKind, bytes uint64) *Router {
	r.trafficMu.Lock()
	defer r.trafficMu.Unlock()
	r.thresholds[kind] = bytes
	return r
}

// Observe records a reachability/latency sample for (peer, kind). The
// dispatcher calls this for each discovery result; Send records the
// success or failure of its own attempts separately.
func (r *Router) Observe(peer domain.DeviceId, kind domain.ChannelKind, reachable bool, rttMs float64) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	o := r.observationLocked(peer, kind)
	o.Reachable = reachable
	o.RTTMs = rttMs
}

func (r *Router) observationLocked(peer domain.DeviceId, kind domain.ChannelKind) *Observation {
	key := peerChannelKey{peer, kind}
	o, ok := r.obs[key]
	if !ok {
		// A channel is assumed reachable until an attempt proves
		// otherwise, matching SuccessEWMA's own optimistic start; without
		// this a freshly connected channel with no discovery result yet
		// would never be picked as a candidate to find out.
		o = &Observation{Reachable: true, SuccessEWMA: 1.0}
		r.obs[key] = o
	}
	return o
}

const ewmaAlpha = 0.3

func (r *Router) recordOutcome(peer domain.DeviceId, kind domain.ChannelKind, success bool) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	o := r.observationLocked(peer, kind)
	sample := 0.0
	if success {
		sample = 1.0
	}
	o.SuccessEWMA = ewmaAlpha*sample + (1-ewmaAlpha)*o.SuccessEWMA
	if success {
		o.Reachable = true
	}
}

type candidate struct {
	kind  domain.ChannelKind
	score float64
}

// rankedCandidates returns every registered channel kind scored for dest
// and priority, ordered best-first with ordinal tie-break.
func (r *Router) rankedCandidates(dest domain.DeviceId, priority domain.Priority) []candidate {
	r.obsMu.Lock()
	cands := make([]candidate, 0, len(r.channels))
	for kind := range r.channels {
		o := r.observationLocked(dest, kind)
		score := r.scorer.Score(kind, *o, r.caps, priority)
		cands = append(cands, candidate{kind: kind, score: score})
	}
	r.obsMu.Unlock()

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].kind < cands[j].kind
	})
	return cands
}

func (r *Router) predictBest(dest domain.DeviceId) (domain.ChannelKind, bool) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	entries := r.history[dest]
	if len(entries) == 0 {
		return 0, false
	}
	counts := make(map[domain.ChannelKind]int)
	for _, k := range entries {
		counts[k]++
	}
	best := entries[0]
	bestCount := -1
	for k, c := range counts {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	return best, true
}

func (r *Router) recordHistory(dest domain.DeviceId, kind domain.ChannelKind) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	entries := append(r.history[dest], kind)
	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}
	r.history[dest] = entries
}

func (r *Router) recordTraffic(kind domain.ChannelKind, n uint64) {
	r.trafficMu.Lock()
	defer r.trafficMu.Unlock()
	prev := r.traffic[kind]
	r.traffic[kind] += n
	if threshold, ok := r.thresholds[kind]; ok && prev < threshold && r.traffic[kind] >= threshold && r.logger != nil {
		r.logger.Warnf("traffic threshold exceeded for channel %s: current=%d threshold=%d", kind, r.traffic[kind], threshold)
	}
}

// TrafficStats returns a snapshot of cumulative bytes routed per channel.
func (r *Router) TrafficStats() map[domain.ChannelKind]uint64 {
	r.trafficMu.Lock()
	defer r.trafficMu.Unlock()
	out := make(map[domain.ChannelKind]uint64, len(r.traffic))
	for k, v := range r.traffic {
		out[k] = v
	}
	return out
}

// Send picks the best-ranked connected channel for dest, tries it, and
// falls through to the next-best candidate on failure. It never retries
// the same channel twice. NoRouteFound is returned only once every
// candidate has failed or none are connected.
func (r *Router) Send(ctx context.Context, dest domain.DeviceId, priority domain.Priority, frameBytes []byte) error {
	tried := make(map[domain.ChannelKind]bool)

	// Predictive routing: the channel that carried the most of the last
	// historyLimit successful sends to dest (ties broken in no defined
	// order) is tried first, ahead of full re-ranking, if it is connected
	// and still scores above predictedScoreCutoff.
	if predicted, ok := r.predictBest(dest); ok {
		if ch, ok := r.channels[predicted]; ok && ch.IsConnected() {
			r.obsMu.Lock()
			o := *r.observationLocked(dest, predicted)
			r.obsMu.Unlock()
			if r.scorer.Score(predicted, o, r.caps, priority) > predictedScoreCutoff {
				if err := r.trySend(ctx, dest, predicted, frameBytes); err == nil {
					return nil
				}
				tried[predicted] = true
			}
		}
	}

	for _, cand := range r.rankedCandidates(dest, priority) {
		if tried[cand.kind] || cand.score <= 0 {
			continue
		}
		ch, ok := r.channels[cand.kind]
		if !ok || !ch.IsConnected() {
			continue
		}
		if err := r.trySend(ctx, dest, cand.kind, frameBytes); err == nil {
			return nil
		}
		tried[cand.kind] = true
	}

	return domain.New(domain.ErrNoRouteFound, "no channel could deliver the frame", map[string]any{"peer": dest.String()})
}

func (r *Router) trySend(ctx context.Context, dest domain.DeviceId, kind domain.ChannelKind, frameBytes []byte) error {
	ch := r.channels[kind]
	err := ch.Send(ctx, dest, frameBytes)
	r.recordOutcome(dest, kind, err == nil)
	if err == nil {
		r.recordTraffic(kind, uint64(len(frameBytes)))
		r.recordHistory(dest, kind)
	}
	return err
}
