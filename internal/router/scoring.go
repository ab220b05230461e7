// Package router selects one connected Channel for a destination peer and
// payload priority, according to a deterministic scoring policy, and
// retries the next-best candidate on transient send failure.
package router

import (
	"math"

	"xlink/internal/domain"
)

// degradedThreshold marks a channel degraded when its success EWMA drops
// below it, per the scoring policy's penalty rule.
const degradedThreshold = 0.5

// Observation is the router's per-(peer, channel) sample state: what it
// has learned about reachability, latency, and reliability to one peer
// over one channel kind.
type Observation struct {
	Reachable   bool
	RTTMs       float64
	SuccessEWMA float64 // 1.0 until a failure is observed
}

// Scorer computes the deterministic 0..1+ ranking score for one channel
// candidate. Higher is better; ties break on ChannelKind ordinal.
type Scorer struct{}

// Score implements the router's scoring policy exactly:
//  1. base score per kind (Memory > LAN > WiFiDirect > BluetoothLE > BluetoothMesh > Internet)
//  2. degraded penalty when success EWMA < 0.5, plus an RTT penalty per whole 50ms bucket
//  3. power-aware adjustment when battery < 20% and not charging
//  4. cost-aware adjustment when the caller is data-cost sensitive
//  5. Critical priority ignores the power/cost adjustments entirely
func (Scorer) Score(kind domain.ChannelKind, obs Observation, caps domain.DeviceCapabilities, priority domain.Priority) float64 {
	if !obs.Reachable && kind != domain.ChannelInternet {
		return 0.0
	}

	score := kind.BaseScore()

	if obs.SuccessEWMA < degradedThreshold {
		score -= 0.5
	}
	if obs.RTTMs > 0 {
		buckets := math.Floor(obs.RTTMs / 50.0)
		score -= 0.02 * buckets
	}

	if priority != domain.PriorityCritical {
		lowBattery := caps.BatteryLevel != nil && *caps.BatteryLevel < 20 && !caps.Charging
		if lowBattery {
			switch kind {
			case domain.ChannelBluetoothLE:
				score += 0.5
			case domain.ChannelWiFiDirect:
				score -= 0.3
			case domain.ChannelInternet:
				score -= 0.3
			}
		}
		if caps.DataCostSensitive && kind == domain.ChannelInternet {
			score -= 0.6
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}
