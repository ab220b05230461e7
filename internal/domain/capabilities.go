package domain

// ChannelKind enumerates the transport tags the router understands. Ordinal
// order matters: it is the router's tie-break and the base-score ordering.
type ChannelKind int

const (
	ChannelMemory ChannelKind = iota
	ChannelLAN
	ChannelWiFiDirect
	ChannelBluetoothLE
	ChannelBluetoothMesh
	ChannelInternet
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelMemory:
		return "memory"
	case ChannelLAN:
		return "lan"
	case ChannelWiFiDirect:
		return "wifi-direct"
	case ChannelBluetoothLE:
		return "bluetooth-le"
	case ChannelBluetoothMesh:
		return "bluetooth-mesh"
	case ChannelInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// baseScore ranks channel kinds Memory > LAN > WiFiDirect > BluetoothLE >
// BluetoothMesh > Internet, higher is better. Values are spaced to leave
// room for the additive adjustments in the scoring policy.
func (k ChannelKind) baseScore() float64 {
	switch k {
	case ChannelMemory:
		return 1.0
	case ChannelLAN:
		return 0.9
	case ChannelWiFiDirect:
		return 0.75
	case ChannelBluetoothLE:
		return 0.6
	case ChannelBluetoothMesh:
		return 0.45
	case ChannelInternet:
		return 0.3
	default:
		return 0.0
	}
}

// BaseScore exposes the router's base per-kind score.
func (k ChannelKind) BaseScore() float64 { return k.baseScore() }

// Priority is a message's delivery priority; it shifts router weighting and
// whether power/cost adjustments apply at all.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DeviceType is a coarse human-facing device category, informational only.
type DeviceType string

// DeviceCapabilities is a local peer's self-description: what it is, what
// channels it can speak, and its current power/cost posture.
type DeviceCapabilities struct {
	DeviceId          DeviceId
	DeviceType        DeviceType
	Name              string
	SupportedChannels []ChannelKind
	BatteryLevel      *int // 0-100, nil if unknown
	Charging          bool
	DataCostSensitive bool
}

// Supports reports whether kind is among the device's supported channels.
func (c DeviceCapabilities) Supports(kind ChannelKind) bool {
	for _, k := range c.SupportedChannels {
		if k == kind {
			return true
		}
	}
	return false
}
