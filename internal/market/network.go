package market

// NetworkKind classifies the transport the engine currently rides on.
type NetworkKind string

const (
	NetworkEthernet NetworkKind = "ethernet"
	NetworkWifi     NetworkKind = "wifi"
	NetworkCellular NetworkKind = "cellular"
	NetworkOffline  NetworkKind = "offline"
)

// NetworkSnapshot is a point-in-time view of connectivity.
type NetworkSnapshot struct {
	Kind      NetworkKind `json:"kind"`
	LatencyMs float64     `json:"latency_ms"`
	Metered   bool        `json:"metered"`
}

// Connected reports whether any transport is up.
func (s NetworkSnapshot) Connected() bool {
	return s.Kind != "" && s.Kind != NetworkOffline
}

// RealtimeSuitable reports whether a push channel is worth holding open
// on the current link.
func (s NetworkSnapshot) RealtimeSuitable() bool {
	return s.Connected() && s.LatencyMs < 500 && !s.Metered
}

// StatusProvider supplies connectivity snapshots on demand.
type StatusProvider interface {
	Snapshot() NetworkSnapshot
}

// StaticNetwork is a fixed provider for tests and single-homed deployments.
type StaticNetwork NetworkSnapshot

func (s StaticNetwork) Snapshot() NetworkSnapshot {
	return NetworkSnapshot(s)
}
