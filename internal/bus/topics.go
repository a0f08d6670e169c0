package bus

// Service lifecycle topics.
const (
	TopicLifecycleStarted   = "lifecycle.started"
	TopicLifecycleCompleted = "lifecycle.completed"
	TopicLifecycleFailed    = "lifecycle.failed"
)

// Gateway runtime topics.
const (
	TopicGatewayListening   = "gateway.listening"
	TopicGatewayConfigDrift = "gateway.config_drift"
	TopicGatewayHeartbeat   = "gateway.heartbeat"
)

// Trust topics.
const (
	TopicTrustPinned   = "trust.pinned"
	TopicTrustUnpinned = "trust.unpinned"
	TopicTrustRejected = "trust.rejected"
)

// LifecycleEvent is published when a lifecycle operation starts, completes, or fails.
type LifecycleEvent struct {
	Operation string `json:"operation"`       // install, uninstall, start, stop, restart
	Service   string `json:"service"`         // unit name, launchd label or task name
	Platform  string `json:"platform"`        // systemd, launchd, schtasks
	Error     string `json:"error,omitempty"` // set for failures, redacted
}

// GatewayEvent describes a change in the running gateway.
type GatewayEvent struct {
	Addr    string `json:"addr"`
	Port    int    `json:"port"`
	TLS     bool   `json:"tls"`
	Message string `json:"message,omitempty"`
}

// TrustEvent is published when a gateway pin changes or a TLS peer is rejected.
type TrustEvent struct {
	StableID    string `json:"stableId"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
