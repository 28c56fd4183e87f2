package xcm

// WaypointKind tags the lifecycle stage a NotifyMessage reports.
type WaypointKind string

const (
	WaypointSent     WaypointKind = "Sent"
	WaypointReceived WaypointKind = "Received"
	WaypointRelayed  WaypointKind = "Relayed"
	WaypointTimeout  WaypointKind = "Timeout"
	// WaypointHop is reserved for relay-joined messages later observed at a
	// further destination; no extractor populates it yet.
	WaypointHop WaypointKind = "Hop"
)

// NotifyMessage is the emitted lifecycle notification, a tagged union over
// the waypoint kinds.
type NotifyMessage struct {
	Type           WaypointKind
	SubscriptionID string

	Sent     *SentContext
	Received *ReceivedContext
	Relayed  *RelayedContext

	// Sender is carried separately so the Switchboard can re-check it
	// against the subscription's current senders filter even if the
	// descriptor mutated after the sent leg was recorded.
	Sender *Account
}
