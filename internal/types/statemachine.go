package types

// statemachine.go: message lifecycle state transition rules.
//
//	CREATED ──┬──────────────► DELIVERED ──┬──► ACKNOWLEDGED
//	          │                    ▲       │
//	          ▼                    │       └──► EXPIRED
//	        QUEUED ────────────────┘
//	          │
//	          ├──► ACKNOWLEDGED
//	          └──► EXPIRED
//
// CREATED → EXPIRED is admitted for a record whose first dispatch never
// persisted. CREATED → ACKNOWLEDGED covers a client ack that lands between the
// push and the dispatcher's Delivered write. FAILED is reserved and has no
// inbound transition.

// ValidTransition reports whether from → to is a legal state change.
// Staying in the same state is not a transition.
func ValidTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateQueued || to == StateDelivered || to == StateExpired ||
			to == StateAcknowledged
	case StateQueued:
		return to == StateDelivered || to == StateAcknowledged || to == StateExpired
	case StateDelivered:
		return to == StateAcknowledged || to == StateExpired
	}
	// Acknowledged, Expired and Failed are terminal.
	return false
}
