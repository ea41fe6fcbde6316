// Package types contains the core domain types shared across all Herald
// internal packages. It has zero imports of other Herald packages so that the
// storage layer, the dispatcher and the transports can all depend on it
// without creating import cycles.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a message.
type State uint8

const (
	// StateCreated is the only initial state. A message stays here only until
	// its first dispatch attempt is persisted.
	StateCreated State = iota
	// StateQueued means the recipient was unreachable; the message waits for a
	// channel connect or the next retry sweep.
	StateQueued
	// StateDelivered means the message was pushed at least once. It is still
	// resent until acknowledged and is equally eligible for expiry.
	StateDelivered
	// StateAcknowledged is the terminal success state.
	StateAcknowledged
	// StateExpired is the terminal state of a message never acknowledged
	// within its timeout.
	StateExpired
	// StateFailed is reserved. Nothing in the delivery engine enters it.
	StateFailed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateQueued:       "queued",
	StateDelivered:    "delivered",
	StateAcknowledged: "acknowledged",
	StateExpired:      "expired",
	StateFailed:       "failed",
}

// String returns a human-readable representation of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("types: unknown state %q", name)
}

// MarshalJSON encodes the state by name so persisted records and API
// responses stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the name produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateExpired || s == StateFailed
}

// Limits bounds how long and how often a message is retried.
type Limits struct {
	MaxRetryAttempts int
	Timeout          time.Duration
}

// DefaultLimits returns the limits applied when neither the caller nor the
// server config overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxRetryAttempts: 3,
		Timeout:          24 * time.Hour,
	}
}

// WithDefaults fills every zero field of l from def.
func (l Limits) WithDefaults(def Limits) Limits {
	if l.MaxRetryAttempts <= 0 {
		l.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	return l
}

// Message is the unit of delivery.
//
// ID, RecipientID, Content and CreatedAt are immutable after creation.
// All timestamps are UTC milliseconds since the Unix epoch; AcknowledgedAt is
// zero until the message is acknowledged.
type Message struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	State       State  `json:"state"`

	CreatedAt      int64 `json:"created_at"`
	AcknowledgedAt int64 `json:"acknowledged_at,omitempty"`

	// RetryAttempts is incremented only by the retry scheduler and never
	// exceeds MaxRetryAttempts.
	RetryAttempts    int   `json:"retry_attempts"`
	MaxRetryAttempts int   `json:"max_retry_attempts"`
	TimeoutMs        int64 `json:"timeout_ms"`

	// Version is owned by the store. Update succeeds only when it matches the
	// persisted record.
	Version uint64 `json:"version"`
}

// NewMessage builds a freshly created message. Zero limits fall back to
// DefaultLimits.
func NewMessage(id, recipientID, content string, limits Limits, now time.Time) *Message {
	limits = limits.WithDefaults(DefaultLimits())
	return &Message{
		ID:               id,
		RecipientID:      recipientID,
		Content:          content,
		State:            StateCreated,
		CreatedAt:        now.UTC().UnixMilli(),
		MaxRetryAttempts: limits.MaxRetryAttempts,
		TimeoutMs:        limits.Timeout.Milliseconds(),
	}
}

// IsAcknowledged reports whether the message reached the success state.
func (m *Message) IsAcknowledged() bool { return m.State == StateAcknowledged }

// IsExpired reports whether the message is expired at now. Expiry is computed
// lazily: a record whose stored state is not yet Expired is still expired
// once now - CreatedAt exceeds the timeout.
func (m *Message) IsExpired(now time.Time) bool {
	return Expired(now.UnixMilli(), m.CreatedAt, m.TimeoutMs, m.State)
}

// Expired is the pure expiry rule behind Message.IsExpired.
func Expired(nowMs, createdAtMs, timeoutMs int64, state State) bool {
	switch state {
	case StateExpired:
		return true
	case StateAcknowledged:
		return false
	}
	return nowMs-createdAtMs > timeoutMs
}

// IsRetryCandidate reports whether the retry scheduler may still resend m.
func (m *Message) IsRetryCandidate(now time.Time) bool {
	return !m.IsAcknowledged() &&
		!m.IsExpired(now) &&
		m.RetryAttempts < m.MaxRetryAttempts
}

// Deadline returns the instant after which m counts as expired.
func (m *Message) Deadline() time.Time {
	return time.UnixMilli(m.CreatedAt + m.TimeoutMs).UTC()
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
