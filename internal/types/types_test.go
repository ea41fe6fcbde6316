package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/snehjoshi/herald/internal/types"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state types.State
		want  string
	}{
		{types.StateCreated, "created"},
		{types.StateQueued, "queued"},
		{types.StateDelivered, "delivered"},
		{types.StateAcknowledged, "acknowledged"},
		{types.StateExpired, "expired"},
		{types.StateFailed, "failed"},
		{types.State(99), "unknown"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestState_JSONUsesNames(t *testing.T) {
	msg := types.NewMessage("01H", "u1", "hi", types.Limits{}, time.Now())
	msg.State = types.StateDelivered

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if raw["state"] != "delivered" {
		t.Errorf("state on the wire: want delivered, got %v", raw["state"])
	}

	var back types.Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.State != types.StateDelivered {
		t.Errorf("state after decode: want delivered, got %s", back.State)
	}

	if err := json.Unmarshal([]byte(`{"state":"bogus"}`), &back); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestNewMessage_AppliesDefaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := types.NewMessage("id", "u1", "hi", types.Limits{}, now)

	if msg.State != types.StateCreated {
		t.Errorf("State: want created, got %s", msg.State)
	}
	if msg.RetryAttempts != 0 {
		t.Errorf("RetryAttempts: want 0, got %d", msg.RetryAttempts)
	}
	if msg.MaxRetryAttempts != 3 {
		t.Errorf("MaxRetryAttempts: want 3, got %d", msg.MaxRetryAttempts)
	}
	if msg.TimeoutMs != (24 * time.Hour).Milliseconds() {
		t.Errorf("TimeoutMs: want 24h, got %dms", msg.TimeoutMs)
	}
	if msg.CreatedAt != now.UnixMilli() {
		t.Errorf("CreatedAt: want %d, got %d", now.UnixMilli(), msg.CreatedAt)
	}
	if msg.AcknowledgedAt != 0 {
		t.Errorf("AcknowledgedAt must be unset, got %d", msg.AcknowledgedAt)
	}
}

func TestLimits_WithDefaults_KeepsOverrides(t *testing.T) {
	l := types.Limits{MaxRetryAttempts: 7}.WithDefaults(types.DefaultLimits())
	if l.MaxRetryAttempts != 7 {
		t.Errorf("MaxRetryAttempts: want 7, got %d", l.MaxRetryAttempts)
	}
	if l.Timeout != 24*time.Hour {
		t.Errorf("Timeout: want 24h, got %s", l.Timeout)
	}
}

func TestMessage_IsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state types.State
		after time.Duration
		want  bool
	}{
		{"fresh queued", types.StateQueued, 500 * time.Millisecond, false},
		{"exactly at timeout", types.StateQueued, time.Second, false},
		{"past timeout queued", types.StateQueued, 1001 * time.Millisecond, true},
		{"past timeout delivered", types.StateDelivered, time.Hour, true},
		{"acknowledged never expires", types.StateAcknowledged, time.Hour, false},
		{"stored expired", types.StateExpired, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := types.NewMessage("id", "u1", "hi", types.Limits{Timeout: time.Second}, created)
			msg.State = tc.state
			if got := msg.IsExpired(created.Add(tc.after)); got != tc.want {
				t.Errorf("IsExpired after %s = %v, want %v", tc.after, got, tc.want)
			}
		})
	}
}

func TestMessage_IsRetryCandidate(t *testing.T) {
	now := time.Now()
	msg := types.NewMessage("id", "u1", "hi", types.Limits{MaxRetryAttempts: 2, Timeout: time.Minute}, now)
	msg.State = types.StateQueued

	if !msg.IsRetryCandidate(now) {
		t.Fatal("fresh queued message should be a retry candidate")
	}
	msg.RetryAttempts = 2
	if msg.IsRetryCandidate(now) {
		t.Error("message at its retry ceiling must not be a candidate")
	}
	msg.RetryAttempts = 0
	if msg.IsRetryCandidate(now.Add(2 * time.Minute)) {
		t.Error("expired message must not be a candidate")
	}
	msg.State = types.StateAcknowledged
	if msg.IsRetryCandidate(now) {
		t.Error("acknowledged message must not be a candidate")
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to types.State
		want     bool
	}{
		{types.StateCreated, types.StateQueued, true},
		{types.StateCreated, types.StateDelivered, true},
		{types.StateCreated, types.StateExpired, true},
		{types.StateCreated, types.StateAcknowledged, true},
		{types.StateQueued, types.StateDelivered, true},
		{types.StateQueued, types.StateAcknowledged, true},
		{types.StateQueued, types.StateExpired, true},
		{types.StateQueued, types.StateCreated, false},
		{types.StateDelivered, types.StateAcknowledged, true},
		{types.StateDelivered, types.StateExpired, true},
		{types.StateDelivered, types.StateQueued, false},
		{types.StateAcknowledged, types.StateExpired, false},
		{types.StateAcknowledged, types.StateDelivered, false},
		{types.StateExpired, types.StateAcknowledged, false},
		{types.StateFailed, types.StateQueued, false},
		{types.StateQueued, types.StateFailed, false},
	}

	for _, tc := range tests {
		if got := types.ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
