// Package storagetest is the conformance suite every storage.Store backend
// runs, plus a controllable clock shared by the component tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// Clock is a manually advanced clock. Safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time. It has the storage.Clock signature.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Epoch is the start time the suite uses for every fresh store.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Factory opens an empty store that reads time from now. The factory is
// responsible for closing it via t.Cleanup.
type Factory func(t *testing.T, now storage.Clock) storage.Store

// Run executes the full conformance suite against the backend built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, clock *Clock)
	}{
		{"CreateDefaults", testCreateDefaults},
		{"CreateLimits", testCreateLimits},
		{"GetNotFound", testGetNotFound},
		{"UpdateVersioning", testUpdateVersioning},
		{"UpdateNotFound", testUpdateNotFound},
		{"UpdateInvalidTransition", testUpdateInvalidTransition},
		{"UpdateKeepsImmutableFields", testUpdateKeepsImmutableFields},
		{"ListUnacknowledged", testListUnacknowledged},
		{"ListRetryCandidates", testListRetryCandidates},
		{"ListExpiredUnacknowledged", testListExpiredUnacknowledged},
		{"ConcurrentUpdateSingleWinner", testConcurrentUpdateSingleWinner},
		{"MutateRetriesOnConflict", testMutateRetriesOnConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock(Epoch)
			s := open(t, clock.Now)
			tc.fn(t, s, clock)
		})
	}
}

// ─── Cases ───────────────────────────────────────────────────────────────────

func testCreateDefaults(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	msg, err := s.Create(ctx, "alice", "hello", types.Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("Create must assign an id")
	}
	if msg.State != types.StateCreated {
		t.Errorf("state: want created, got %s", msg.State)
	}
	if msg.RetryAttempts != 0 {
		t.Errorf("retry attempts: want 0, got %d", msg.RetryAttempts)
	}
	if msg.CreatedAt != clock.Now().UnixMilli() {
		t.Errorf("CreatedAt: want %d, got %d", clock.Now().UnixMilli(), msg.CreatedAt)
	}
	def := types.DefaultLimits()
	if msg.MaxRetryAttempts != def.MaxRetryAttempts || msg.TimeoutMs != def.Timeout.Milliseconds() {
		t.Errorf("limits: want defaults, got max=%d timeout=%d", msg.MaxRetryAttempts, msg.TimeoutMs)
	}

	got, err := s.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *msg {
		t.Errorf("Get returned %+v, want %+v", got, msg)
	}
}

func testCreateLimits(t *testing.T, s storage.Store, _ *Clock) {
	msg, err := s.Create(context.Background(), "alice", "hi", types.Limits{MaxRetryAttempts: 7, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if msg.MaxRetryAttempts != 7 || msg.TimeoutMs != time.Minute.Milliseconds() {
		t.Errorf("limits not applied: %+v", msg)
	}
}

func testGetNotFound(t *testing.T, s storage.Store, _ *Clock) {
	if _, err := s.Get(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func testUpdateVersioning(t *testing.T, s storage.Store, _ *Clock) {
	ctx := context.Background()
	msg := mustCreate(t, s, "alice", "v")
	stale := msg.Clone()

	before := msg.Version
	msg.State = types.StateQueued
	if err := s.Update(ctx, msg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if msg.Version != before+1 {
		t.Errorf("version: want %d, got %d", before+1, msg.Version)
	}

	stale.State = types.StateDelivered
	if err := s.Update(ctx, stale); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale update: want ErrConflict, got %v", err)
	}

	got, _ := s.Get(ctx, msg.ID)
	if got.State != types.StateQueued || got.Version != msg.Version {
		t.Errorf("stored record: want queued@%d, got %s@%d", msg.Version, got.State, got.Version)
	}
}

func testUpdateNotFound(t *testing.T, s storage.Store, _ *Clock) {
	ghost := types.NewMessage("01HZZZZZZZZZZZZZZZZZZZZZZZ", "bob", "x", types.Limits{}, Epoch)
	if err := s.Update(context.Background(), ghost); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func testUpdateInvalidTransition(t *testing.T, s storage.Store, _ *Clock) {
	ctx := context.Background()
	msg := mustCreate(t, s, "alice", "x")
	msg.State = types.StateDelivered
	if err := s.Update(ctx, msg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	msg.State = types.StateQueued
	if err := s.Update(ctx, msg); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("delivered -> queued: want ErrInvalidTransition, got %v", err)
	}
}

func testUpdateKeepsImmutableFields(t *testing.T, s storage.Store, _ *Clock) {
	ctx := context.Background()
	msg := mustCreate(t, s, "alice", "original")
	orig := msg.Clone()

	msg.Content = "tampered"
	msg.RecipientID = "mallory"
	msg.CreatedAt = 1
	msg.RetryAttempts = msg.MaxRetryAttempts + 5
	if err := s.Update(ctx, msg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, orig.ID)
	if got.Content != orig.Content || got.RecipientID != orig.RecipientID || got.CreatedAt != orig.CreatedAt {
		t.Errorf("immutable fields changed: %+v", got)
	}
	if got.RetryAttempts != got.MaxRetryAttempts {
		t.Errorf("retry attempts must be capped at %d, got %d", got.MaxRetryAttempts, got.RetryAttempts)
	}
}

func testListUnacknowledged(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	m1 := mustCreate(t, s, "alice", "1")
	clock.Advance(time.Millisecond)
	m2 := mustCreate(t, s, "alice", "2")
	clock.Advance(time.Millisecond)
	m3 := mustCreate(t, s, "alice", "3")
	mustCreate(t, s, "bob", "other")

	ack(t, s, m2)

	got, err := s.ListUnacknowledged(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUnacknowledged: %v", err)
	}
	assertIDs(t, got, m1.ID, m3.ID)

	none, err := s.ListUnacknowledged(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListUnacknowledged(nobody): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("want no messages for unknown recipient, got %d", len(none))
	}
}

func testListRetryCandidates(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	short := mustCreateLimits(t, s, "alice", "short", types.Limits{MaxRetryAttempts: 3, Timeout: time.Minute})
	live := mustCreate(t, s, "alice", "live")
	acked := mustCreate(t, s, "bob", "acked")
	exhausted := mustCreateLimits(t, s, "bob", "exhausted", types.Limits{MaxRetryAttempts: 1})

	ack(t, s, acked)
	exhausted.RetryAttempts = 1
	exhausted.State = types.StateQueued
	if err := s.Update(ctx, exhausted); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.ListRetryCandidates(ctx)
	if err != nil {
		t.Fatalf("ListRetryCandidates: %v", err)
	}
	assertIDs(t, got, short.ID, live.ID)

	// Past the short timeout only the 24h message is still a candidate.
	clock.Advance(2 * time.Minute)
	got, err = s.ListRetryCandidates(ctx)
	if err != nil {
		t.Fatalf("ListRetryCandidates: %v", err)
	}
	assertIDs(t, got, live.ID)
}

func testListExpiredUnacknowledged(t *testing.T, s storage.Store, clock *Clock) {
	ctx := context.Background()
	computed := mustCreateLimits(t, s, "alice", "computed", types.Limits{Timeout: time.Minute})
	stored := mustCreateLimits(t, s, "alice", "stored", types.Limits{Timeout: time.Minute})
	ackedOld := mustCreateLimits(t, s, "alice", "acked", types.Limits{Timeout: time.Minute})
	fresh := mustCreate(t, s, "alice", "fresh")
	_ = fresh

	ack(t, s, ackedOld)

	got, err := s.ListExpiredUnacknowledged(ctx)
	if err != nil {
		t.Fatalf("ListExpiredUnacknowledged: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("nothing is expired yet, got %d", len(got))
	}

	// Exactly at the timeout a message is not yet expired.
	clock.Advance(time.Minute)
	got, _ = s.ListExpiredUnacknowledged(ctx)
	if len(got) != 0 {
		t.Fatalf("boundary: want 0 expired, got %d", len(got))
	}

	clock.Advance(time.Millisecond)
	stored.State = types.StateExpired
	if err := s.Update(ctx, stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err = s.ListExpiredUnacknowledged(ctx)
	if err != nil {
		t.Fatalf("ListExpiredUnacknowledged: %v", err)
	}
	assertIDs(t, got, computed.ID, stored.ID)
}

func testConcurrentUpdateSingleWinner(t *testing.T, s storage.Store, _ *Clock) {
	ctx := context.Background()
	msg := mustCreate(t, s, "alice", "race")

	const n = 16
	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := msg.Clone()
			c.State = types.StateAcknowledged
			c.AcknowledgedAt = Epoch.UnixMilli()
			switch err := s.Update(ctx, c); {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("want exactly 1 winning update, got %d", winners.Load())
	}
	if conflicts.Load() != n-1 {
		t.Errorf("want %d conflicts, got %d", n-1, conflicts.Load())
	}
}

func testMutateRetriesOnConflict(t *testing.T, s storage.Store, _ *Clock) {
	ctx := context.Background()
	msg := mustCreate(t, s, "alice", "m")

	calls := 0
	got, err := storage.Mutate(ctx, s, msg.ID, func(m *types.Message) (bool, error) {
		calls++
		if calls == 1 {
			// A concurrent writer sneaks in between read and write.
			other := m.Clone()
			other.State = types.StateQueued
			if err := s.Update(ctx, other); err != nil {
				t.Fatalf("interleaved Update: %v", err)
			}
		}
		if m.State == types.StateCreated || m.State == types.StateQueued {
			m.State = types.StateDelivered
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn should run twice after one conflict, ran %d times", calls)
	}
	if got.State != types.StateDelivered {
		t.Errorf("state: want delivered, got %s", got.State)
	}

	unchanged, err := storage.Mutate(ctx, s, msg.ID, func(*types.Message) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("Mutate no-op: %v", err)
	}
	if unchanged.Version != got.Version {
		t.Errorf("no-op Mutate must not write: version %d -> %d", got.Version, unchanged.Version)
	}

	if _, err := storage.Mutate(ctx, s, "01HZZZZZZZZZZZZZZZZZZZZZZZ", func(*types.Message) (bool, error) { return true, nil }); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Mutate unknown id: want ErrNotFound, got %v", err)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func mustCreate(t *testing.T, s storage.Store, recipient, content string) *types.Message {
	t.Helper()
	return mustCreateLimits(t, s, recipient, content, types.Limits{})
}

func mustCreateLimits(t *testing.T, s storage.Store, recipient, content string, limits types.Limits) *types.Message {
	t.Helper()
	msg, err := s.Create(context.Background(), recipient, content, limits)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return msg
}

func ack(t *testing.T, s storage.Store, msg *types.Message) {
	t.Helper()
	msg.State = types.StateAcknowledged
	msg.AcknowledgedAt = Epoch.UnixMilli()
	if err := s.Update(context.Background(), msg); err != nil {
		t.Fatalf("ack Update: %v", err)
	}
}

func assertIDs(t *testing.T, got []*types.Message, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		t.Fatalf("want ids %v, got %v", want, ids)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], got[i].ID)
		}
	}
}
