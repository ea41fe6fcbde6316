package ack_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snehjoshi/herald/internal/ack"
	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/storage/local"
	"github.com/snehjoshi/herald/internal/storage/memory"
	"github.com/snehjoshi/herald/internal/storage/storagetest"
	"github.com/snehjoshi/herald/internal/types"
)

func setup(t *testing.T) (*ack.Handler, storage.Store, *storagetest.Clock, *metrics.Registry) {
	t.Helper()
	clock := storagetest.NewClock(storagetest.Epoch)
	store := memory.New(memory.WithClock(clock.Now))
	reg := metrics.New()
	return ack.New(store, ack.WithClock(clock.Now), ack.WithMetrics(reg)), store, clock, reg
}

func TestAcknowledge_Delivered(t *testing.T) {
	h, store, clock, reg := setup(t)
	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "hi", types.Limits{})
	msg.State = types.StateDelivered
	if err := store.Update(ctx, msg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(time.Second)

	ok, err := h.Acknowledge(ctx, msg.ID)
	if err != nil || !ok {
		t.Fatalf("Acknowledge: want true, nil; got %v, %v", ok, err)
	}

	got, _ := store.Get(ctx, msg.ID)
	if got.State != types.StateAcknowledged {
		t.Errorf("state: want acknowledged, got %s", got.State)
	}
	if got.AcknowledgedAt != clock.Now().UnixMilli() {
		t.Errorf("AcknowledgedAt: want %d, got %d", clock.Now().UnixMilli(), got.AcknowledgedAt)
	}
	if n := testutil.ToFloat64(reg.Acknowledged); n != 1 {
		t.Errorf("acknowledged counter = %v, want 1", n)
	}
}

func TestAcknowledge_QueuedMessage(t *testing.T) {
	h, store, _, _ := setup(t)
	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "hi", types.Limits{})
	msg.State = types.StateQueued
	_ = store.Update(ctx, msg)

	if ok, err := h.Acknowledge(ctx, msg.ID); !ok || err != nil {
		t.Errorf("queued message should be acknowledgeable, got %v, %v", ok, err)
	}
}

func TestAcknowledge_UnknownID(t *testing.T) {
	h, _, _, _ := setup(t)
	ok, err := h.Acknowledge(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if ok || err != nil {
		t.Errorf("unknown id: want false, nil; got %v, %v", ok, err)
	}
}

func TestAcknowledge_IsIdempotent(t *testing.T) {
	h, store, clock, reg := setup(t)
	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "hi", types.Limits{})

	if ok, _ := h.Acknowledge(ctx, msg.ID); !ok {
		t.Fatal("first Acknowledge should succeed")
	}
	first, _ := store.Get(ctx, msg.ID)

	clock.Advance(time.Minute)
	ok, err := h.Acknowledge(ctx, msg.ID)
	if !ok || err != nil {
		t.Errorf("re-ack: want true, nil; got %v, %v", ok, err)
	}
	second, _ := store.Get(ctx, msg.ID)
	if second.Version != first.Version || second.AcknowledgedAt != first.AcknowledgedAt {
		t.Errorf("re-ack must not write: %+v -> %+v", first, second)
	}
	if n := testutil.ToFloat64(reg.Acknowledged); n != 1 {
		t.Errorf("acknowledged counter = %v, want 1", n)
	}
}

func TestAcknowledge_ExpiredMessage(t *testing.T) {
	h, store, clock, _ := setup(t)
	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "hi", types.Limits{Timeout: time.Minute})
	clock.Advance(time.Minute + time.Millisecond)

	ok, err := h.Acknowledge(ctx, msg.ID)
	if ok || !errors.Is(err, ack.ErrExpired) {
		t.Fatalf("expired: want false, ErrExpired; got %v, %v", ok, err)
	}
	got, _ := store.Get(ctx, msg.ID)
	if got.State != types.StateCreated || got.Version != msg.Version {
		t.Errorf("expired ack must not write, got %s@%d", got.State, got.Version)
	}
}

func TestAcknowledge_AtTimeoutBoundary(t *testing.T) {
	h, store, clock, _ := setup(t)
	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "hi", types.Limits{Timeout: time.Minute})
	clock.Advance(time.Minute)

	if ok, err := h.Acknowledge(ctx, msg.ID); !ok || err != nil {
		t.Errorf("exactly at the timeout the message is still live, got %v, %v", ok, err)
	}
}

func TestAcknowledge_ConcurrentSingleTransition(t *testing.T) {
	clock := storagetest.NewClock(storagetest.Epoch)
	store, err := local.Open(t.TempDir(), local.Config{NoSync: true, Now: clock.Now})
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := metrics.New()
	h := ack.New(store, ack.WithClock(clock.Now), ack.WithMetrics(reg))

	ctx := context.Background()
	msg, _ := store.Create(ctx, "alice", "race", types.Limits{})

	const n = 8
	var (
		wg  sync.WaitGroup
		oks atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Acknowledge(ctx, msg.ID)
			if err != nil {
				t.Errorf("Acknowledge: %v", err)
				return
			}
			if ok {
				oks.Add(1)
			}
		}()
	}
	wg.Wait()

	if oks.Load() != n {
		t.Errorf("every caller should observe success, got %d/%d", oks.Load(), n)
	}
	if got := testutil.ToFloat64(reg.Acknowledged); got != 1 {
		t.Errorf("want exactly one transition, counter = %v", got)
	}
	got, _ := store.Get(ctx, msg.ID)
	if got.Version != msg.Version+1 {
		t.Errorf("want exactly one write (version %d), got version %d", msg.Version+1, got.Version)
	}
}
