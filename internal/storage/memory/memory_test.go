package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/storage/memory"
	"github.com/snehjoshi/herald/internal/storage/storagetest"
	"github.com/snehjoshi/herald/internal/types"
)

func TestMemoryStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now storage.Clock) storage.Store {
		s := memory.New(memory.WithClock(now))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	msg, _ := s.Create(ctx, "alice", "hello", types.Limits{})
	msg.State = types.StateAcknowledged

	got, err := s.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != types.StateCreated {
		t.Errorf("mutating a returned message must not change the store, got %s", got.State)
	}
	if s.Len() != 1 {
		t.Errorf("Len: want 1, got %d", s.Len())
	}
}

func TestMemoryStore_ClosedStoreIsUnavailable(t *testing.T) {
	s := memory.New()
	_ = s.Close()
	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("want ErrUnavailable after Close, got %v", err)
	}
}
