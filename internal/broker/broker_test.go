package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/herald/internal/ack"
	"github.com/snehjoshi/herald/internal/broker"
	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/presence"
	"github.com/snehjoshi/herald/internal/retry"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/storage/memory"
	"github.com/snehjoshi/herald/internal/storage/storagetest"
	"github.com/snehjoshi/herald/internal/types"
)

// ---- helpers ----------------------------------------------------------------

type push struct {
	recipient, id, content string
}

// capturePusher records every push and fails while fail is set.
type capturePusher struct {
	mu     sync.Mutex
	pushes []push
	fail   bool
}

func (p *capturePusher) Push(_ context.Context, recipientID, messageID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return delivery.ErrPushFailed
	}
	p.pushes = append(p.pushes, push{recipientID, messageID, content})
	return nil
}

func (p *capturePusher) forMessage(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, x := range p.pushes {
		if x.id == id {
			n++
		}
	}
	return n
}

type harness struct {
	svc    broker.Service
	store  storage.Store
	pusher *capturePusher
	clock  *storagetest.Clock
	sched  *retry.Scheduler
}

// modes lists both Service implementations so every scenario runs on each.
var modes = []struct {
	name  string
	build func(inner *broker.Broker) broker.Service
}{
	{"local", func(inner *broker.Broker) broker.Service { return inner }},
	{"actor", func(inner *broker.Broker) broker.Service { return broker.NewActor(inner, 4) }},
}

func newHarness(t *testing.T, build func(*broker.Broker) broker.Service, opts ...broker.Option) *harness {
	t.Helper()
	clock := storagetest.NewClock(storagetest.Epoch)
	store := memory.New(memory.WithClock(clock.Now))
	reg := presence.New()
	pusher := &capturePusher{}
	d := delivery.New(store, reg, pusher, delivery.WithClock(clock.Now))

	opts = append([]broker.Option{broker.WithClock(clock.Now)}, opts...)
	svc := build(broker.New(store, reg, d, opts...))
	t.Cleanup(func() { _ = svc.Close() })

	return &harness{
		svc:    svc,
		store:  store,
		pusher: pusher,
		clock:  clock,
		sched:  retry.New(store, d, retry.WithClock(clock.Now)),
	}
}

func forEachMode(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			fn(t, newHarness(t, m.build))
		})
	}
}

func (h *harness) send(t *testing.T, recipient, content string) *types.Message {
	t.Helper()
	msg, err := h.svc.Send(context.Background(), broker.SendRequest{RecipientID: recipient, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return msg
}

func (h *harness) state(t *testing.T, id string) *types.Message {
	t.Helper()
	msg, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return msg
}

// ---- Scenarios --------------------------------------------------------------

func TestScenario_QueuedThenConnectThenAck(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		msg := h.send(t, "u1", "hi")
		if msg.State != types.StateQueued {
			t.Fatalf("disconnected recipient: want queued, got %s", msg.State)
		}

		if err := h.svc.OnChannelConnect(ctx, "c1", "u1"); err != nil {
			t.Fatalf("OnChannelConnect: %v", err)
		}
		if got := h.state(t, msg.ID); got.State != types.StateDelivered {
			t.Errorf("after connect: want delivered, got %s", got.State)
		}
		if n := h.pusher.forMessage(msg.ID); n != 1 {
			t.Fatalf("want exactly one push, got %d", n)
		}
		if p := h.pusher.pushes[0]; p.recipient != "u1" || p.content != "hi" {
			t.Errorf("pushed %+v", p)
		}

		ok, err := h.svc.Acknowledge(ctx, msg.ID)
		if !ok || err != nil {
			t.Fatalf("Acknowledge: %v, %v", ok, err)
		}
		first := h.state(t, msg.ID)
		if first.State != types.StateAcknowledged {
			t.Errorf("want acknowledged, got %s", first.State)
		}

		ok, err = h.svc.Acknowledge(ctx, msg.ID)
		if !ok || err != nil {
			t.Errorf("second Acknowledge: want true, got %v, %v", ok, err)
		}
		h.sched.RunOnce(ctx)
		if n := h.pusher.forMessage(msg.ID); n != 1 {
			t.Errorf("no new push after ack, got %d pushes", n)
		}
		if again := h.state(t, msg.ID); again.AcknowledgedAt != first.AcknowledgedAt {
			t.Errorf("AcknowledgedAt must come from the first call")
		}
	})
}

func TestScenario_RetryBoundNeverConnected(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		msg, err := h.svc.Send(ctx, broker.SendRequest{RecipientID: "u2", Content: "x", MaxRetryAttempts: 1})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}

		h.clock.Advance(time.Minute)
		h.sched.RunOnce(ctx)
		h.clock.Advance(time.Minute)
		h.sched.RunOnce(ctx)

		got := h.state(t, msg.ID)
		if got.RetryAttempts != 1 {
			t.Errorf("RetryAttempts: want 1, got %d", got.RetryAttempts)
		}
		if got.State != types.StateQueued {
			t.Errorf("state: want queued, got %s", got.State)
		}
	})
}

func TestReachableAtSend_DeliveredWithOnePush(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		if err := h.svc.OnChannelConnect(context.Background(), "c1", "alice"); err != nil {
			t.Fatalf("OnChannelConnect: %v", err)
		}
		msg := h.send(t, "alice", "now")
		if msg.State != types.StateDelivered {
			t.Errorf("want delivered, got %s", msg.State)
		}
		if n := h.pusher.forMessage(msg.ID); n != 1 {
			t.Errorf("want one push, got %d", n)
		}
	})
}

func TestFlushOnConnect_DeliversAllQueued(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		m1 := h.send(t, "r", "one")
		m2 := h.send(t, "r", "two")

		if err := h.svc.OnChannelConnect(ctx, "c1", "r"); err != nil {
			t.Fatalf("OnChannelConnect: %v", err)
		}
		for _, m := range []*types.Message{m1, m2} {
			if got := h.state(t, m.ID); got.State != types.StateDelivered {
				t.Errorf("%s: want delivered, got %s", m.ID, got.State)
			}
			if h.pusher.forMessage(m.ID) != 1 {
				t.Errorf("%s: want one push", m.ID)
			}
		}
		if s := h.svc.Stats(); s.Channels != 1 || s.Recipients != 1 {
			t.Errorf("Stats: %+v", s)
		}

		h.svc.OnChannelDisconnect("c1")
		if s := h.svc.Stats(); s.Channels != 0 {
			t.Errorf("Stats after disconnect: %+v", s)
		}
	})
}

func TestSend_PushFailureStillSucceeds(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		_ = h.svc.OnChannelConnect(context.Background(), "c1", "alice")
		h.pusher.mu.Lock()
		h.pusher.fail = true
		h.pusher.mu.Unlock()

		msg := h.send(t, "alice", "x")
		if msg.State != types.StateQueued {
			t.Errorf("failed push leaves the message queued, got %s", msg.State)
		}
	})
}

func TestSend_Validation(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		if _, err := h.svc.Send(ctx, broker.SendRequest{Content: "orphan"}); !errors.Is(err, broker.ErrInvalidRequest) {
			t.Errorf("missing recipient: want ErrInvalidRequest, got %v", err)
		}
		if _, err := h.svc.Send(ctx, broker.SendRequest{RecipientID: "a", Timeout: -time.Second}); !errors.Is(err, broker.ErrInvalidRequest) {
			t.Errorf("negative timeout: want ErrInvalidRequest, got %v", err)
		}
	})
}

func TestSend_AppliesServerDefaultsAndOverrides(t *testing.T) {
	h := newHarness(t, modes[0].build, broker.WithLimits(types.Limits{MaxRetryAttempts: 5, Timeout: time.Hour}))

	def := h.send(t, "alice", "default")
	if def.MaxRetryAttempts != 5 || def.TimeoutMs != time.Hour.Milliseconds() {
		t.Errorf("server defaults not applied: %+v", def)
	}

	custom, err := h.svc.Send(context.Background(), broker.SendRequest{
		RecipientID: "alice", Content: "custom", MaxRetryAttempts: 2, Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if custom.MaxRetryAttempts != 2 || custom.TimeoutMs != time.Minute.Milliseconds() {
		t.Errorf("per-send overrides not applied: %+v", custom)
	}
}

func TestListUnacknowledged_FiltersAckedAndExpired(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		keep := h.send(t, "alice", "keep")
		acked := h.send(t, "alice", "acked")
		short, _ := h.svc.Send(ctx, broker.SendRequest{RecipientID: "alice", Content: "short", Timeout: time.Second})
		_, _ = h.svc.Acknowledge(ctx, acked.ID)

		h.clock.Advance(2 * time.Second)
		got, err := h.svc.ListUnacknowledged(ctx, "alice")
		if err != nil {
			t.Fatalf("ListUnacknowledged: %v", err)
		}
		if len(got) != 1 || got[0].ID != keep.ID {
			t.Errorf("want only %s, got %d messages", keep.ID, len(got))
		}

		expired, err := h.svc.ListExpired(ctx)
		if err != nil {
			t.Fatalf("ListExpired: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != short.ID {
			t.Errorf("want %s expired, got %d messages", short.ID, len(expired))
		}
	})
}

func TestExpiry_OneSecondTimeout(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		msg, _ := h.svc.Send(ctx, broker.SendRequest{RecipientID: "alice", Content: "x", Timeout: time.Second})

		h.clock.Advance(time.Second + time.Millisecond)
		expired, _ := h.svc.ListExpired(ctx)
		if len(expired) != 1 || expired[0].ID != msg.ID {
			t.Fatalf("want message expired after 1s, got %d", len(expired))
		}
		candidates, _ := h.store.ListRetryCandidates(ctx)
		if len(candidates) != 0 {
			t.Errorf("expired message must leave the retry candidates, got %d", len(candidates))
		}
		if ok, err := h.svc.Acknowledge(ctx, msg.ID); ok || !errors.Is(err, ack.ErrExpired) {
			t.Errorf("ack after expiry: want false, ErrExpired; got %v, %v", ok, err)
		}
	})
}

func TestAcknowledge_Concurrent(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		msg := h.send(t, "alice", "x")
		before := h.state(t, msg.ID).Version

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := h.svc.Acknowledge(ctx, msg.ID); !ok || err != nil {
					t.Errorf("Acknowledge: %v, %v", ok, err)
				}
			}()
		}
		wg.Wait()

		if got := h.state(t, msg.ID).Version; got != before+1 {
			t.Errorf("want one effective transition (version %d), got %d", before+1, got)
		}
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachMode(t, func(t *testing.T, h *harness) {
		_, err := h.svc.Get(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("want ErrNotFound, got %v", err)
		}
		ok, err := h.svc.Acknowledge(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
		if ok || err != nil {
			t.Errorf("ack unknown id: want false, nil; got %v, %v", ok, err)
		}
	})
}

// ---- ActorBroker specifics --------------------------------------------------

func TestActorBroker_ClosedRejectsCalls(t *testing.T) {
	h := newHarness(t, modes[1].build)
	if err := h.svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.svc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	_, err := h.svc.Send(context.Background(), broker.SendRequest{RecipientID: "a"})
	if !errors.Is(err, broker.ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestActorBroker_CancelledContext(t *testing.T) {
	h := newHarness(t, modes[1].build)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Send(ctx, broker.SendRequest{RecipientID: "a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestActorBroker_ManyRecipientsInParallel(t *testing.T) {
	h := newHarness(t, modes[1].build)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := fmt.Sprintf("r%d", i%5)
			if _, err := h.svc.Send(ctx, broker.SendRequest{RecipientID: r, Content: "x"}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 5; i++ {
		msgs, err := h.svc.ListUnacknowledged(ctx, fmt.Sprintf("r%d", i))
		if err != nil {
			t.Fatalf("ListUnacknowledged: %v", err)
		}
		total += len(msgs)
	}
	if total != 20 {
		t.Errorf("want 20 messages across recipients, got %d", total)
	}
	if a, ok := h.svc.(*broker.ActorBroker); !ok || a.Shards() != 4 {
		t.Errorf("expected an ActorBroker with 4 shards")
	}
}
