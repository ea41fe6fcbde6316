package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/herald/internal/broker"
	"github.com/snehjoshi/herald/internal/config"
	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/presence"
	"github.com/snehjoshi/herald/internal/storage/memory"
	transphttp "github.com/snehjoshi/herald/internal/transport/http"
	"github.com/snehjoshi/herald/internal/transport/websocket"
	"github.com/snehjoshi/herald/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

type testEnv struct {
	client   *client.Client
	url      string
	presence *presence.Registry
}

// newTestEnv spins up a real Herald stack (broker + hub + HTTP) backed by
// httptest.Server. All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	for _, m := range mutate {
		m(cfg)
	}

	store := memory.New()
	pres := presence.New()
	hub := websocket.NewHub(pres)
	d := delivery.New(store, pres, hub)
	svc := broker.New(store, pres, d)

	srv := transphttp.New(svc, hub.Handler(svc), cfg, "test-node", metrics.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = hub.Close()
		ts.Close()
	})

	opts := []client.ClientOption{}
	if cfg.Auth.Enabled {
		opts = append(opts, client.WithAPIKey(cfg.Auth.APIKey))
	}
	return &testEnv{client: client.New(ts.URL, opts...), url: ts.URL, presence: pres}
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// ─── Message tests ────────────────────────────────────────────────────────────

func TestSend_Get(t *testing.T) {
	e := newTestEnv(t)

	msg, err := e.client.Send(ctx(), "alice", "hello", client.WithMaxRetryAttempts(5), client.WithMessageTimeout(time.Hour))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.State != "queued" || msg.MaxRetryAttempts != 5 || msg.Timeout != time.Hour {
		t.Errorf("unexpected message %+v", msg)
	}
	if !msg.ExpiresAt.Equal(msg.CreatedAt.Add(time.Hour)) {
		t.Errorf("ExpiresAt %v, CreatedAt %v", msg.ExpiresAt, msg.CreatedAt)
	}

	got, err := e.client.Get(ctx(), msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != msg.ID || got.Content != "hello" || !got.AcknowledgedAt.IsZero() {
		t.Errorf("Get returned %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.client.Get(ctx(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if !client.IsNotFound(err) {
		t.Errorf("want IsNotFound, got %v", err)
	}
}

func TestSend_Invalid(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.client.Send(ctx(), "", "x")
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != 400 {
		t.Errorf("want 400 APIError, got %v", err)
	}
}

func TestAcknowledge(t *testing.T) {
	e := newTestEnv(t)
	msg, _ := e.client.Send(ctx(), "alice", "x")

	if err := e.client.Acknowledge(ctx(), msg.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := e.client.Acknowledge(ctx(), msg.ID); err != nil {
		t.Errorf("second Acknowledge: %v", err)
	}
	if err := e.client.Acknowledge(ctx(), "missing"); !client.IsNotFound(err) {
		t.Errorf("unknown id: want IsNotFound, got %v", err)
	}

	got, _ := e.client.Get(ctx(), msg.ID)
	if got.State != "acknowledged" || got.AcknowledgedAt.IsZero() {
		t.Errorf("after ack: %+v", got)
	}
}

func TestAcknowledge_Expired(t *testing.T) {
	e := newTestEnv(t)
	msg, _ := e.client.Send(ctx(), "alice", "x", client.WithMessageTimeout(time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	if err := e.client.Acknowledge(ctx(), msg.ID); !client.IsGone(err) {
		t.Errorf("want IsGone, got %v", err)
	}
	expired, err := e.client.ListExpired(ctx())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || !expired[0].Expired {
		t.Errorf("ListExpired: %+v", expired)
	}
}

func TestListUnacknowledged(t *testing.T) {
	e := newTestEnv(t)
	m1, _ := e.client.Send(ctx(), "bob", "1")
	m2, _ := e.client.Send(ctx(), "bob", "2")
	_ = e.client.Acknowledge(ctx(), m1.ID)

	msgs, err := e.client.ListUnacknowledged(ctx(), "bob")
	if err != nil {
		t.Fatalf("ListUnacknowledged: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m2.ID {
		t.Errorf("want only %s, got %+v", m2.ID, msgs)
	}
}

// ─── Admin tests ──────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	h, err := e.client.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.NodeID != "test-node" {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestAPIKey(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "k"
	})
	if _, err := e.client.Send(ctx(), "alice", "x"); err != nil {
		t.Errorf("with key: %v", err)
	}
	anon := client.New(e.url)
	_, err := anon.Send(ctx(), "alice", "x")
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != 401 {
		t.Errorf("without key: want 401, got %v", err)
	}
}

// ─── Listen ───────────────────────────────────────────────────────────────────

func TestListen_ReceivesFlushAndLiveAndAcks(t *testing.T) {
	e := newTestEnv(t)
	queued, _ := e.client.Send(ctx(), "carol", "while offline")

	var (
		mu  sync.Mutex
		got []string
	)
	lctx, cancel := context.WithCancel(ctx())
	done := make(chan error, 1)
	go func() {
		done <- e.client.Listen(lctx, "carol", func(_ context.Context, d *client.Delivery) error {
			mu.Lock()
			got = append(got, d.ID)
			mu.Unlock()
			return nil
		})
	}()

	waitFor(t, func() bool { return e.presence.IsReachable("carol") })
	live, err := e.client.Send(ctx(), "carol", "live")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The listener may acknowledge before Send answers.
	if live.State != "delivered" && live.State != "acknowledged" {
		t.Errorf("online recipient: want delivered, got %s", live.State)
	}

	waitFor(t, func() bool {
		for _, id := range []string{queued.ID, live.ID} {
			m, err := e.client.Get(ctx(), id)
			if err != nil || m.State != "acknowledged" {
				return false
			}
		}
		return true
	})

	mu.Lock()
	if len(got) != 2 || got[0] != queued.ID || got[1] != live.ID {
		t.Errorf("deliveries: %v", got)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Listen returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestListen_HandlerErrorLeavesUnacknowledged(t *testing.T) {
	e := newTestEnv(t)

	lctx, cancel := context.WithCancel(ctx())
	defer cancel()
	seen := make(chan string, 1)
	go func() {
		_ = e.client.Listen(lctx, "dan", func(_ context.Context, d *client.Delivery) error {
			seen <- d.ID
			return errors.New("not now")
		})
	}()

	waitFor(t, func() bool { return e.presence.IsReachable("dan") })
	msg, _ := e.client.Send(ctx(), "dan", "x")

	select {
	case id := <-seen:
		if id != msg.ID {
			t.Errorf("got %s, want %s", id, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	got, _ := e.client.Get(ctx(), msg.ID)
	if got.State != "delivered" {
		t.Errorf("want delivered (unacknowledged), got %s", got.State)
	}
}

func TestListen_Unauthorized(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "k"
	})
	err := client.New(e.url).Listen(ctx(), "erin", func(context.Context, *client.Delivery) error { return nil })
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != 401 {
		t.Errorf("want 401 APIError, got %v", err)
	}
}
