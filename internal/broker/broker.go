// Package broker is the message service every transport talks to.
//
// HTTP handlers and the websocket hub call a broker.Service and never touch
// the store, the dispatcher or the presence registry directly.
//
// Data flow:
//
//	Producer  → Service.Send              → Store.Create → Dispatcher.Deliver → Pusher
//	Channel   → Service.OnChannelConnect  → Presence.Register → Dispatcher.Flush
//	Recipient → Service.Acknowledge       → ack.Handler
//	Ticker    → retry.Scheduler           → Store / Dispatcher.Redeliver
//
// Two implementations exist: Broker operates directly on the store, and
// ActorBroker funnels every keyed operation through a per-key logical actor.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/herald/internal/ack"
	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/presence"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrInvalidRequest is returned when a send is missing its recipient or
	// carries negative limits.
	ErrInvalidRequest = errors.New("broker: invalid request")

	// ErrClosed is returned by an ActorBroker after Close.
	ErrClosed = errors.New("broker: closed")
)

// ─── Request / Response types ─────────────────────────────────────────────────

// SendRequest carries everything needed to send one message.
type SendRequest struct {
	RecipientID string
	Content     string
	// MaxRetryAttempts overrides the server default when > 0.
	MaxRetryAttempts int
	// Timeout overrides the server default when > 0.
	Timeout time.Duration
}

// Stats is a lightweight snapshot of realtime channel state.
type Stats struct {
	Channels   int `json:"channels"`
	Recipients int `json:"recipients"`
}

// Service is the single interface the transports use.
type Service interface {
	// Send persists a new message and makes one delivery attempt. A failed
	// push does not fail the send; a persistence failure does.
	Send(ctx context.Context, req SendRequest) (*types.Message, error)
	// Get returns the message or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*types.Message, error)
	// ListUnacknowledged returns the recipient's unacknowledged, unexpired
	// messages in creation order.
	ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error)
	// ListExpired returns every expired, unacknowledged message.
	ListExpired(ctx context.Context) ([]*types.Message, error)
	// Acknowledge follows ack.Handler semantics.
	Acknowledge(ctx context.Context, id string) (bool, error)
	// OnChannelConnect registers the channel and flushes pending messages.
	OnChannelConnect(ctx context.Context, channelID, recipientID string) error
	// OnChannelDisconnect unregisters the channel.
	OnChannelDisconnect(channelID string)
	// Stats returns live channel counts.
	Stats() Stats
	// Close releases background resources. It does not close the store.
	Close() error
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithLimits sets the server-wide defaults applied when a send does not
// override them.
func WithLimits(l types.Limits) Option {
	return func(b *Broker) { b.defaults = l.WithDefaults(types.DefaultLimits()) }
}

// WithClock replaces the wall clock used for expiry filtering.
func WithClock(now storage.Clock) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithMetrics attaches a metrics.Registry to the broker so that every send
// and channel change is counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker is the local Service: it operates directly on the store.
//
// All methods are safe for concurrent use.
type Broker struct {
	store      storage.Store
	presence   *presence.Registry
	dispatcher *delivery.Dispatcher
	acker      *ack.Handler

	defaults types.Limits
	now      storage.Clock
	log      *slog.Logger
	metrics  *metrics.Registry
}

var _ Service = (*Broker)(nil)

// New creates a local Broker. The acknowledgment handler is built on the same
// store, clock, logger and metrics.
func New(store storage.Store, reg *presence.Registry, d *delivery.Dispatcher, opts ...Option) *Broker {
	b := &Broker{
		store:      store,
		presence:   reg,
		dispatcher: d,
		defaults:   types.DefaultLimits(),
		now:        storage.SystemClock,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.acker = ack.New(store,
		ack.WithClock(b.now),
		ack.WithLogger(b.log),
		ack.WithMetrics(b.metrics),
	)
	return b
}

// Limits returns the server-wide defaults.
func (b *Broker) Limits() types.Limits { return b.defaults }

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send implements Service.
func (b *Broker) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if req.RecipientID == "" {
		return nil, fmt.Errorf("%w: recipient_id is required", ErrInvalidRequest)
	}
	if req.MaxRetryAttempts < 0 || req.Timeout < 0 {
		return nil, fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}

	limits := types.Limits{
		MaxRetryAttempts: req.MaxRetryAttempts,
		Timeout:          req.Timeout,
	}.WithDefaults(b.defaults)

	msg, err := b.store.Create(ctx, req.RecipientID, req.Content, limits)
	if err != nil {
		return nil, fmt.Errorf("broker: send: %w", err)
	}
	if b.metrics != nil {
		b.metrics.MessagesCreated.Inc()
	}

	outcome, err := b.dispatcher.Deliver(ctx, msg)
	switch {
	case errors.Is(err, delivery.ErrPushFailed):
		// Already logged by the dispatcher; the sweep picks it up.
	case err != nil:
		return nil, fmt.Errorf("broker: send: %w", err)
	}

	b.log.Info("message sent",
		"msg_id", msg.ID, "recipient", msg.RecipientID, "outcome", outcome.String())
	return msg, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Get implements Service.
func (b *Broker) Get(ctx context.Context, id string) (*types.Message, error) {
	return b.store.Get(ctx, id)
}

// ListUnacknowledged implements Service. Records whose timeout has passed are
// filtered out even before the sweep marks them Expired.
func (b *Broker) ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error) {
	msgs, err := b.store.ListUnacknowledged(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	now := b.now()
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsExpired(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListExpired implements Service.
func (b *Broker) ListExpired(ctx context.Context) ([]*types.Message, error) {
	return b.store.ListExpiredUnacknowledged(ctx)
}

// ─── Acknowledge ──────────────────────────────────────────────────────────────

// Acknowledge implements Service.
func (b *Broker) Acknowledge(ctx context.Context, id string) (bool, error) {
	return b.acker.Acknowledge(ctx, id)
}

// ─── Channels ─────────────────────────────────────────────────────────────────

// OnChannelConnect implements Service.
func (b *Broker) OnChannelConnect(ctx context.Context, channelID, recipientID string) error {
	b.presence.Register(channelID, recipientID)
	b.updateChannelGauge()
	b.log.Info("channel connected", "channel", channelID, "recipient", recipientID)

	if _, err := b.dispatcher.Flush(ctx, recipientID); err != nil {
		return fmt.Errorf("broker: flush on connect: %w", err)
	}
	return nil
}

// OnChannelDisconnect implements Service.
func (b *Broker) OnChannelDisconnect(channelID string) {
	recipientID := b.presence.Unregister(channelID)
	b.updateChannelGauge()
	if recipientID != "" {
		b.log.Info("channel disconnected", "channel", channelID, "recipient", recipientID)
	}
}

func (b *Broker) updateChannelGauge() {
	if b.metrics != nil {
		b.metrics.ChannelsOpen.Set(float64(b.presence.Len()))
	}
}

// Stats implements Service.
func (b *Broker) Stats() Stats {
	return Stats{
		Channels:   b.presence.Len(),
		Recipients: b.presence.Recipients(),
	}
}

// Close implements Service. The local broker owns no goroutines.
func (b *Broker) Close() error { return nil }
