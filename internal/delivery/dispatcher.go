// Package delivery decides, for one message at a time, whether to push it now
// or leave it queued, and records the outcome in the store.
//
// The dispatcher never marks a message Acknowledged; only the ack package
// does that. A successful push means the frame left the server, not that the
// recipient received it, so Delivered messages stay eligible for retry until
// they are acknowledged or expire.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// ErrPushFailed is returned when no open channel accepted the frame.
var ErrPushFailed = errors.New("delivery: push failed")

// ErrUnreachable is returned by Redeliver when the recipient has no open
// channel.
var ErrUnreachable = errors.New("delivery: recipient unreachable")

// Pusher sends a message frame to every channel the recipient has open.
// Implementations return an error wrapping ErrPushFailed when no channel
// accepted it. There is no delivery receipt.
type Pusher interface {
	Push(ctx context.Context, recipientID, messageID, content string) error
}

// Presence answers whether a recipient can be pushed to right now.
type Presence interface {
	IsReachable(recipientID string) bool
}

// Outcome is the result of a single Deliver call.
type Outcome int

const (
	// OutcomeSkipped means the message was already acknowledged or expired.
	OutcomeSkipped Outcome = iota
	// OutcomeQueued means the message waits for a connect or the retry sweep.
	OutcomeQueued
	// OutcomeDelivered means the frame was pushed and the state persisted.
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeDelivered:
		return "delivered"
	}
	return "skipped"
}

// DefaultPushTimeout bounds one Push call when no timeout is configured.
const DefaultPushTimeout = 5 * time.Second

// ─── Dispatcher ──────────────────────────────────────────────────────────────

// Dispatcher pushes messages to reachable recipients and persists the
// resulting state. It is safe for concurrent use.
type Dispatcher struct {
	store       storage.Store
	presence    Presence
	pusher      Pusher
	now         storage.Clock
	pushTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Registry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock used for expiry checks.
func WithClock(now storage.Clock) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithPushTimeout bounds a single push.
func WithPushTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.pushTimeout = timeout
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics attaches a metrics.Registry so every push is counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// New creates a Dispatcher.
func New(store storage.Store, presence Presence, pusher Pusher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		presence:    presence,
		pusher:      pusher,
		now:         storage.SystemClock,
		pushTimeout: DefaultPushTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ─── Deliver ─────────────────────────────────────────────────────────────────

// Deliver makes exactly one push attempt when the recipient is reachable.
//
//   - reachable, push accepted: state Delivered, OutcomeDelivered
//   - unreachable: Created becomes Queued, OutcomeQueued
//   - push failed: as unreachable, plus an error wrapping ErrPushFailed
//
// msg is refreshed with the persisted record on return.
func (d *Dispatcher) Deliver(ctx context.Context, msg *types.Message) (Outcome, error) {
	return d.deliver(ctx, msg, metrics.SourceSend)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *types.Message, source string) (Outcome, error) {
	if msg.IsAcknowledged() || msg.IsExpired(d.now()) {
		return OutcomeSkipped, nil
	}

	if !d.presence.IsReachable(msg.RecipientID) {
		if err := d.markQueued(ctx, msg); err != nil {
			return OutcomeQueued, err
		}
		return OutcomeQueued, nil
	}

	if err := d.push(ctx, msg, source); err != nil {
		d.log.Warn("push failed, message stays queued",
			"msg_id", msg.ID, "recipient", msg.RecipientID, "source", source, "err", err)
		if qerr := d.markQueued(ctx, msg); qerr != nil {
			return OutcomeQueued, errors.Join(err, qerr)
		}
		return OutcomeQueued, err
	}

	updated, err := storage.Mutate(ctx, d.store, msg.ID, func(m *types.Message) (bool, error) {
		if m.State == types.StateDelivered || !types.ValidTransition(m.State, types.StateDelivered) {
			// Already delivered, or an ack or the expiry sweep got there first.
			return false, nil
		}
		m.State = types.StateDelivered
		return true, nil
	})
	if err != nil {
		return OutcomeDelivered, fmt.Errorf("delivery: persist delivered %s: %w", msg.ID, err)
	}
	*msg = *updated
	return OutcomeDelivered, nil
}

// markQueued moves a Created record to Queued. Any other state is left alone.
func (d *Dispatcher) markQueued(ctx context.Context, msg *types.Message) error {
	updated, err := storage.Mutate(ctx, d.store, msg.ID, func(m *types.Message) (bool, error) {
		if m.State != types.StateCreated {
			return false, nil
		}
		m.State = types.StateQueued
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("delivery: persist queued %s: %w", msg.ID, err)
	}
	*msg = *updated
	return nil
}

// push performs one bounded Push call and counts it.
func (d *Dispatcher) push(ctx context.Context, msg *types.Message, source string) error {
	pctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()

	err := d.pusher.Push(pctx, msg.RecipientID, msg.ID, msg.Content)
	if err != nil {
		if d.metrics != nil {
			d.metrics.PushFailures.WithLabelValues(source).Inc()
		}
		if !errors.Is(err, ErrPushFailed) {
			err = fmt.Errorf("%w: %w", ErrPushFailed, err)
		}
		return err
	}
	if d.metrics != nil {
		d.metrics.Pushes.WithLabelValues(source).Inc()
	}
	d.log.Debug("pushed", "msg_id", msg.ID, "recipient", msg.RecipientID, "source", source)
	return nil
}

// ─── Flush ───────────────────────────────────────────────────────────────────

// Flush delivers every unacknowledged, unexpired message of recipientID. It is
// called when a channel connects. Per-message failures are logged and do not
// stop the flush; the count of messages pushed is returned.
func (d *Dispatcher) Flush(ctx context.Context, recipientID string) (int, error) {
	pending, err := d.store.ListUnacknowledged(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("delivery: flush %s: %w", recipientID, err)
	}

	delivered := 0
	now := d.now()
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if msg.IsExpired(now) {
			continue
		}
		outcome, err := d.deliver(ctx, msg, metrics.SourceFlush)
		if err != nil {
			d.log.Warn("flush: deliver failed",
				"msg_id", msg.ID, "recipient", recipientID, "err", err)
		}
		if outcome == OutcomeDelivered {
			delivered++
		}
	}
	if delivered > 0 {
		d.log.Info("flushed pending messages", "recipient", recipientID, "count", delivered)
	}
	return delivered, nil
}

// ─── Redeliver ───────────────────────────────────────────────────────────────

// Redeliver is the retry sweep's push path: a reachability check and one push,
// with no state change. It returns ErrUnreachable or an error wrapping
// ErrPushFailed.
func (d *Dispatcher) Redeliver(ctx context.Context, msg *types.Message) error {
	if !d.presence.IsReachable(msg.RecipientID) {
		return ErrUnreachable
	}
	return d.push(ctx, msg, metrics.SourceRetry)
}
