// Package retry runs the periodic sweep that resends unacknowledged messages
// and marks expired ones.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Redeliverer performs one push without changing state. delivery.Dispatcher
// implements it.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg *types.Message) error
}

// SweepResult summarises one pass.
type SweepResult struct {
	Candidates  int // retry candidates listed at the start of the pass
	Delivered   int // pushed and recorded
	Unreachable int // recipient offline; counted as an attempt
	PushFailed  int // push attempted and rejected; not counted
	Skipped     int // acknowledged or expired between list and write
	Errors      int // persistence failures
	Expired     int // expired, unacknowledged messages reported this pass
	NewlyMarked int // of those, records moved to Expired by this pass
}

// Scheduler resends retry candidates on a fixed interval.
//
// Usage:
//
//	s := retry.New(store, dispatcher, retry.WithInterval(time.Minute))
//	s.Start(ctx)
//	defer s.Stop()
//
// Each tick calls RunOnce. A failing candidate never aborts the pass, and
// the loop always re-arms.
type Scheduler struct {
	store    storage.Store
	pusher   Redeliverer
	interval time.Duration
	now      storage.Clock
	log      *slog.Logger
	metrics  *metrics.Registry

	// sweepMu keeps a manual RunOnce from overlapping a tick.
	sweepMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the wall clock used for expiry decisions.
func WithClock(now storage.Clock) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = reg }
}

// New creates a Scheduler. Call Start to begin sweeping.
func New(store storage.Store, pusher Redeliverer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		pusher:   pusher,
		interval: DefaultInterval,
		now:      storage.SystemClock,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Interval returns the configured sweep period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start launches the sweep goroutine. It returns immediately; the first sweep
// runs one interval after Start. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// ─── Sweep ───────────────────────────────────────────────────────────────────

// RunOnce performs one full pass: resend every retry candidate, then report
// and mark expired messages.
func (s *Scheduler) RunOnce(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	var res SweepResult

	candidates, err := s.store.ListRetryCandidates(ctx)
	if err != nil {
		s.log.Warn("retry sweep: list candidates failed", "err", err)
		res.Errors++
	}
	res.Candidates = len(candidates)
	for _, msg := range candidates {
		if ctx.Err() != nil {
			break
		}
		s.retry(ctx, msg, &res)
	}

	if ctx.Err() == nil {
		s.expire(ctx, &res)
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if res.Candidates > 0 || res.Expired > 0 || res.Errors > 0 {
		s.log.Info("retry sweep",
			"candidates", res.Candidates,
			"delivered", res.Delivered,
			"unreachable", res.Unreachable,
			"push_failed", res.PushFailed,
			"expired", res.Expired,
			"errors", res.Errors,
			"took", time.Since(start))
	}
	return res
}

// retry handles one candidate. The push happens outside storage.Mutate so a
// conflict never causes a second push; the outcome is then recorded against
// a fresh read, letting a concurrent acknowledgment win.
func (s *Scheduler) retry(ctx context.Context, msg *types.Message, res *SweepResult) {
	fresh, err := s.store.Get(ctx, msg.ID)
	if err != nil {
		s.log.Warn("retry: reload failed", "msg_id", msg.ID, "err", err)
		res.Errors++
		return
	}
	if !fresh.IsRetryCandidate(s.now()) {
		res.Skipped++
		return
	}

	pushErr := s.pusher.Redeliver(ctx, fresh)
	var result string
	switch {
	case pushErr == nil:
		result = metrics.ResultDelivered
	case errors.Is(pushErr, delivery.ErrUnreachable):
		result = metrics.ResultUnreachable
	default:
		s.log.Warn("retry: push failed", "msg_id", fresh.ID, "recipient", fresh.RecipientID, "err", pushErr)
		res.PushFailed++
		s.countAttempt(metrics.ResultFailed)
		return
	}

	recorded := false
	_, err = storage.Mutate(ctx, s.store, fresh.ID, func(m *types.Message) (bool, error) {
		recorded = false
		if !m.IsRetryCandidate(s.now()) {
			return false, nil
		}
		m.RetryAttempts++
		switch {
		case result == metrics.ResultDelivered && m.State != types.StateDelivered:
			m.State = types.StateDelivered
		case result == metrics.ResultUnreachable && m.State == types.StateCreated:
			m.State = types.StateQueued
		}
		recorded = true
		return true, nil
	})
	if err != nil {
		s.log.Warn("retry: persist attempt failed", "msg_id", fresh.ID, "err", err)
		res.Errors++
		return
	}
	if !recorded {
		res.Skipped++
		return
	}

	if result == metrics.ResultDelivered {
		res.Delivered++
	} else {
		res.Unreachable++
	}
	s.countAttempt(result)
}

func (s *Scheduler) countAttempt(result string) {
	if s.metrics != nil {
		s.metrics.RetryAttempts.WithLabelValues(result).Inc()
	}
}

// expire reports every expired, unacknowledged message and persists Expired
// on records that do not carry it yet. Records are never deleted.
func (s *Scheduler) expire(ctx context.Context, res *SweepResult) {
	expired, err := s.store.ListExpiredUnacknowledged(ctx)
	if err != nil {
		s.log.Warn("retry sweep: list expired failed", "err", err)
		res.Errors++
		return
	}
	res.Expired = len(expired)

	for _, msg := range expired {
		if msg.State == types.StateExpired {
			continue
		}
		marked := false
		_, err := storage.Mutate(ctx, s.store, msg.ID, func(m *types.Message) (bool, error) {
			marked = false
			if m.State == types.StateExpired || !m.IsExpired(s.now()) {
				return false, nil
			}
			m.State = types.StateExpired
			marked = true
			return true, nil
		})
		if err != nil {
			s.log.Warn("retry: mark expired failed", "msg_id", msg.ID, "err", err)
			res.Errors++
			continue
		}
		if !marked {
			continue
		}
		res.NewlyMarked++
		if s.metrics != nil {
			s.metrics.Expired.Inc()
		}
		s.log.Info("message expired unacknowledged",
			"msg_id", msg.ID,
			"recipient", msg.RecipientID,
			"retry_attempts", msg.RetryAttempts,
			"created_at", time.UnixMilli(msg.CreatedAt).UTC())
	}
}
