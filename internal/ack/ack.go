// Package ack is the only path that moves a message to Acknowledged.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// ErrExpired is returned when the message expired before it was acknowledged.
var ErrExpired = errors.New("ack: message expired")

// Handler records recipient acknowledgments.
type Handler struct {
	store   storage.Store
	now     storage.Clock
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock replaces the wall clock used for AcknowledgedAt and expiry.
func WithClock(now storage.Clock) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Handler) { h.metrics = reg }
}

// New creates a Handler on top of store.
func New(store storage.Store, opts ...Option) *Handler {
	h := &Handler{store: store, now: storage.SystemClock, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Acknowledge marks message id as acknowledged.
//
//   - unknown id: false, nil
//   - already acknowledged: true, nil (no write)
//   - expired: false, ErrExpired (no write)
//   - otherwise: Acknowledged with AcknowledgedAt = now; true, nil
//
// Concurrent calls for the same id produce exactly one state transition; the
// losers re-read under storage.Mutate and observe the acknowledged record.
func (h *Handler) Acknowledge(ctx context.Context, id string) (bool, error) {
	transitioned := false
	_, err := storage.Mutate(ctx, h.store, id, func(m *types.Message) (bool, error) {
		transitioned = false
		if m.IsAcknowledged() {
			return false, nil
		}
		now := h.now()
		if m.IsExpired(now) {
			return false, ErrExpired
		}
		m.State = types.StateAcknowledged
		m.AcknowledgedAt = now.UTC().UnixMilli()
		transitioned = true
		return true, nil
	})

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case errors.Is(err, ErrExpired):
		return false, ErrExpired
	case err != nil:
		return false, fmt.Errorf("ack: %s: %w", id, err)
	}

	if transitioned {
		if h.metrics != nil {
			h.metrics.Acknowledged.Inc()
		}
		h.log.Debug("acknowledged", "msg_id", id)
	}
	return true, nil
}
