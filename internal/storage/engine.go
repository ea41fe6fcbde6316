// Package storage defines the Store abstraction that owns every persisted
// message.
//
// Every component above it (dispatcher, acknowledgment handler, retry
// scheduler, broker) reads and mutates messages only through this interface
// and never caches a record beyond a single operation. Swapping the bbolt
// store for the Redis or in-memory one is a config change.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/snehjoshi/herald/internal/types"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by Update when the record changed since it was read.
var ErrConflict = errors.New("storage: version conflict")

// ErrInvalidTransition is returned by Update when the state change is not
// allowed by types.ValidTransition.
var ErrInvalidTransition = errors.New("storage: invalid state transition")

// ErrUnavailable wraps I/O failures of the underlying engine. It is transient
// and reported as retryable.
var ErrUnavailable = errors.New("storage: unavailable")

// Store is the single abstraction through which messages are persisted and
// queried.
//
// Implementations:
//   - local.Store     : single-node, bbolt-backed
//   - memory.Store    : process-local maps (dev/test)
//   - redisstore.Store: shared Redis instance
//
// All methods must be safe for concurrent use. Returned messages are copies;
// mutating them has no effect until they are passed to Update.
type Store interface {
	// Create allocates a new id and persists a message in state Created with
	// zero retry attempts.
	Create(ctx context.Context, recipientID, content string, limits types.Limits) (*types.Message, error)

	// Get returns the message or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Message, error)

	// ListUnacknowledged returns every message addressed to recipientID whose
	// state is not Acknowledged, ordered by id. Expired records are included;
	// callers filter by expiry as needed.
	ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error)

	// ListRetryCandidates returns every message that is not acknowledged, not
	// expired and below its retry ceiling, ordered by id.
	ListRetryCandidates(ctx context.Context) ([]*types.Message, error)

	// ListExpiredUnacknowledged returns every message that is expired (stored
	// or computed) and not acknowledged, ordered by id.
	ListExpiredUnacknowledged(ctx context.Context) ([]*types.Message, error)

	// Update persists msg when msg.Version matches the stored record, then
	// increments msg.Version. Returns ErrConflict on a stale version,
	// ErrInvalidTransition for an illegal state change and ErrNotFound for an
	// unknown id.
	Update(ctx context.Context, msg *types.Message) error

	// Close releases the underlying resources.
	Close() error
}

// Clock returns the current time. Stores and components take one so tests
// can drive expiry deterministically.
type Clock func() time.Time

// SystemClock is the production Clock.
func SystemClock() time.Time { return time.Now() }

// DefaultMutateAttempts bounds how often Mutate re-reads after a conflict.
const DefaultMutateAttempts = 8

// Mutate runs one read-modify-write cycle on message id.
//
// fn receives a fresh copy and reports whether it changed anything; an
// unchanged record is not written. When Update reports ErrConflict, Mutate
// re-reads the record and calls fn again, so fn must be a pure decision on the
// message it is given. The final persisted (or unchanged) message is returned.
func Mutate(ctx context.Context, s Store, id string, fn func(*types.Message) (bool, error)) (*types.Message, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(msg)
		if err != nil {
			return msg, err
		}
		if !changed {
			return msg, nil
		}
		err = s.Update(ctx, msg)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ─── Shared backend helpers ──────────────────────────────────────────────────

// PrepareUpdate checks msg against the stored record and returns the record a
// backend should write. Immutable fields always come from stored, so a caller
// can only change the lifecycle fields.
func PrepareUpdate(stored, msg *types.Message) (*types.Message, error) {
	if msg.Version != stored.Version {
		return nil, ErrConflict
	}
	if msg.State != stored.State && !types.ValidTransition(stored.State, msg.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stored.State, msg.State)
	}

	next := msg.Clone()
	next.ID = stored.ID
	next.RecipientID = stored.RecipientID
	next.Content = stored.Content
	next.CreatedAt = stored.CreatedAt
	next.MaxRetryAttempts = stored.MaxRetryAttempts
	next.TimeoutMs = stored.TimeoutMs
	if next.RetryAttempts > next.MaxRetryAttempts {
		next.RetryAttempts = next.MaxRetryAttempts
	}
	if next.State != types.StateAcknowledged {
		next.AcknowledgedAt = 0
	}
	next.Version = stored.Version + 1
	return next, nil
}

// SortByID orders messages by id. ULIDs sort in creation order.
func SortByID(msgs []*types.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}
