// Package local is the single-node storage.Store backed by a bbolt file.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/herald/internal/node"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

const dbFileName = "messages.db"

// ─── Local Storage Config ────────────────────────────────────────────────────

// Config holds options that tune local.Store behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	// Timeout bounds how long Open waits for the file lock held by another
	// process.
	Timeout time.Duration
	// NoSync skips fsync after each commit. Tests only.
	NoSync bool
	// Now is the clock used for ids, CreatedAt and expiry.
	Now storage.Clock
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: time.Second,
		Now:     storage.SystemClock,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the local, single-node implementation of storage.Store.
//
// Every write is one bbolt read-write transaction covering the record and its
// two indexes. bbolt serialises writers, which is what makes the version check
// in Update atomic. All methods are safe for concurrent use.
type Store struct {
	db  *bbolt.DB
	dir string
	now storage.Clock

	closeOnce sync.Once // guards Close so it is safe to call multiple times
}

// Ensure Store satisfies the interface at compile time.
var _ storage.Store = (*Store)(nil)

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open creates (or reopens) messages.db in dir. An optional Config can be
// supplied; defaults are used for any zero field.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Timeout > 0 {
			cfg.Timeout = c.Timeout
		}
		if c.Now != nil {
			cfg.Now = c.Now
		}
		cfg.NoSync = c.NoSync
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("local storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketByRecipient, bucketOpen} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local storage: init buckets: %w", err)
	}

	return &Store{db: db, dir: dir, now: cfg.Now}, nil
}

// Dir returns the directory holding messages.db.
func (s *Store) Dir() string { return s.dir }

// ─── storage.Store implementation ────────────────────────────────────────────

// Create implements storage.Store.
func (s *Store) Create(ctx context.Context, recipientID, content string, limits types.Limits) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	id, err := node.NewIDAt(now)
	if err != nil {
		return nil, fmt.Errorf("local storage: create: %w", err)
	}
	msg := types.NewMessage(id, recipientID, content, limits, now)
	msg.Version = 1

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return putMessage(tx, msg)
	}); err != nil {
		return nil, unavailable("create", err)
	}
	return msg, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, id string) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg *types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx, []byte(id))
		return err
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if msg == nil {
		return nil, storage.ErrNotFound
	}
	return msg, nil
}

// ListUnacknowledged implements storage.Store. It walks the recipient index
// and skips acknowledged entries without decoding their records.
func (s *Store) ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachRecipient(tx, recipientID, func(id []byte, state types.State) error {
			if state == types.StateAcknowledged {
				return nil
			}
			msg, err := getMessage(tx, id)
			if err != nil || msg == nil {
				return err
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list unacknowledged", err)
	}
	return out, nil
}

// ListRetryCandidates implements storage.Store.
func (s *Store) ListRetryCandidates(ctx context.Context) ([]*types.Message, error) {
	now := s.now()
	return s.scanOpen(ctx, "list retry candidates", func(m *types.Message) bool {
		return m.IsRetryCandidate(now)
	})
}

// ListExpiredUnacknowledged implements storage.Store.
func (s *Store) ListExpiredUnacknowledged(ctx context.Context) ([]*types.Message, error) {
	now := s.now()
	return s.scanOpen(ctx, "list expired", func(m *types.Message) bool {
		return m.IsExpired(now)
	})
}

func (s *Store) scanOpen(ctx context.Context, op string, keep func(*types.Message) bool) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachOpen(tx, func(msg *types.Message) error {
			if keep(msg) {
				out = append(out, msg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var next *types.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stored, err := getMessage(tx, []byte(msg.ID))
		if err != nil {
			return err
		}
		if stored == nil {
			return storage.ErrNotFound
		}
		next, err = storage.PrepareUpdate(stored, msg)
		if err != nil {
			return err
		}
		return putMessage(tx, next)
	})
	if err != nil {
		return unavailable("update", err)
	}
	*msg = *next
	return nil
}

// Close closes the bbolt database.
// Safe to call multiple times; only the first call performs the actual close.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			closeErr = fmt.Errorf("local storage: close: %w", err)
		}
	})
	return closeErr
}

// unavailable passes the store's own sentinels through and wraps everything
// else (bbolt, I/O, decoding) as storage.ErrUnavailable.
func unavailable(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("local storage: %s: %w: %w", op, storage.ErrUnavailable, err)
}
