// Package redisstore is a storage.Store backed by Redis, so several server
// nodes can share one message store.
//
// Key layout (every key starts with the configured prefix, "herald:" by
// default):
//
//	<prefix>msg:<id>            string  JSON-encoded types.Message
//	<prefix>rcpt:<recipientID>  zset    ids addressed to the recipient
//	<prefix>open                zset    ids not yet acknowledged
//
// Both sorted sets use score 0, so ZRANGE returns members in id order.
// Update runs under WATCH/MULTI on the record key; a concurrent writer aborts
// the transaction and surfaces as storage.ErrConflict.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/herald/internal/node"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// DefaultPrefix namespaces keys when no prefix is configured.
const DefaultPrefix = "herald:"

// Store implements storage.Store on a go-redis client.
type Store struct {
	client *redis.Client
	prefix string
	now    storage.Clock
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock replaces the wall clock used for ids, CreatedAt and expiry.
func WithClock(now storage.Clock) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an existing client. Close closes the client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, now: storage.SystemClock}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial parses redisURL (redis://host:port/db), connects and pings.
func Dial(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w: %w", storage.ErrUnavailable, err)
	}
	return New(client, opts...), nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ─── Keys ────────────────────────────────────────────────────────────────────

func (s *Store) msgKey(id string) string           { return s.prefix + "msg:" + id }
func (s *Store) rcptKey(recipientID string) string { return s.prefix + "rcpt:" + recipientID }
func (s *Store) openKey() string                   { return s.prefix + "open" }

// ─── storage.Store implementation ────────────────────────────────────────────

// Create implements storage.Store.
func (s *Store) Create(ctx context.Context, recipientID, content string, limits types.Limits) (*types.Message, error) {
	now := s.now()
	id, err := node.NewIDAt(now)
	if err != nil {
		return nil, fmt.Errorf("redisstore: create: %w", err)
	}
	msg := types.NewMessage(id, recipientID, content, limits, now)
	msg.Version = 1

	val, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("redisstore: marshal: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.msgKey(id), val, 0)
		pipe.ZAdd(ctx, s.rcptKey(recipientID), redis.Z{Member: id})
		pipe.ZAdd(ctx, s.openKey(), redis.Z{Member: id})
		return nil
	})
	if err != nil {
		return nil, unavailable("create", err)
	}
	return msg, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, id string) (*types.Message, error) {
	msg, err := s.get(ctx, s.client, id)
	if err != nil {
		return nil, unavailable("get", err)
	}
	return msg, nil
}

func (s *Store) get(ctx context.Context, c redis.Cmdable, id string) (*types.Message, error) {
	val, err := c.Get(ctx, s.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(val)
}

// ListUnacknowledged implements storage.Store.
func (s *Store) ListUnacknowledged(ctx context.Context, recipientID string) ([]*types.Message, error) {
	msgs, err := s.loadSet(ctx, s.rcptKey(recipientID))
	if err != nil {
		return nil, unavailable("list unacknowledged", err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !m.IsAcknowledged() {
			out = append(out, m)
		}
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
	msgs, err := s.loadSet(ctx, s.openKey())
	if err != nil {
		return nil, unavailable(op, err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !m.IsAcknowledged() && keep(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// loadSet reads every record whose id is a member of the sorted set at key.
func (s *Store) loadSet(ctx context.Context, key string) ([]*types.Message, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Dangling set member; the record is authoritative.
			continue
		}
		msg, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	storage.SortByID(out)
	return out, nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, msg *types.Message) error {
	key := s.msgKey(msg.ID)
	var next *types.Message

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.get(ctx, tx, msg.ID)
		if err != nil {
			return err
		}
		next, err = storage.PrepareUpdate(stored, msg)
		if err != nil {
			return err
		}
		val, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, 0)
			if next.IsAcknowledged() {
				pipe.ZRem(ctx, s.openKey(), next.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrConflict
	}
	if err != nil {
		return unavailable("update", err)
	}
	*msg = *next
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(val []byte) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(val, &msg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &msg, nil
}

// unavailable passes the store's own sentinels through and wraps everything
// else as storage.ErrUnavailable.
func unavailable(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("redisstore: %s: %w: %w", op, storage.ErrUnavailable, err)
}
