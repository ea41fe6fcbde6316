// Package memory provides a process-local storage.Store. Records are lost on
// restart; it backs tests and the "memory" storage backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/snehjoshi/herald/internal/node"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// Store keeps every message in maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	messages    map[string]*types.Message
	byRecipient map[string]map[string]struct{}
	open        map[string]struct{}
	closed      bool

	now storage.Clock
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for ids, CreatedAt and expiry.
func WithClock(now storage.Clock) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		messages:    make(map[string]*types.Message),
		byRecipient: make(map[string]map[string]struct{}),
		open:        make(map[string]struct{}),
		now:         storage.SystemClock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create implements storage.Store.
func (s *Store) Create(_ context.Context, recipientID, content string, limits types.Limits) (*types.Message, error) {
	now := s.now()
	id, err := node.NewIDAt(now)
	if err != nil {
		return nil, fmt.Errorf("memory: create: %w", err)
	}
	msg := types.NewMessage(id, recipientID, content, limits, now)
	msg.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	s.messages[id] = msg.Clone()
	set, ok := s.byRecipient[recipientID]
	if !ok {
		set = make(map[string]struct{})
		s.byRecipient[recipientID] = set
	}
	set[id] = struct{}{}
	s.open[id] = struct{}{}
	return msg, nil
}

// Get implements storage.Store.
func (s *Store) Get(_ context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return msg.Clone(), nil
}

// ListUnacknowledged implements storage.Store.
func (s *Store) ListUnacknowledged(_ context.Context, recipientID string) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []*types.Message
	for id := range s.byRecipient[recipientID] {
		msg := s.messages[id]
		if msg.IsAcknowledged() {
			continue
		}
		out = append(out, msg.Clone())
	}
	storage.SortByID(out)
	return out, nil
}

// ListRetryCandidates implements storage.Store.
func (s *Store) ListRetryCandidates(_ context.Context) ([]*types.Message, error) {
	now := s.now()
	return s.scanOpen(func(m *types.Message) bool { return m.IsRetryCandidate(now) })
}

// ListExpiredUnacknowledged implements storage.Store.
func (s *Store) ListExpiredUnacknowledged(_ context.Context) ([]*types.Message, error) {
	now := s.now()
	return s.scanOpen(func(m *types.Message) bool { return m.IsExpired(now) })
}

func (s *Store) scanOpen(keep func(*types.Message) bool) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []*types.Message
	for id := range s.open {
		if msg := s.messages[id]; keep(msg) {
			out = append(out, msg.Clone())
		}
	}
	storage.SortByID(out)
	return out, nil
}

// Update implements storage.Store.
func (s *Store) Update(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	stored, ok := s.messages[msg.ID]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := storage.PrepareUpdate(stored, msg)
	if err != nil {
		return err
	}
	s.messages[msg.ID] = next
	if next.IsAcknowledged() {
		delete(s.open, msg.ID)
	}
	*msg = *next.Clone()
	return nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Close implements storage.Store. Later calls fail with ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var errClosed = fmt.Errorf("memory: %w: store closed", storage.ErrUnavailable)
