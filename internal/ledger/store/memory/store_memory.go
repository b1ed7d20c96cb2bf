// Package memory provides the in-memory ledger store used by tests and
// development wiring.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ratebook/internal/ledger"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
)

// Store keeps entries in insertion order behind a RWMutex. Query and
// ListForArchival hand out clones so callers can never reach the stored
// records.
type Store struct {
	mu      sync.RWMutex
	entries []*ledger.Entry
	byID    map[id.LedgerEntryID]*ledger.Entry
}

func New() *Store {
	return &Store{byID: make(map[id.LedgerEntryID]*ledger.Entry)}
}

func (s *Store) Append(_ context.Context, e *ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID.IsNil() {
		e.ID = id.NewLedgerEntryID()
	}
	if _, exists := s.byID[e.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	cp := e.Clone()
	s.entries = append(s.entries, cp)
	s.byID[cp.ID] = cp
	return nil
}

func (s *Store) Query(_ context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) ListForArchival(_ context.Context, cutoff time.Time) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Entry
	for _, e := range s.entries {
		if !e.Archived && e.Timestamp.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) MarkArchived(_ context.Context, ids []id.LedgerEntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entryID := range ids {
		e, ok := s.byID[entryID]
		if !ok {
			return sentinel.ErrNotFound
		}
		e.Before = nil
		e.After = nil
		e.Archived = true
		archivedAt := at
		e.ArchivedAt = &archivedAt
	}
	return nil
}

// ColdStore is the in-memory cold storage counterpart.
type ColdStore struct {
	mu      sync.RWMutex
	entries map[id.LedgerEntryID]*ledger.Entry
}

func NewColdStore() *ColdStore {
	return &ColdStore{entries: make(map[id.LedgerEntryID]*ledger.Entry)}
}

func (s *ColdStore) Put(_ context.Context, entries []*ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.entries[e.ID] = e.Clone()
	}
	return nil
}

func (s *ColdStore) Fetch(_ context.Context, entryID id.LedgerEntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}
