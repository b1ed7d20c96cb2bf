package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ratebook/internal/ledger"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
)

type LedgerStoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
	now   time.Time
}

func TestLedgerStoreSuite(t *testing.T) {
	suite.Run(t, new(LedgerStoreSuite))
}

func (s *LedgerStoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
	s.now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
}

func (s *LedgerStoreSuite) newEntry(actor, targetID string, at time.Time) *ledger.Entry {
	return &ledger.Entry{
		ID:         id.NewLedgerEntryID(),
		Actor:      actor,
		Action:     ledger.ActionRatesUpdated,
		TargetType: ledger.TargetProduct,
		TargetID:   targetID,
		Before:     json.RawMessage(`{"base_rate":"4.5"}`),
		After:      json.RawMessage(`{"base_rate":"4.75"}`),
		Timestamp:  at,
	}
}

func (s *LedgerStoreSuite) TestAppend() {
	s.Run("assigns an ID when absent", func() {
		e := s.newEntry("admin-1", "p1", s.now)
		e.ID = id.LedgerEntryID{}
		s.Require().NoError(s.store.Append(s.ctx, e))
		s.False(e.ID.IsNil())
	})

	s.Run("rejects duplicate IDs", func() {
		e := s.newEntry("admin-1", "p1", s.now)
		s.Require().NoError(s.store.Append(s.ctx, e))
		err := s.store.Append(s.ctx, e)
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("rejects entries without a target", func() {
		e := s.newEntry("admin-1", "", s.now)
		s.Require().Error(s.store.Append(s.ctx, e))
	})

	s.Run("stores a clone", func() {
		e := s.newEntry("admin-1", "p2", s.now)
		s.Require().NoError(s.store.Append(s.ctx, e))
		e.Actor = "mutated"

		entries, err := s.store.Query(s.ctx, ledger.Filter{TargetID: "p2"})
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal("admin-1", entries[0].Actor)
	})
}

func (s *LedgerStoreSuite) TestQuery() {
	s.Require().NoError(s.store.Append(s.ctx, s.newEntry("admin-1", "p1", s.now)))
	s.Require().NoError(s.store.Append(s.ctx, s.newEntry("admin-2", "p2", s.now.Add(time.Hour))))
	s.Require().NoError(s.store.Append(s.ctx, s.newEntry("admin-1", "p2", s.now.Add(2*time.Hour))))

	s.Run("filters by actor", func() {
		entries, err := s.store.Query(s.ctx, ledger.Filter{Actor: "admin-1"})
		s.Require().NoError(err)
		s.Len(entries, 2)
	})

	s.Run("filters by target and time range", func() {
		entries, err := s.store.Query(s.ctx, ledger.Filter{
			TargetID: "p2",
			From:     s.now.Add(90 * time.Minute),
		})
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal("admin-1", entries[0].Actor)
	})

	s.Run("orders by timestamp ascending", func() {
		entries, err := s.store.Query(s.ctx, ledger.Filter{})
		s.Require().NoError(err)
		s.Require().Len(entries, 3)
		for i := 1; i < len(entries); i++ {
			s.False(entries[i].Timestamp.Before(entries[i-1].Timestamp))
		}
	})
}

func (s *LedgerStoreSuite) TestArchivalLifecycle() {
	old := s.newEntry("admin-1", "p1", s.now.AddDate(-8, 0, 0))
	recent := s.newEntry("admin-1", "p1", s.now)
	s.Require().NoError(s.store.Append(s.ctx, old))
	s.Require().NoError(s.store.Append(s.ctx, recent))

	s.Run("lists only unarchived entries past the cutoff", func() {
		due, err := s.store.ListForArchival(s.ctx, s.now.AddDate(-7, 0, 0))
		s.Require().NoError(err)
		s.Require().Len(due, 1)
		s.Equal(old.ID, due[0].ID)
	})

	s.Run("tombstone keeps actor, action, target, and timestamp", func() {
		s.Require().NoError(s.store.MarkArchived(s.ctx, []id.LedgerEntryID{old.ID}, s.now))

		entries, err := s.store.Query(s.ctx, ledger.Filter{TargetID: "p1"})
		s.Require().NoError(err)

		var tombstone *ledger.Entry
		for _, e := range entries {
			if e.ID == old.ID {
				tombstone = e
			}
		}
		s.Require().NotNil(tombstone)
		s.True(tombstone.Archived)
		s.Require().NotNil(tombstone.ArchivedAt)
		s.Nil(tombstone.Before, "snapshots leave the online store")
		s.Nil(tombstone.After)
		s.Equal("admin-1", tombstone.Actor)
		s.Equal(ledger.ActionRatesUpdated, tombstone.Action)
		s.Equal("p1", tombstone.TargetID)
		s.True(tombstone.Timestamp.Equal(old.Timestamp))
	})

	s.Run("archived entries never come due again", func() {
		due, err := s.store.ListForArchival(s.ctx, s.now.Add(time.Minute))
		s.Require().NoError(err)
		s.Require().Len(due, 1)
		s.Equal(recent.ID, due[0].ID)
	})

	s.Run("marking an unknown entry fails", func() {
		err := s.store.MarkArchived(s.ctx, []id.LedgerEntryID{id.NewLedgerEntryID()}, s.now)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *LedgerStoreSuite) TestColdStore() {
	cold := NewColdStore()
	e := s.newEntry("admin-1", "p1", s.now)

	s.Require().NoError(cold.Put(s.ctx, []*ledger.Entry{e}))

	fetched, err := cold.Fetch(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(e.Actor, fetched.Actor)
	s.JSONEq(string(e.After), string(fetched.After))

	_, err = cold.Fetch(s.ctx, id.NewLedgerEntryID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
