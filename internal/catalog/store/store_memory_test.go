package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"ratebook/internal/catalog/models"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
)

type CatalogStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	now   time.Time
}

func TestCatalogStoreSuite(t *testing.T) {
	suite.Run(t, new(CatalogStoreSuite))
}

func (s *CatalogStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
}

func (s *CatalogStoreSuite) newProduct(cusip string) (*models.Product, *models.RateVersion) {
	parsed, err := id.ParseCUSIP(cusip)
	s.Require().NoError(err)

	p, err := models.NewProduct(id.NewProductID(), parsed, "Test Product", models.CategoryAnnuity,
		decimal.RequireFromString("4.5"), decimal.RequireFromString("0.5"),
		decimal.RequireFromString("1000"), nil, false, nil, "", s.now)
	s.Require().NoError(err)

	rv := &models.RateVersion{
		ID:            uuid.New(),
		ProductID:     p.ID,
		BaseRate:      p.BaseRate,
		BonusRate:     p.BonusRate,
		EffectiveFrom: s.now,
		Author:        "admin-1",
		CreatedAt:     s.now,
	}
	return p, rv
}

func (s *CatalogStoreSuite) create(cusip string) *models.Product {
	p, rv := s.newProduct(cusip)
	s.Require().NoError(s.store.Create(s.ctx, p, rv))
	return p
}

func (s *CatalogStoreSuite) TestCreateAndLookups() {
	s.Run("creates and finds by ID and CUSIP", func() {
		p := s.create("123456789")

		found, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Equal(p.CUSIP, found.CUSIP)

		found, err = s.store.FindByCUSIP(s.ctx, p.CUSIP)
		s.Require().NoError(err)
		s.Equal(p.ID, found.ID)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		_, err := s.store.FindByID(s.ctx, id.NewProductID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects duplicate CUSIP", func() {
		s.create("037833100")
		dup, rv := s.newProduct("037833100")
		err := s.store.Create(s.ctx, dup, rv)
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("returned product is a copy", func() {
		p := s.create("594918104")
		found, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().NoError(err)
		found.Name = "mutated"

		again, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Equal("Test Product", again.Name)
	})
}

func (s *CatalogStoreSuite) TestApplyRateChange() {
	rateChange := func(p *models.Product, effective time.Time) (*models.Product, *models.RateVersion) {
		after := p.Clone()
		after.BaseRate = decimal.RequireFromString("4.75")
		after.Version++
		next := &models.RateVersion{
			ID:            uuid.New(),
			ProductID:     p.ID,
			BaseRate:      after.BaseRate,
			BonusRate:     after.BonusRate,
			EffectiveFrom: effective,
			Author:        "admin-1",
			CreatedAt:     effective,
		}
		return after, next
	}

	s.Run("closes the open version at the new effective date", func() {
		p := s.create("123456789")
		effective := s.now.AddDate(0, 5, 0)
		after, next := rateChange(p, effective)
		s.Require().NoError(s.store.ApplyRateChange(s.ctx, after, next))

		history, err := s.store.History(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Require().Len(history, 2)

		closed, open := history[0], history[1]
		s.Require().NotNil(closed.EffectiveTo)
		s.True(closed.EffectiveTo.Equal(open.EffectiveFrom), "history must be gapless")
		s.True(open.IsOpen())

		found, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().NoError(err)
		s.True(found.BaseRate.Equal(decimal.RequireFromString("4.75")), "denormalized rate follows the open version")
		s.Equal(int64(2), found.Version)
	})

	s.Run("stale version loses the compare-and-swap", func() {
		p := s.create("037833100")
		after, next := rateChange(p, s.now.AddDate(0, 1, 0))
		s.Require().NoError(s.store.ApplyRateChange(s.ctx, after, next))

		// Re-apply from the same read: version 1 -> 2 again.
		stale, staleNext := rateChange(p, s.now.AddDate(0, 2, 0))
		err := s.store.ApplyRateChange(s.ctx, stale, staleNext)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("same-instant effective date conflicts", func() {
		p := s.create("594918104")
		after, next := rateChange(p, s.now)
		err := s.store.ApplyRateChange(s.ctx, after, next)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("earlier effective date is invalid", func() {
		p := s.create("88160R101")
		after, next := rateChange(p, s.now.AddDate(0, 0, -1))
		err := s.store.ApplyRateChange(s.ctx, after, next)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *CatalogStoreSuite) TestOpenVersionInvariant() {
	s.Run("reads fail loudly on corrupted history", func() {
		p := s.create("123456789")

		// Corrupt the history behind the store's back: close the open
		// version without opening a successor.
		s.store.mu.Lock()
		closedAt := s.now
		s.store.versions[p.ID][0].EffectiveTo = &closedAt
		s.store.mu.Unlock()

		_, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().ErrorIs(err, sentinel.ErrCorrupted)

		_, err = s.store.ListCurrent(s.ctx)
		s.Require().ErrorIs(err, sentinel.ErrCorrupted)
	})
}

func (s *CatalogStoreSuite) TestAddWindow() {
	window := func(p *models.Product, start, end string, version int64) (*models.Product, *models.AvailabilityWindow) {
		after := p.Clone()
		after.Version = version
		st, err := time.Parse(time.DateOnly, start)
		s.Require().NoError(err)
		en, err := time.Parse(time.DateOnly, end)
		s.Require().NoError(err)
		return after, &models.AvailabilityWindow{
			ID:        uuid.New(),
			ProductID: p.ID,
			Start:     st,
			End:       en,
			Active:    true,
			Author:    "admin-1",
			CreatedAt: s.now,
		}
	}

	s.Run("rejects overlap with an active window", func() {
		p := s.create("123456789")
		after, w := window(p, "2024-01-01", "2024-06-30", 2)
		s.Require().NoError(s.store.AddWindow(s.ctx, after, w))

		after2, w2 := window(p, "2024-06-30", "2024-12-31", 3)
		err := s.store.AddWindow(s.ctx, after2, w2)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("accepts disjoint windows", func() {
		p := s.create("037833100")
		after, w := window(p, "2024-01-01", "2024-03-31", 2)
		s.Require().NoError(s.store.AddWindow(s.ctx, after, w))

		after2, w2 := window(p, "2024-09-01", "2024-12-31", 3)
		s.Require().NoError(s.store.AddWindow(s.ctx, after2, w2))

		windows, err := s.store.Windows(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Len(windows, 2)
	})
}

func (s *CatalogStoreSuite) TestUpdateStatus() {
	s.Run("flips the active flag under compare-and-swap", func() {
		p := s.create("123456789")
		after := p.Clone()
		after.Active = false
		after.Version = 2
		s.Require().NoError(s.store.UpdateStatus(s.ctx, after))

		found, err := s.store.FindByID(s.ctx, p.ID)
		s.Require().NoError(err)
		s.False(found.Active)

		// The deactivated product still reads back; never hard-deleted.
		history, err := s.store.History(s.ctx, p.ID)
		s.Require().NoError(err)
		s.NotEmpty(history)
	})

	s.Run("stale version conflicts", func() {
		p := s.create("037833100")
		after := p.Clone()
		after.Active = false
		after.Version = 3
		err := s.store.UpdateStatus(s.ctx, after)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})
}
