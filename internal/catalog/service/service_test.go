package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"ratebook/internal/catalog/models"
	catalogStore "ratebook/internal/catalog/store"
	"ratebook/internal/ledger"
	ledgerMemory "ratebook/internal/ledger/store/memory"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/requestcontext"
)

type EngineSuite struct {
	suite.Suite
	catalog *catalogStore.InMemory
	audit   *ledgerMemory.Store
	engine  *Engine
	ctx     context.Context
	now     time.Time
	admin   id.Principal
	viewer  id.Principal
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.catalog = catalogStore.NewInMemory()
	s.audit = ledgerMemory.New()
	s.engine = New(s.catalog, s.audit)
	s.now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.admin = id.Principal{ID: "admin-1", Roles: []id.Role{id.RoleProductAdministrator}}
	s.viewer = id.Principal{ID: "viewer-1", Roles: []id.Role{id.RoleViewer}}
}

func (s *EngineSuite) createCommand(cusip string) models.CreateProductCommand {
	return models.CreateProductCommand{
		CUSIP:         cusip,
		Name:          "Fixed Annuity",
		Category:      "annuity",
		BaseRate:      decimal.RequireFromString("4.5"),
		BonusRate:     decimal.RequireFromString("0.5"),
		MinInvestment: decimal.RequireFromString("1000"),
	}
}

// createProduct registers a product under the given CUSIP. Subtests
// within one method share the suite stores, so each uses its own CUSIP.
func (s *EngineSuite) createProduct(cusip string) *models.Product {
	p, err := s.engine.CreateProduct(s.ctx, s.admin, s.createCommand(cusip))
	s.Require().NoError(err)
	return p
}

func (s *EngineSuite) entriesFor(p *models.Product) []*ledger.Entry {
	entries, err := s.audit.Query(s.ctx, ledger.Filter{TargetID: p.ID.String()})
	s.Require().NoError(err)
	return entries
}

func (s *EngineSuite) TestCreateProduct() {
	s.Run("creates product with open initial rate version", func() {
		p := s.createProduct("123456789")
		s.Equal("123456789", p.CUSIP.String())
		s.Equal(int64(1), p.Version)
		s.True(p.Active)

		history, err := s.catalog.History(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Require().Len(history, 1)
		s.True(history[0].IsOpen())
		s.True(history[0].EffectiveFrom.Equal(s.now))
	})

	s.Run("appends a creation ledger entry with no before-snapshot", func() {
		p := s.createProduct("037833100")
		entries := s.entriesFor(p)
		s.Require().Len(entries, 1)
		s.Equal(ledger.ActionProductCreated, entries[0].Action)
		s.Equal("admin-1", entries[0].Actor)
		s.Nil(entries[0].Before)
		s.NotNil(entries[0].After)
	})

	s.Run("rejects duplicate CUSIP", func() {
		s.createProduct("594918104")
		_, err := s.engine.CreateProduct(s.ctx, s.admin, s.createCommand("594918104"))
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("rejects base rate above 20", func() {
		cmd := s.createCommand("88160R101")
		cmd.BaseRate = decimal.RequireFromString("21")
		_, err := s.engine.CreateProduct(s.ctx, s.admin, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.catalog.FindByCUSIP(s.ctx, "88160R101")
		s.Error(err, "a rejected creation leaves no product behind")
	})

	s.Run("rejects combined rate above 25", func() {
		cmd := s.createCommand("30303M102")
		cmd.BaseRate = decimal.RequireFromString("20")
		cmd.BonusRate = decimal.RequireFromString("5.5")
		_, err := s.engine.CreateProduct(s.ctx, s.admin, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects unknown category", func() {
		cmd := s.createCommand("02079K305")
		cmd.Category = "bond"
		_, err := s.engine.CreateProduct(s.ctx, s.admin, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("viewer may not create", func() {
		_, err := s.engine.CreateProduct(s.ctx, s.viewer, s.createCommand("931142103"))
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *EngineSuite) TestUpdateRates() {
	s.Run("closes the prior version and opens the new one", func() {
		p := s.createProduct("123456789")
		effective := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

		updated, err := s.engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
			NewBase:         decimal.RequireFromString("4.75"),
			NewBonus:        decimal.RequireFromString("0.5"),
			EffectiveDate:   effective,
		})
		s.Require().NoError(err)
		s.Equal(int64(2), updated.Version)
		s.True(updated.BaseRate.Equal(decimal.RequireFromString("4.75")))

		history, err := s.catalog.History(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Require().Len(history, 2)
		s.Require().NotNil(history[0].EffectiveTo)
		s.True(history[0].EffectiveTo.Equal(effective), "prior version closes exactly where the new one opens")
		s.True(history[1].IsOpen())

		entries := s.entriesFor(p)
		s.Require().Len(entries, 2)
		s.Equal(ledger.ActionRatesUpdated, entries[1].Action)
		s.NotNil(entries[1].Before)
		s.NotNil(entries[1].After)
	})

	s.Run("rejects an effective date before the open version", func() {
		p := s.createProduct("037833100")
		_, err := s.engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
			NewBase:         decimal.RequireFromString("4.75"),
			NewBonus:        decimal.Zero,
			EffectiveDate:   s.now.AddDate(0, 0, -1),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("conflicts on a same-instant effective date", func() {
		p := s.createProduct("594918104")
		_, err := s.engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
			NewBase:         decimal.RequireFromString("4.75"),
			NewBonus:        decimal.Zero,
			EffectiveDate:   s.now,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("conflicts on a stale version token", func() {
		p := s.createProduct("88160R101")
		cmd := models.UpdateRatesCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
			NewBase:         decimal.RequireFromString("4.75"),
			NewBonus:        decimal.Zero,
			EffectiveDate:   s.now.AddDate(0, 1, 0),
		}
		_, err := s.engine.UpdateRates(s.ctx, s.admin, cmd)
		s.Require().NoError(err)

		// Second writer still holds the version it read before the first
		// commit.
		cmd.EffectiveDate = s.now.AddDate(0, 2, 0)
		_, err = s.engine.UpdateRates(s.ctx, s.admin, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("not found for unknown product", func() {
		_, err := s.engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
			ProductID:       id.NewProductID(),
			ExpectedVersion: 1,
			NewBase:         decimal.RequireFromString("4.75"),
			NewBonus:        decimal.Zero,
			EffectiveDate:   s.now.AddDate(0, 1, 0),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *EngineSuite) TestConcurrentUpdates() {
	p := s.createProduct("123456789")

	const writers = 2
	results := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
				ProductID:       p.ID,
				ExpectedVersion: p.Version,
				NewBase:         decimal.RequireFromString("4.75"),
				NewBonus:        decimal.Zero,
				EffectiveDate:   s.now.AddDate(0, 1, i+1),
			})
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case dErrors.HasCode(err, dErrors.CodeConflict):
			conflicted++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, succeeded, "exactly one writer wins")
	s.Equal(1, conflicted, "the loser sees a conflict")

	history, err := s.catalog.History(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(history, 2, "only the winning update entered history")
}

func (s *EngineSuite) TestSetAvailabilityWindow() {
	window := func(p *models.Product, version int64, start, end string) (*models.Product, error) {
		st, err := time.Parse(time.DateOnly, start)
		s.Require().NoError(err)
		en, err := time.Parse(time.DateOnly, end)
		s.Require().NoError(err)
		return s.engine.SetAvailabilityWindow(s.ctx, s.admin, models.SetAvailabilityWindowCommand{
			ProductID:       p.ID,
			ExpectedVersion: version,
			Start:           st,
			End:             en,
		})
	}

	s.Run("adds a window and bumps the version", func() {
		p := s.createProduct("123456789")
		updated, err := window(p, 1, "2024-01-01", "2024-12-31")
		s.Require().NoError(err)
		s.Equal(int64(2), updated.Version)

		windows, err := s.catalog.Windows(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Require().Len(windows, 1)
		s.True(windows[0].Active)
	})

	s.Run("rejects end before start", func() {
		p := s.createProduct("037833100")
		_, err := window(p, 1, "2024-12-31", "2024-01-01")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects overlap with an active window", func() {
		p := s.createProduct("594918104")
		_, err := window(p, 1, "2024-01-01", "2024-06-30")
		s.Require().NoError(err)

		_, err = window(p, 2, "2024-06-15", "2024-12-31")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("accepts disjoint seasonal windows", func() {
		p := s.createProduct("88160R101")
		_, err := window(p, 1, "2024-01-01", "2024-03-31")
		s.Require().NoError(err)

		_, err = window(p, 2, "2024-09-01", "2024-12-31")
		s.Require().NoError(err)
	})
}

func (s *EngineSuite) TestDeactivateAndReactivate() {
	s.Run("deactivation is soft and audited with a nil after-snapshot", func() {
		p := s.createProduct("123456789")
		updated, err := s.engine.Deactivate(s.ctx, s.admin, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
		})
		s.Require().NoError(err)
		s.False(updated.Active)
		s.Equal(int64(2), updated.Version)

		// Still present in the store, with its history intact.
		history, err := s.catalog.History(s.ctx, p.ID)
		s.Require().NoError(err)
		s.NotEmpty(history)

		entries := s.entriesFor(p)
		s.Require().Len(entries, 2)
		s.Equal(ledger.ActionProductDeactivated, entries[1].Action)
		s.NotNil(entries[1].Before)
		s.Nil(entries[1].After, "removal from view is marked by a nil after-snapshot")
	})

	s.Run("deactivating twice conflicts", func() {
		p := s.createProduct("037833100")
		updated, err := s.engine.Deactivate(s.ctx, s.admin, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
		})
		s.Require().NoError(err)

		_, err = s.engine.Deactivate(s.ctx, s.admin, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: updated.Version,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("reactivation restores visibility state", func() {
		p := s.createProduct("594918104")
		deactivated, err := s.engine.Deactivate(s.ctx, s.admin, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
		})
		s.Require().NoError(err)

		reactivated, err := s.engine.Reactivate(s.ctx, s.admin, models.ReactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: deactivated.Version,
		})
		s.Require().NoError(err)
		s.True(reactivated.Active)
		s.Equal(int64(3), reactivated.Version)
	})

	s.Run("viewer may not deactivate", func() {
		p := s.createProduct("88160R101")
		_, err := s.engine.Deactivate(s.ctx, s.viewer, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

// failingAppender simulates audit storage loss. Append fails after the
// given number of successes.
type failingAppender struct {
	inner     *ledgerMemory.Store
	succeed   int
	attempted int
}

func (f *failingAppender) Append(ctx context.Context, e *ledger.Entry) error {
	f.attempted++
	if f.attempted > f.succeed {
		return errors.New("ledger storage unavailable")
	}
	return f.inner.Append(ctx, e)
}

func (s *EngineSuite) TestLedgerAppendFailureAbortsMutation() {
	audit := &failingAppender{inner: s.audit, succeed: 1}
	engine := New(s.catalog, audit)

	p, err := engine.CreateProduct(s.ctx, s.admin, s.createCommand("123456789"))
	s.Require().NoError(err)

	_, err = engine.UpdateRates(s.ctx, s.admin, models.UpdateRatesCommand{
		ProductID:       p.ID,
		ExpectedVersion: p.Version,
		NewBase:         decimal.RequireFromString("4.75"),
		NewBonus:        decimal.Zero,
		EffectiveDate:   s.now.AddDate(0, 1, 0),
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerAppend))

	// The mutation aborted wholesale: rates, version, and history are
	// untouched, and no audit entry exists for the attempt.
	found, err := s.catalog.FindByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.True(found.BaseRate.Equal(decimal.RequireFromString("4.5")))
	s.Equal(int64(1), found.Version)

	history, err := s.catalog.History(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(history, 1)

	s.Len(s.entriesFor(p), 1, "only the creation entry exists")
}
