package visibility

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"ratebook/internal/catalog/models"
	catalogService "ratebook/internal/catalog/service"
	catalogStore "ratebook/internal/catalog/store"
	"ratebook/internal/ledger"
	ledgerMemory "ratebook/internal/ledger/store/memory"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/requestcontext"
)

type FilterSuite struct {
	suite.Suite
	catalog *catalogStore.InMemory
	audit   *ledgerMemory.Store
	engine  *catalogService.Engine
	filter  *Filter
	now     time.Time
	ctx     context.Context

	viewer   id.Principal
	manager  id.Principal
	prodAdm  id.Principal
	sysAdm   id.Principal
	stranger id.Principal
}

func TestFilterSuite(t *testing.T) {
	suite.Run(t, new(FilterSuite))
}

func (s *FilterSuite) SetupTest() {
	s.catalog = catalogStore.NewInMemory()
	s.audit = ledgerMemory.New()
	s.engine = catalogService.New(s.catalog, s.audit)
	s.filter = New(s.catalog, s.audit)
	s.now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	s.viewer = id.Principal{ID: "viewer-1", Roles: []id.Role{id.RoleViewer}}
	s.manager = id.Principal{ID: "manager-1", Roles: []id.Role{id.RoleManager}}
	s.prodAdm = id.Principal{ID: "padmin-1", Roles: []id.Role{id.RoleProductAdministrator}}
	s.sysAdm = id.Principal{ID: "sadmin-1", Roles: []id.Role{id.RoleSystemAdministrator}}
	s.stranger = id.Principal{ID: "nobody-1"}
}

// seedProduct creates a product and, optionally, an availability window.
func (s *FilterSuite) seedProduct(cusip, start, end string) *models.Product {
	p, err := s.engine.CreateProduct(s.ctx, s.prodAdm, models.CreateProductCommand{
		CUSIP:         cusip,
		Name:          "Fixed Annuity " + cusip,
		Category:      "annuity",
		BaseRate:      decimal.RequireFromString("4.5"),
		BonusRate:     decimal.RequireFromString("0.5"),
		MinInvestment: decimal.RequireFromString("1000"),
	})
	s.Require().NoError(err)

	if start != "" {
		st, err := time.Parse(time.DateOnly, start)
		s.Require().NoError(err)
		en, err := time.Parse(time.DateOnly, end)
		s.Require().NoError(err)
		p, err = s.engine.SetAvailabilityWindow(s.ctx, s.prodAdm, models.SetAvailabilityWindowCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
			Start:           st,
			End:             en,
		})
		s.Require().NoError(err)
	}
	return p
}

func (s *FilterSuite) listFor(principal id.Principal, at time.Time, q Query) ([]*models.Product, error) {
	ctx := requestcontext.WithTime(context.Background(), at)
	var out []*models.Product
	for p, err := range s.filter.Products(ctx, principal, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FilterSuite) date(d string) time.Time {
	t, err := time.Parse(time.DateOnly, d)
	s.Require().NoError(err)
	return t
}

func (s *FilterSuite) TestProductsScoping() {
	s.Run("viewer sees products only inside their window", func() {
		s.seedProduct("123456789", "2024-01-01", "2024-12-31")

		inWindow, err := s.listFor(s.viewer, s.date("2024-06-01"), Query{})
		s.Require().NoError(err)
		s.Len(inWindow, 1)

		outOfWindow, err := s.listFor(s.viewer, s.date("2025-01-01"), Query{})
		s.Require().NoError(err)
		s.Empty(outOfWindow)
	})

	s.Run("manager scope matches viewer scope", func() {
		s.seedProduct("037833100", "2024-01-01", "2024-06-30")

		visible, err := s.listFor(s.manager, s.date("2024-03-01"), Query{})
		s.Require().NoError(err)
		s.Len(visible, 1)
	})

	s.Run("product without any window is invisible to viewers", func() {
		s.seedProduct("594918104", "", "")

		visible, err := s.listFor(s.viewer, s.now, Query{CUSIP: "594918104"})
		s.Require().NoError(err)
		s.Empty(visible)

		adminVisible, err := s.listFor(s.prodAdm, s.now, Query{CUSIP: "594918104"})
		s.Require().NoError(err)
		s.Len(adminVisible, 1)
	})

	s.Run("deactivated product disappears for viewers, not admins", func() {
		p := s.seedProduct("88160R101", "2024-01-01", "2024-12-31")
		_, err := s.engine.Deactivate(s.ctx, s.prodAdm, models.DeactivateCommand{
			ProductID:       p.ID,
			ExpectedVersion: p.Version,
		})
		s.Require().NoError(err)

		visible, err := s.listFor(s.viewer, s.date("2024-06-01"), Query{CUSIP: "88160R101"})
		s.Require().NoError(err)
		s.Empty(visible)

		adminVisible, err := s.listFor(s.sysAdm, s.date("2024-06-01"), Query{CUSIP: "88160R101"})
		s.Require().NoError(err)
		s.Len(adminVisible, 1)
		s.False(adminVisible[0].Active)
	})

	s.Run("roleless principal is refused", func() {
		_, err := s.listFor(s.stranger, s.now, Query{})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("category and cusip-prefix filters narrow the listing", func() {
		s.seedProduct("931142103", "2024-01-01", "2024-12-31")

		none, err := s.listFor(s.prodAdm, s.now, Query{Category: models.CategoryCD, CUSIP: "931"})
		s.Require().NoError(err)
		s.Empty(none)

		one, err := s.listFor(s.prodAdm, s.now, Query{Category: models.CategoryAnnuity, CUSIP: "931"})
		s.Require().NoError(err)
		s.Len(one, 1)
	})
}

func (s *FilterSuite) TestProductScoping() {
	s.Run("out-of-scope product reads as not found", func() {
		p := s.seedProduct("123456789", "", "")

		_, err := s.filter.Product(s.ctx, s.viewer, p.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "existence must not leak")

		found, err := s.filter.Product(s.ctx, s.prodAdm, p.ID)
		s.Require().NoError(err)
		s.Equal(p.ID, found.ID)
	})

	s.Run("unknown product is not found for everyone", func() {
		_, err := s.filter.Product(s.ctx, s.sysAdm, id.NewProductID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *FilterSuite) TestHistoryAndWindows() {
	p := s.seedProduct("123456789", "2024-01-01", "2024-12-31")

	s.Run("admins read full history", func() {
		history, err := s.filter.History(s.ctx, s.prodAdm, p.ID)
		s.Require().NoError(err)
		s.Len(history, 1)

		windows, err := s.filter.Windows(s.ctx, s.sysAdm, p.ID)
		s.Require().NoError(err)
		s.Len(windows, 1)
	})

	s.Run("viewer and manager may not read history", func() {
		_, err := s.filter.History(s.ctx, s.viewer, p.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.filter.Windows(s.ctx, s.manager, p.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *FilterSuite) TestLedgerScoping() {
	collect := func(principal id.Principal, f ledger.Filter) ([]*ledger.Entry, error) {
		var out []*ledger.Entry
		for e, err := range s.filter.LedgerEntries(s.ctx, principal, f) {
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}

	s.seedProduct("123456789", "2024-01-01", "2024-12-31")

	s.Run("system administrator sees every entry", func() {
		entries, err := collect(s.sysAdm, ledger.Filter{})
		s.Require().NoError(err)
		s.Len(entries, 2, "creation plus window set")
	})

	s.Run("product administrator is confined to product targets", func() {
		entries, err := collect(s.prodAdm, ledger.Filter{})
		s.Require().NoError(err)
		for _, e := range entries {
			s.Equal(ledger.TargetProduct, e.TargetType)
		}

		_, err = collect(s.prodAdm, ledger.Filter{TargetType: "tenant"})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("viewer and manager may not read the ledger", func() {
		_, err := collect(s.viewer, ledger.Filter{})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = collect(s.manager, ledger.Filter{})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func (s *FilterSuite) TestSequencesRestart() {
	s.seedProduct("123456789", "2024-01-01", "2024-12-31")

	seq := s.filter.Products(requestcontext.WithTime(context.Background(), s.date("2024-06-01")), s.viewer, Query{})

	count := func() int {
		n := 0
		for _, err := range seq {
			s.Require().NoError(err)
			n++
		}
		return n
	}
	s.Equal(1, count())
	s.Equal(1, count(), "the sequence re-evaluates on every range")

	// State added after the sequence was built shows up on re-range.
	s.seedProduct("037833100", "2024-01-01", "2024-12-31")
	s.Equal(2, count())
}
