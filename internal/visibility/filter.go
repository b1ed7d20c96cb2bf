// Package visibility is the single enforcement point for role scoping.
// No other component exposes unscoped reads; storage technology plays no
// part in the policy, so scoping is testable on the in-memory stores.
//
// Policy table:
//   - Viewer, Manager: active products with a currently valid
//     availability window; no history, no ledger
//   - ProductAdministrator: every product regardless of flag or date,
//     full rate history, ledger entries for product targets
//   - SystemAdministrator: all of the above, ledger entries for any actor
package visibility

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"ratebook/internal/catalog/models"
	"ratebook/internal/ledger"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/platform/sentinel"
	"ratebook/pkg/requestcontext"
)

// CatalogReader is the read-only slice of the catalog store.
type CatalogReader interface {
	FindByID(ctx context.Context, productID id.ProductID) (*models.Product, error)
	FindByCUSIP(ctx context.Context, cusip id.CUSIP) (*models.Product, error)
	ListCurrent(ctx context.Context) ([]*models.Product, error)
	History(ctx context.Context, productID id.ProductID) ([]*models.RateVersion, error)
	Windows(ctx context.Context, productID id.ProductID) ([]*models.AvailabilityWindow, error)
}

// LedgerReader is the read-only slice of the audit ledger.
type LedgerReader interface {
	Query(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error)
}

// Query narrows a scoped product listing. Zero fields match everything.
type Query struct {
	Category models.Category
	CUSIP    string
}

// Filter projects role-scoped views of catalog and ledger state.
type Filter struct {
	catalog CatalogReader
	ledger  LedgerReader
}

func New(catalog CatalogReader, auditLog LedgerReader) *Filter {
	return &Filter{catalog: catalog, ledger: auditLog}
}

// Products returns a lazy, restartable sequence of scoped products. Each
// range over the sequence re-reads current state against the request
// clock — availability is time-dependent, so nothing is cached across
// calls. Errors are yielded as the second value and end the sequence.
func (f *Filter) Products(ctx context.Context, principal id.Principal, q Query) iter.Seq2[*models.Product, error] {
	return func(yield func(*models.Product, error) bool) {
		if !hasCatalogRole(principal) {
			yield(nil, dErrors.New(dErrors.CodeForbidden, "role does not permit catalog reads"))
			return
		}

		products, err := f.catalog.ListCurrent(ctx)
		if err != nil {
			yield(nil, f.translate(err))
			return
		}
		now := requestcontext.Now(ctx)
		for _, p := range products {
			if !matches(p, q) {
				continue
			}
			visible, err := f.visibleTo(ctx, principal, p, now)
			if err != nil {
				yield(nil, err)
				return
			}
			if !visible {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Product returns a single scoped product. A product outside the
// principal's scope reads as not found; existence is not leaked.
func (f *Filter) Product(ctx context.Context, principal id.Principal, productID id.ProductID) (*models.Product, error) {
	if !hasCatalogRole(principal) {
		return nil, dErrors.New(dErrors.CodeForbidden, "role does not permit catalog reads")
	}
	p, err := f.catalog.FindByID(ctx, productID)
	if err != nil {
		return nil, f.translate(err)
	}
	visible, err := f.visibleTo(ctx, principal, p, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, dErrors.New(dErrors.CodeNotFound, "product not found")
	}
	return p, nil
}

// History returns the product's full rate version history, ordered by
// effective-from ascending. Administrators only.
func (f *Filter) History(ctx context.Context, principal id.Principal, productID id.ProductID) ([]*models.RateVersion, error) {
	if !principal.SeesInactive() {
		return nil, dErrors.New(dErrors.CodeForbidden, "role does not permit rate history reads")
	}
	history, err := f.catalog.History(ctx, productID)
	if err != nil {
		return nil, f.translate(err)
	}
	return history, nil
}

// Windows returns the product's availability windows. Administrators only.
func (f *Filter) Windows(ctx context.Context, principal id.Principal, productID id.ProductID) ([]*models.AvailabilityWindow, error) {
	if !principal.SeesInactive() {
		return nil, dErrors.New(dErrors.CodeForbidden, "role does not permit availability window reads")
	}
	windows, err := f.catalog.Windows(ctx, productID)
	if err != nil {
		return nil, f.translate(err)
	}
	return windows, nil
}

// LedgerEntries returns a lazy sequence of scoped audit entries.
// SystemAdministrator sees entries for any actor; ProductAdministrator is
// confined to product-targeted entries; everyone else is refused.
func (f *Filter) LedgerEntries(ctx context.Context, principal id.Principal, lf ledger.Filter) iter.Seq2[*ledger.Entry, error] {
	return func(yield func(*ledger.Entry, error) bool) {
		switch {
		case principal.HasRole(id.RoleSystemAdministrator):
			// Unrestricted.
		case principal.HasRole(id.RoleProductAdministrator):
			if lf.TargetType != "" && lf.TargetType != ledger.TargetProduct {
				yield(nil, dErrors.New(dErrors.CodeForbidden, "role is limited to product audit entries"))
				return
			}
			lf.TargetType = ledger.TargetProduct
		default:
			yield(nil, dErrors.New(dErrors.CodeForbidden, "role does not permit ledger reads"))
			return
		}

		entries, err := f.ledger.Query(ctx, lf)
		if err != nil {
			yield(nil, dErrors.Wrap(err, dErrors.CodeInternal, "query ledger"))
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// visibleTo applies the policy table row for the principal.
// Administrators see everything; viewers and managers see only active
// products with a currently valid availability window.
func (f *Filter) visibleTo(ctx context.Context, principal id.Principal, p *models.Product, now time.Time) (bool, error) {
	if principal.SeesInactive() {
		return true, nil
	}
	if !p.Active {
		return false, nil
	}
	windows, err := f.catalog.Windows(ctx, p.ID)
	if err != nil {
		return false, f.translate(err)
	}
	return models.AvailableOn(windows, now), nil
}

func hasCatalogRole(p id.Principal) bool {
	return p.HasAnyRole(id.RoleViewer, id.RoleManager, id.RoleProductAdministrator, id.RoleSystemAdministrator)
}

func matches(p *models.Product, q Query) bool {
	if q.Category != "" && p.Category != q.Category {
		return false
	}
	if q.CUSIP != "" && !strings.HasPrefix(p.CUSIP.String(), strings.ToUpper(q.CUSIP)) {
		return false
	}
	return true
}

func (f *Filter) translate(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "product not found")
	case errors.Is(err, sentinel.ErrCorrupted):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "stored rate history violates the open-version invariant")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "read catalog")
	}
}
