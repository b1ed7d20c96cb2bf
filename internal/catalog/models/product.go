package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
)

// Category is the closed set of product categories.
type Category string

const (
	CategoryAnnuity Category = "annuity"
	CategoryCD      Category = "cd"
	CategoryOther   Category = "other"
)

// ParseCategory maps an input string onto a known category.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryAnnuity, CategoryCD, CategoryOther:
		return Category(s), nil
	}
	return "", dErrors.Newf(dErrors.CodeValidation, "unknown category %q", s)
}

// Rate bounds enforced on every rate-bearing mutation.
var (
	maxBaseRate  = decimal.NewFromInt(20)
	maxBonusRate = decimal.NewFromInt(5)
	maxTotalRate = decimal.NewFromInt(25)
	hundred      = decimal.NewFromInt(100)
)

// ValidateRates checks the rate bounds: 0 < base <= 20, 0 <= bonus <= 5,
// base + bonus <= 25. Rates are annual percentages.
func ValidateRates(base, bonus decimal.Decimal) error {
	if base.LessThanOrEqual(decimal.Zero) {
		return dErrors.New(dErrors.CodeValidation, "base rate must be greater than zero")
	}
	if base.GreaterThan(maxBaseRate) {
		return dErrors.New(dErrors.CodeValidation, "base rate must not exceed 20")
	}
	if bonus.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "bonus rate must not be negative")
	}
	if bonus.GreaterThan(maxBonusRate) {
		return dErrors.New(dErrors.CodeValidation, "bonus rate must not exceed 5")
	}
	if base.Add(bonus).GreaterThan(maxTotalRate) {
		return dErrors.New(dErrors.CodeValidation, "combined rate must not exceed 25")
	}
	return nil
}

// Product is the aggregate root for a catalog product.
//
// Invariants:
//   - CUSIP is unique and immutable once assigned
//   - BaseRate/BonusRate mirror the open RateVersion; they are denormalized
//     reads kept in sync only inside the versioning engine's transaction
//   - MaxInvestment, when present, is >= MinInvestment
//   - Version increases by exactly one per committed mutation; callers
//     supply the version they read, and a mismatch at commit is a conflict
//   - Products are never hard-deleted; deactivation flips Active and is
//     itself a versioned, audited mutation
type Product struct {
	ID       id.ProductID `json:"id"`
	CUSIP    id.CUSIP     `json:"cusip"`
	Name     string       `json:"name"`
	Category Category     `json:"category"`

	BaseRate  decimal.Decimal `json:"base_rate"`
	BonusRate decimal.Decimal `json:"bonus_rate"`

	MinInvestment decimal.Decimal  `json:"min_investment"`
	MaxInvestment *decimal.Decimal `json:"max_investment,omitempty"`

	ReturnOfPremium    bool             `json:"return_of_premium"`
	ReturnOfPremiumPct *decimal.Decimal `json:"return_of_premium_pct,omitempty"`

	Terms  string `json:"terms,omitempty"`
	Active bool   `json:"active"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProduct constructs a product with its invariants validated. The
// caller parses the CUSIP and category beforehand; rates and bounds are
// validated here.
func NewProduct(productID id.ProductID, cusip id.CUSIP, name string, category Category,
	base, bonus decimal.Decimal, minInvest decimal.Decimal, maxInvest *decimal.Decimal,
	returnOfPremium bool, returnOfPremiumPct *decimal.Decimal, terms string, now time.Time,
) (*Product, error) {
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "product name cannot be empty")
	}
	if len(name) > 256 {
		return nil, dErrors.New(dErrors.CodeValidation, "product name must be 256 characters or less")
	}
	if err := ValidateRates(base, bonus); err != nil {
		return nil, err
	}
	if minInvest.IsNegative() {
		return nil, dErrors.New(dErrors.CodeValidation, "minimum investment must not be negative")
	}
	if maxInvest != nil && maxInvest.LessThan(minInvest) {
		return nil, dErrors.New(dErrors.CodeValidation, "maximum investment must be at least the minimum")
	}
	if !returnOfPremium && returnOfPremiumPct != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "return-of-premium percentage requires the return-of-premium flag")
	}
	if returnOfPremiumPct != nil && (returnOfPremiumPct.IsNegative() || returnOfPremiumPct.GreaterThan(hundred)) {
		return nil, dErrors.New(dErrors.CodeValidation, "return-of-premium percentage must be between 0 and 100")
	}
	return &Product{
		ID:                 productID,
		CUSIP:              cusip,
		Name:               name,
		Category:           category,
		BaseRate:           base,
		BonusRate:          bonus,
		MinInvestment:      minInvest,
		MaxInvestment:      maxInvest,
		ReturnOfPremium:    returnOfPremium,
		ReturnOfPremiumPct: returnOfPremiumPct,
		Terms:              terms,
		Active:             true,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// CanDeactivate checks the active -> inactive transition.
func (p *Product) CanDeactivate() error {
	if !p.Active {
		return dErrors.New(dErrors.CodeInvariantViolation, "product is already inactive")
	}
	return nil
}

// CanReactivate checks the inactive -> active transition.
func (p *Product) CanReactivate() error {
	if p.Active {
		return dErrors.New(dErrors.CodeInvariantViolation, "product is already active")
	}
	return nil
}

// Clone returns a deep-enough copy for handing across the store boundary.
// Decimal values are immutable; pointer fields are re-allocated.
func (p *Product) Clone() *Product {
	cp := *p
	if p.MaxInvestment != nil {
		v := *p.MaxInvestment
		cp.MaxInvestment = &v
	}
	if p.ReturnOfPremiumPct != nil {
		v := *p.ReturnOfPremiumPct
		cp.ReturnOfPremiumPct = &v
	}
	return &cp
}

// RateVersion is one immutable interval of a product's rate history.
//
// Invariants (per product):
//   - at most one version has a nil EffectiveTo (the open, current one)
//   - closed intervals never overlap and are gapless: inserting a new
//     version closes the prior one at the same instant the new one opens
type RateVersion struct {
	ID            uuid.UUID       `json:"id"`
	ProductID     id.ProductID    `json:"product_id"`
	BaseRate      decimal.Decimal `json:"base_rate"`
	BonusRate     decimal.Decimal `json:"bonus_rate"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	Author        string          `json:"author"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsOpen reports whether this is the current, open-ended version.
func (rv *RateVersion) IsOpen() bool { return rv.EffectiveTo == nil }

// Clone copies the version, re-allocating the EffectiveTo pointer.
func (rv *RateVersion) Clone() *RateVersion {
	cp := *rv
	if rv.EffectiveTo != nil {
		t := *rv.EffectiveTo
		cp.EffectiveTo = &t
	}
	return &cp
}

// AvailabilityWindow is a date range during which a product may be sold.
// Multiple windows per product are permitted (seasonal offerings) but
// active windows must not overlap.
type AvailabilityWindow struct {
	ID        uuid.UUID    `json:"id"`
	ProductID id.ProductID `json:"product_id"`
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Active    bool         `json:"active"`
	Author    string       `json:"author"`
	CreatedAt time.Time    `json:"created_at"`
}

// Contains reports whether the window's inclusive [start, end] date range
// covers the given instant.
func (w *AvailabilityWindow) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(DateOf(w.Start)) && !d.After(DateOf(w.End))
}

// Overlaps reports whether two windows share at least one calendar day.
func (w *AvailabilityWindow) Overlaps(other *AvailabilityWindow) bool {
	return !DateOf(w.Start).After(DateOf(other.End)) && !DateOf(other.Start).After(DateOf(w.End))
}

// AvailableOn reports whether any active window covers the instant.
// Pure function of stored state and the injected clock; never cached,
// since validity is time-dependent.
func AvailableOn(windows []*AvailabilityWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Active && w.Contains(t) {
			return true
		}
	}
	return false
}

// DateOf truncates an instant to its UTC calendar date. Availability is
// date-granular; rate effectiveness keeps full instants.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
