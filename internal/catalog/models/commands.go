package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
)

// Mutation commands. Each carries everything the versioning engine needs
// to validate before any state change; update commands additionally carry
// the product version the caller read, for optimistic concurrency.

// CreateProductCommand registers a new product in the catalog.
type CreateProductCommand struct {
	CUSIP              string           `json:"cusip"`
	Name               string           `json:"name"`
	Category           string           `json:"category"`
	BaseRate           decimal.Decimal  `json:"base_rate"`
	BonusRate          decimal.Decimal  `json:"bonus_rate"`
	MinInvestment      decimal.Decimal  `json:"min_investment"`
	MaxInvestment      *decimal.Decimal `json:"max_investment,omitempty"`
	ReturnOfPremium    bool             `json:"return_of_premium"`
	ReturnOfPremiumPct *decimal.Decimal `json:"return_of_premium_pct,omitempty"`
	Terms              string           `json:"terms,omitempty"`
}

// Normalize trims free-text fields in place.
func (c *CreateProductCommand) Normalize() {
	c.CUSIP = strings.TrimSpace(c.CUSIP)
	c.Name = strings.TrimSpace(c.Name)
	c.Category = strings.TrimSpace(strings.ToLower(c.Category))
	c.Terms = strings.TrimSpace(c.Terms)
}

// Parse validates the command and returns the parsed CUSIP and category.
// Full invariant checks run again in NewProduct; this rejects malformed
// input before the engine opens a transaction.
func (c *CreateProductCommand) Parse() (id.CUSIP, Category, error) {
	cusip, err := id.ParseCUSIP(c.CUSIP)
	if err != nil {
		return "", "", err
	}
	category, err := ParseCategory(c.Category)
	if err != nil {
		return "", "", err
	}
	return cusip, category, nil
}

// UpdateRatesCommand replaces the current rate version effective at a date.
type UpdateRatesCommand struct {
	ProductID       id.ProductID    `json:"product_id"`
	ExpectedVersion int64           `json:"expected_version"`
	NewBase         decimal.Decimal `json:"new_base"`
	NewBonus        decimal.Decimal `json:"new_bonus"`
	EffectiveDate   time.Time       `json:"effective_date"`
}

func (c *UpdateRatesCommand) Validate() error {
	if c.ProductID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "product id is required")
	}
	if c.EffectiveDate.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "effective date is required")
	}
	return ValidateRates(c.NewBase, c.NewBonus)
}

// SetAvailabilityWindowCommand adds a sales window to a product.
type SetAvailabilityWindowCommand struct {
	ProductID       id.ProductID `json:"product_id"`
	ExpectedVersion int64        `json:"expected_version"`
	Start           time.Time    `json:"start"`
	End             time.Time    `json:"end"`
}

func (c *SetAvailabilityWindowCommand) Validate() error {
	if c.ProductID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "product id is required")
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "start and end dates are required")
	}
	if DateOf(c.End).Before(DateOf(c.Start)) {
		return dErrors.New(dErrors.CodeValidation, "window end must not precede its start")
	}
	return nil
}

// DeactivateCommand takes a product off the books. Never a hard delete.
type DeactivateCommand struct {
	ProductID       id.ProductID `json:"product_id"`
	ExpectedVersion int64        `json:"expected_version"`
}

func (c *DeactivateCommand) Validate() error {
	if c.ProductID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "product id is required")
	}
	return nil
}

// ReactivateCommand relists a previously deactivated product.
type ReactivateCommand struct {
	ProductID       id.ProductID `json:"product_id"`
	ExpectedVersion int64        `json:"expected_version"`
}

func (c *ReactivateCommand) Validate() error {
	if c.ProductID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "product id is required")
	}
	return nil
}
