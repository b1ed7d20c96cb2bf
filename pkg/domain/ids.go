// Package domain holds identifier types and the principal model shared by
// every layer. Typed IDs prevent cross-entity assignment at compile time;
// parse functions enforce trust-boundary invariants.
package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	dErrors "ratebook/pkg/domain-errors"
)

// ProductID identifies a catalog product internally. The CUSIP is the
// stable external key; the ProductID is the storage key.
type ProductID uuid.UUID

// LedgerEntryID identifies an audit ledger entry.
type LedgerEntryID uuid.UUID

func (id ProductID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ProductID) String() string  { return uuid.UUID(id).String() }
func (id LedgerEntryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id LedgerEntryID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText renders the ID in canonical UUID form; UnmarshalText
// applies the same trust-boundary checks as the parse functions. Defined
// types do not inherit these from uuid.UUID.
func (id ProductID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ProductID) UnmarshalText(b []byte) error {
	parsed, err := ParseProductID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id LedgerEntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *LedgerEntryID) UnmarshalText(b []byte) error {
	parsed, err := ParseLedgerEntryID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewProductID returns a fresh random product ID.
func NewProductID() ProductID { return ProductID(uuid.New()) }

// NewLedgerEntryID returns a fresh random ledger entry ID.
func NewLedgerEntryID() LedgerEntryID { return LedgerEntryID(uuid.New()) }

// ParseProductID parses and validates a product ID string.
// IDs must be valid, non-nil UUIDs.
func ParseProductID(s string) (ProductID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return ProductID{}, err
	}
	return ProductID(u), nil
}

// ParseLedgerEntryID parses and validates a ledger entry ID string.
func ParseLedgerEntryID(s string) (LedgerEntryID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return LedgerEntryID{}, err
	}
	return LedgerEntryID(u), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return u, nil
}

// CUSIP is the 9-character alphanumeric security identifier that serves as
// a product's stable external key. Immutable once assigned.
type CUSIP string

var cusipPattern = regexp.MustCompile(`^[0-9A-Z]{9}$`)

// ParseCUSIP normalizes and validates a CUSIP. Lowercase input is
// accepted and upcased; anything that is not exactly nine alphanumeric
// characters is rejected.
func ParseCUSIP(s string) (CUSIP, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !cusipPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeValidation, "cusip must be exactly 9 alphanumeric characters")
	}
	return CUSIP(s), nil
}

func (c CUSIP) String() string { return string(c) }
