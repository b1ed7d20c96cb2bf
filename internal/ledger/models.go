// Package ledger defines the append-only audit ledger: every catalog
// mutation appends exactly one entry, in the same transaction as the
// state change. Entries are never updated or deleted; the only state
// transition an entry undergoes is archival, which moves its snapshot
// payloads to cold storage and leaves an online tombstone.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
)

// ActionKind classifies the mutation an entry records.
type ActionKind string

const (
	ActionProductCreated     ActionKind = "product_created"
	ActionRatesUpdated       ActionKind = "rates_updated"
	ActionWindowSet          ActionKind = "availability_window_set"
	ActionProductDeactivated ActionKind = "product_deactivated"
	ActionProductReactivated ActionKind = "product_reactivated"
)

// TargetType names the entity kind an entry refers to. Cross-references
// are by identifier only; the ledger never holds live handles.
type TargetType string

const (
	TargetProduct TargetType = "product"
)

// Entry is one immutable audit record.
//
// Invariants:
//   - Actor is empty only for system-initiated actions
//   - Before is nil on creation; After is nil on deactivation
//   - once written, an entry changes only through archival, which clears
//     the snapshots and sets Archived — actor, action, target, and
//     timestamp survive in the tombstone
type Entry struct {
	ID            id.LedgerEntryID `json:"id"`
	Actor         string           `json:"actor,omitempty"`
	Action        ActionKind       `json:"action"`
	TargetType    TargetType       `json:"target_type"`
	TargetID      string           `json:"target_id"`
	Before        json.RawMessage  `json:"before,omitempty"`
	After         json.RawMessage  `json:"after,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Archived      bool             `json:"archived"`
	ArchivedAt    *time.Time       `json:"archived_at,omitempty"`
}

// Validate rejects entries that would be meaningless on replay.
func (e *Entry) Validate() error {
	if e.Action == "" {
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires an action")
	}
	if e.TargetType == "" || e.TargetID == "" {
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires a target")
	}
	if e.Timestamp.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "ledger entry requires a timestamp")
	}
	return nil
}

// Clone copies the entry, re-allocating payloads and pointers.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Before != nil {
		cp.Before = append(json.RawMessage(nil), e.Before...)
	}
	if e.After != nil {
		cp.After = append(json.RawMessage(nil), e.After...)
	}
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

// Filter selects entries for compliance queries. Zero fields match
// everything.
type Filter struct {
	Actor      string
	Action     ActionKind
	TargetType TargetType
	TargetID   string
	From       time.Time
	To         time.Time
}

// Matches reports whether the entry satisfies every set filter field.
func (f Filter) Matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.TargetType != "" && e.TargetType != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Store is the online ledger. Append is only ever called from within a
// versioning-engine transaction; there is no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)

	// ListForArchival returns unarchived entries older than the cutoff.
	ListForArchival(ctx context.Context, cutoff time.Time) ([]*Entry, error)
	// MarkArchived clears the snapshot payloads of the given entries and
	// stamps them as tombstones. Only the retention policy calls this.
	MarkArchived(ctx context.Context, ids []id.LedgerEntryID, at time.Time) error
}

// ColdStore receives archived entries wholesale for long-term retention.
type ColdStore interface {
	Put(ctx context.Context, entries []*Entry) error
	Fetch(ctx context.Context, entryID id.LedgerEntryID) (*Entry, error)
}
