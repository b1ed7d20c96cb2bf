// Package postgres provides the production ledger store. Append resolves
// its executor from the context transaction so a mutation and its audit
// record commit together.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ratebook/internal/ledger"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
	txcontext "ratebook/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. ledger_entries is the online window;
// ledger_archive is cold storage. No UPDATE path exists for snapshot
// payloads outside MarkArchived.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id             UUID PRIMARY KEY,
		actor          TEXT NOT NULL DEFAULT '',
		action         TEXT NOT NULL,
		target_type    TEXT NOT NULL,
		target_id      TEXT NOT NULL,
		before_state   JSONB,
		after_state    JSONB,
		ts             TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		archived       BOOLEAN NOT NULL DEFAULT FALSE,
		archived_at    TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS ledger_entries_ts ON ledger_entries (ts);
	CREATE INDEX IF NOT EXISTS ledger_entries_target ON ledger_entries (target_type, target_id);
	CREATE TABLE IF NOT EXISTS ledger_archive (
		id             UUID PRIMARY KEY,
		actor          TEXT NOT NULL DEFAULT '',
		action         TEXT NOT NULL,
		target_type    TEXT NOT NULL,
		target_id      TEXT NOT NULL,
		before_state   JSONB,
		after_state    JSONB,
		ts             TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT ''
	);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e *ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID.IsNil() {
		e.ID = id.NewLedgerEntryID()
	}
	exec := txcontext.ExecutorFor(ctx, s.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, actor, action, target_type, target_id, before_state, after_state, ts, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		uuid.UUID(e.ID), e.Actor, string(e.Action), string(e.TargetType), e.TargetID,
		nullableJSON(e.Before), nullableJSON(e.After), e.Timestamp, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

const entryColumns = `id, actor, action, target_type, target_id,
	before_state, after_state, ts, correlation_id, archived, archived_at`

func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.TargetType != "" {
		add("target_type = $%d", string(f.TargetType))
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ts`

	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ListForArchival(ctx context.Context, cutoff time.Time) ([]*ledger.Entry, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE NOT archived AND ts < $1 ORDER BY ts`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list entries for archival: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) MarkArchived(ctx context.Context, ids []id.LedgerEntryID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	exec := txcontext.ExecutorFor(ctx, s.db)
	placeholders := make([]string, len(ids))
	args := []any{at}
	for i, entryID := range ids {
		args = append(args, uuid.UUID(entryID))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	res, err := exec.ExecContext(ctx, `
		UPDATE ledger_entries
		SET before_state = NULL, after_state = NULL, archived = TRUE, archived_at = $1
		WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark entries archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entries archived: %w", err)
	}
	if n != int64(len(ids)) {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var entryID uuid.UUID
		var before, after []byte
		if err := rows.Scan(&entryID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID,
			&before, &after, &e.Timestamp, &e.CorrelationID, &e.Archived, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.ID = id.LedgerEntryID(entryID)
		if len(before) > 0 {
			e.Before = before
		}
		if len(after) > 0 {
			e.After = after
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger entries: %w", err)
	}
	return out, nil
}

// ColdStore writes archived entries into the ledger_archive table.
type ColdStore struct {
	db *sql.DB
}

func NewColdStore(db *sql.DB) *ColdStore {
	return &ColdStore{db: db}
}

func (s *ColdStore) Put(ctx context.Context, entries []*ledger.Entry) error {
	exec := txcontext.ExecutorFor(ctx, s.db)
	for _, e := range entries {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO ledger_archive
				(id, actor, action, target_type, target_id, before_state, after_state, ts, correlation_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO NOTHING`,
			uuid.UUID(e.ID), e.Actor, string(e.Action), string(e.TargetType), e.TargetID,
			nullableJSON(e.Before), nullableJSON(e.After), e.Timestamp, e.CorrelationID)
		if err != nil {
			return fmt.Errorf("archive ledger entry: %w", err)
		}
	}
	return nil
}

func (s *ColdStore) Fetch(ctx context.Context, entryID id.LedgerEntryID) (*ledger.Entry, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, actor, action, target_type, target_id,
			before_state, after_state, ts, correlation_id, TRUE, NULL::timestamptz
		FROM ledger_archive WHERE id = $1`, uuid.UUID(entryID))
	if err != nil {
		return nil, fmt.Errorf("fetch archived entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return entries[0], nil
}
