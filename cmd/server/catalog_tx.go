package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "ratebook/pkg/domain-errors"
	txcontext "ratebook/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// postgresTx runs a mutation inside one database transaction. The
// context carries the transaction down to the stores, so the catalog
// write and its ledger append share a single commit.
type postgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newPostgresTx(db *sql.DB) *postgresTx {
	return &postgresTx{db: db}
}

// RunInTx implements the transactional boundary over postgres. The key
// serializes writers in the in-memory runner; here row locks and the
// products version column do that work, so it is unused.
func (t *postgresTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}

	return tx.Commit()
}
