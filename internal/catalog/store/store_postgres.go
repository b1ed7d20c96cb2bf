package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"ratebook/internal/catalog/models"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
	txcontext "ratebook/pkg/platform/tx"
)

// Postgres is the production catalog store. Mutation methods resolve
// their executor from the context transaction (pkg/platform/tx), so the
// versioning engine's RunInTx makes a catalog write and its ledger append
// one commit.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Migrate creates the catalog tables. The partial unique index on
// rate_versions is the storage-level backstop for the exactly-one-open-
// version invariant.
func (s *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS products (
		id                    UUID PRIMARY KEY,
		cusip                 TEXT NOT NULL UNIQUE,
		name                  TEXT NOT NULL,
		category              TEXT NOT NULL,
		base_rate             NUMERIC(6,3) NOT NULL,
		bonus_rate            NUMERIC(6,3) NOT NULL,
		min_investment        NUMERIC(18,2) NOT NULL,
		max_investment        NUMERIC(18,2),
		return_of_premium     BOOLEAN NOT NULL DEFAULT FALSE,
		return_of_premium_pct NUMERIC(6,3),
		terms                 TEXT NOT NULL DEFAULT '',
		active                BOOLEAN NOT NULL DEFAULT TRUE,
		version               BIGINT NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rate_versions (
		id             UUID PRIMARY KEY,
		product_id     UUID NOT NULL REFERENCES products(id),
		base_rate      NUMERIC(6,3) NOT NULL,
		bonus_rate     NUMERIC(6,3) NOT NULL,
		effective_from TIMESTAMPTZ NOT NULL,
		effective_to   TIMESTAMPTZ,
		author         TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS rate_versions_one_open
		ON rate_versions (product_id) WHERE effective_to IS NULL;
	CREATE INDEX IF NOT EXISTS rate_versions_product_from
		ON rate_versions (product_id, effective_from);
	CREATE TABLE IF NOT EXISTS availability_windows (
		id          UUID PRIMARY KEY,
		product_id  UUID NOT NULL REFERENCES products(id),
		start_date  TIMESTAMPTZ NOT NULL,
		end_date    TIMESTAMPTZ NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		author      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		CHECK (end_date >= start_date)
	);
	CREATE INDEX IF NOT EXISTS availability_windows_product
		ON availability_windows (product_id);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

const productColumns = `id, cusip, name, category, base_rate, bonus_rate,
	min_investment, max_investment, return_of_premium, return_of_premium_pct,
	terms, active, version, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }, extra ...any) (*models.Product, error) {
	var p models.Product
	var productID uuid.UUID
	var cusip string
	dest := []any{
		&productID, &cusip, &p.Name, &p.Category, &p.BaseRate, &p.BonusRate,
		&p.MinInvestment, &p.MaxInvestment, &p.ReturnOfPremium, &p.ReturnOfPremiumPct,
		&p.Terms, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.ID = id.ProductID(productID)
	p.CUSIP = id.CUSIP(cusip)
	return &p, nil
}

func (s *Postgres) Create(ctx context.Context, p *models.Product, rv *models.RateVersion) error {
	exec := txcontext.ExecutorFor(ctx, s.db)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		uuid.UUID(p.ID), p.CUSIP.String(), p.Name, string(p.Category), p.BaseRate, p.BonusRate,
		p.MinInvestment, p.MaxInvestment, p.ReturnOfPremium, p.ReturnOfPremiumPct,
		p.Terms, p.Active, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert product: %w", err)
	}

	if err := s.insertRateVersion(ctx, exec, rv); err != nil {
		return err
	}
	return nil
}

func (s *Postgres) insertRateVersion(ctx context.Context, exec txcontext.Executor, rv *models.RateVersion) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO rate_versions
			(id, product_id, base_rate, bonus_rate, effective_from, effective_to, author, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rv.ID, uuid.UUID(rv.ProductID), rv.BaseRate, rv.BonusRate,
		rv.EffectiveFrom, rv.EffectiveTo, rv.Author, rv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Second open version for the product: the partial index
			// caught a versioning-engine bug.
			return sentinel.ErrCorrupted
		}
		return fmt.Errorf("insert rate version: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, productID id.ProductID) (*models.Product, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	row := exec.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, uuid.UUID(productID))
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	if err := s.checkOpenVersion(ctx, exec, productID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Postgres) FindByCUSIP(ctx context.Context, cusip id.CUSIP) (*models.Product, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	row := exec.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE cusip = $1`, cusip.String())
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product by cusip: %w", err)
	}
	if err := s.checkOpenVersion(ctx, exec, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Postgres) checkOpenVersion(ctx context.Context, exec txcontext.Executor, productID id.ProductID) error {
	var open int
	row := exec.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_versions WHERE product_id = $1 AND effective_to IS NULL`,
		uuid.UUID(productID))
	if err := row.Scan(&open); err != nil {
		return fmt.Errorf("count open rate versions: %w", err)
	}
	if open != 1 {
		return sentinel.ErrCorrupted
	}
	return nil
}

// ListCurrent runs the same open-version check as the single-product
// reads: a product whose history has lost (or doubled) its open rate
// version must fault loudly, not flow into listings.
func (s *Postgres) ListCurrent(ctx context.Context) ([]*models.Product, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT `+productColumns+`,
			(SELECT COUNT(*) FROM rate_versions rv
			 WHERE rv.product_id = products.id AND rv.effective_to IS NULL) AS open_versions
		FROM products ORDER BY cusip`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		var open int
		p, err := scanProduct(rows, &open)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if open != 1 {
			return nil, sentinel.ErrCorrupted
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

func (s *Postgres) History(ctx context.Context, productID id.ProductID) ([]*models.RateVersion, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	if err := s.requireProduct(ctx, exec, productID); err != nil {
		return nil, err
	}
	rows, err := exec.QueryContext(ctx, `
		SELECT id, product_id, base_rate, bonus_rate, effective_from, effective_to, author, created_at
		FROM rate_versions WHERE product_id = $1 ORDER BY effective_from`,
		uuid.UUID(productID))
	if err != nil {
		return nil, fmt.Errorf("load rate history: %w", err)
	}
	defer rows.Close()

	var out []*models.RateVersion
	for rows.Next() {
		var rv models.RateVersion
		var pid uuid.UUID
		if err := rows.Scan(&rv.ID, &pid, &rv.BaseRate, &rv.BonusRate,
			&rv.EffectiveFrom, &rv.EffectiveTo, &rv.Author, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate version: %w", err)
		}
		rv.ProductID = id.ProductID(pid)
		out = append(out, &rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load rate history: %w", err)
	}
	return out, nil
}

func (s *Postgres) Windows(ctx context.Context, productID id.ProductID) ([]*models.AvailabilityWindow, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)
	if err := s.requireProduct(ctx, exec, productID); err != nil {
		return nil, err
	}
	rows, err := exec.QueryContext(ctx, `
		SELECT id, product_id, start_date, end_date, active, author, created_at
		FROM availability_windows WHERE product_id = $1 ORDER BY created_at DESC`,
		uuid.UUID(productID))
	if err != nil {
		return nil, fmt.Errorf("load availability windows: %w", err)
	}
	defer rows.Close()

	var out []*models.AvailabilityWindow
	for rows.Next() {
		var w models.AvailabilityWindow
		var pid uuid.UUID
		if err := rows.Scan(&w.ID, &pid, &w.Start, &w.End, &w.Active, &w.Author, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan availability window: %w", err)
		}
		w.ProductID = id.ProductID(pid)
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load availability windows: %w", err)
	}
	return out, nil
}

func (s *Postgres) requireProduct(ctx context.Context, exec txcontext.Executor, productID id.ProductID) error {
	var one int
	err := exec.QueryRowContext(ctx,
		`SELECT 1 FROM products WHERE id = $1`, uuid.UUID(productID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check product exists: %w", err)
	}
	return nil
}

// ApplyRateChange closes the open rate version at the new effective-from,
// inserts the new open version, and swings the denormalized product row,
// all guarded by the version compare-and-swap. Callers run this inside a
// transaction; partial effects roll back with it.
func (s *Postgres) ApplyRateChange(ctx context.Context, after *models.Product, newVersion *models.RateVersion) error {
	exec := txcontext.ExecutorFor(ctx, s.db)

	var openFrom sql.NullTime
	err := exec.QueryRowContext(ctx, `
		SELECT effective_from FROM rate_versions
		WHERE product_id = $1 AND effective_to IS NULL
		FOR UPDATE`,
		uuid.UUID(after.ID)).Scan(&openFrom)
	if errors.Is(err, sql.ErrNoRows) {
		if reqErr := s.requireProduct(ctx, exec, after.ID); reqErr != nil {
			return reqErr
		}
		return sentinel.ErrCorrupted
	}
	if err != nil {
		return fmt.Errorf("lock open rate version: %w", err)
	}
	if newVersion.EffectiveFrom.Equal(openFrom.Time) {
		return sentinel.ErrConflict
	}
	if newVersion.EffectiveFrom.Before(openFrom.Time) {
		return sentinel.ErrInvalidState
	}

	if err := s.casProduct(ctx, exec, after); err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE rate_versions SET effective_to = $1
		WHERE product_id = $2 AND effective_to IS NULL`,
		newVersion.EffectiveFrom, uuid.UUID(after.ID))
	if err != nil {
		return fmt.Errorf("close rate version: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return sentinel.ErrCorrupted
	}

	return s.insertRateVersion(ctx, exec, newVersion)
}

// AddWindow inserts an availability window under the version
// compare-and-swap, rejecting overlap with an existing active window.
func (s *Postgres) AddWindow(ctx context.Context, after *models.Product, w *models.AvailabilityWindow) error {
	exec := txcontext.ExecutorFor(ctx, s.db)

	if w.Active {
		var overlapping int
		err := exec.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM availability_windows
			WHERE product_id = $1 AND active AND start_date <= $3 AND $2 <= end_date`,
			uuid.UUID(after.ID), w.Start, w.End).Scan(&overlapping)
		if err != nil {
			return fmt.Errorf("check window overlap: %w", err)
		}
		if overlapping > 0 {
			return sentinel.ErrInvalidState
		}
	}

	if err := s.casProduct(ctx, exec, after); err != nil {
		return err
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO availability_windows
			(id, product_id, start_date, end_date, active, author, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		w.ID, uuid.UUID(w.ProductID), w.Start, w.End, w.Active, w.Author, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert availability window: %w", err)
	}
	return nil
}

// UpdateStatus swings the active flag under the version compare-and-swap.
func (s *Postgres) UpdateStatus(ctx context.Context, after *models.Product) error {
	exec := txcontext.ExecutorFor(ctx, s.db)
	return s.casProduct(ctx, exec, after)
}

// casProduct writes the post-state row iff the stored version is exactly
// one behind it. Zero rows affected means either the product vanished
// (not found) or a concurrent mutation advanced the version (conflict).
func (s *Postgres) casProduct(ctx context.Context, exec txcontext.Executor, after *models.Product) error {
	res, err := exec.ExecContext(ctx, `
		UPDATE products SET
			name = $2, category = $3, base_rate = $4, bonus_rate = $5,
			min_investment = $6, max_investment = $7,
			return_of_premium = $8, return_of_premium_pct = $9,
			terms = $10, active = $11, version = $12, updated_at = $13
		WHERE id = $1 AND version = $12 - 1`,
		uuid.UUID(after.ID), after.Name, string(after.Category), after.BaseRate, after.BonusRate,
		after.MinInvestment, after.MaxInvestment,
		after.ReturnOfPremium, after.ReturnOfPremiumPct,
		after.Terms, after.Active, after.Version, after.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if n == 1 {
		return nil
	}
	if reqErr := s.requireProduct(ctx, exec, after.ID); reqErr != nil {
		return reqErr
	}
	return sentinel.ErrConflict
}
