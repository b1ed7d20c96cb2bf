// Package retention implements the archival policy: ledger entries older
// than the configured horizon move wholesale to cold storage, leaving
// online tombstones that still prove who did what, and when. An external
// scheduler owns the timing; this package owns only the archival
// transaction.
package retention

import (
	"context"
	"log/slog"
	"time"

	"ratebook/internal/ledger"
	"ratebook/internal/platform/metrics"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/requestcontext"
)

// TxRunner is the transactional boundary for the archival run. The same
// implementations used by the versioning engine satisfy it.
type TxRunner interface {
	RunInTx(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Policy moves aged entries to cold storage.
type Policy struct {
	online  ledger.Store
	cold    ledger.ColdStore
	tx      TxRunner
	years   int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Policy)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// New constructs the policy with a horizon in whole calendar years.
// Regulatory guidance implies multi-year retention before any archival is
// permissible; the configuration default is seven years.
func New(online ledger.Store, cold ledger.ColdStore, tx TxRunner, years int, opts ...Option) *Policy {
	p := &Policy{online: online, cold: cold, tx: tx, years: years}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Run archives with the configured horizon.
func (p *Policy) Run(ctx context.Context) (int, error) {
	return p.ArchiveOlderThanYears(ctx, p.years)
}

// ArchiveOlderThanYears archives entries older than the given number of
// calendar years. The cutoff is computed with AddDate so the retention
// window lands on the same calendar date regardless of leap days.
func (p *Policy) ArchiveOlderThanYears(ctx context.Context, years int) (int, error) {
	if years <= 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "retention horizon must be positive")
	}
	return p.archiveBefore(ctx, requestcontext.Now(ctx).AddDate(-years, 0, 0))
}

// ArchiveOlderThan archives entries older than an arbitrary duration, for
// callers whose horizon is not a whole number of years.
func (p *Policy) ArchiveOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "retention horizon must be positive")
	}
	return p.archiveBefore(ctx, requestcontext.Now(ctx).Add(-horizon))
}

// archiveBefore copies every unarchived entry older than the cutoff into
// cold storage, then tombstones it online. Copy precedes tombstone so a
// failure between the two leaves payloads online and the run retryable;
// the cold-store write is idempotent on entry ID.
func (p *Policy) archiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	now := requestcontext.Now(ctx)

	archived := 0
	err := p.tx.RunInTx(ctx, "ledger-archival", func(txCtx context.Context) error {
		entries, err := p.online.ListForArchival(txCtx, cutoff)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list entries for archival")
		}
		if len(entries) == 0 {
			return nil
		}

		if err := p.cold.Put(txCtx, entries); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "copy entries to cold storage")
		}

		ids := make([]id.LedgerEntryID, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := p.online.MarkArchived(txCtx, ids, now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "tombstone archived entries")
		}
		archived = len(entries)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if archived > 0 {
		if p.metrics != nil {
			p.metrics.EntriesArchived.Add(float64(archived))
		}
		p.logger.InfoContext(ctx, "ledger entries archived",
			"count", archived,
			"cutoff", cutoff,
		)
	}
	return archived, nil
}
