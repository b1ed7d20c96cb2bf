// Package service implements the versioning engine: the single writer of
// catalog state. Every mutation is validated and authorized up front,
// then committed together with its audit ledger entry inside one
// transaction boundary — a rate change that is applied but unaudited, or
// audited but unapplied, cannot be produced by this code path.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"ratebook/internal/catalog/models"
	"ratebook/internal/ledger"
	"ratebook/internal/platform/metrics"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/platform/sentinel"
	"ratebook/pkg/requestcontext"
)

// Store is the catalog store surface the engine mutates. Composite
// operations carry the full post-state so an implementation can commit
// them atomically under its own locking or transaction.
type Store interface {
	Create(ctx context.Context, p *models.Product, rv *models.RateVersion) error
	FindByID(ctx context.Context, productID id.ProductID) (*models.Product, error)
	FindByCUSIP(ctx context.Context, cusip id.CUSIP) (*models.Product, error)
	History(ctx context.Context, productID id.ProductID) ([]*models.RateVersion, error)
	Windows(ctx context.Context, productID id.ProductID) ([]*models.AvailabilityWindow, error)
	ApplyRateChange(ctx context.Context, after *models.Product, newVersion *models.RateVersion) error
	AddWindow(ctx context.Context, after *models.Product, w *models.AvailabilityWindow) error
	UpdateStatus(ctx context.Context, after *models.Product) error
}

// Appender is the slice of the ledger the engine needs. Append runs
// inside the mutation transaction; its failure aborts the mutation.
type Appender interface {
	Append(ctx context.Context, e *ledger.Entry) error
}

// Engine applies catalog mutations.
type Engine struct {
	catalog Store
	ledger  Appender
	tx      StoreTx
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTx(tx StoreTx) Option {
	return func(e *Engine) { e.tx = tx }
}

// New constructs the versioning engine.
func New(catalog Store, auditLog Appender, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		ledger:  auditLog,
		tracer:  otel.Tracer("ratebook/catalog"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tx == nil {
		e.tx = NewInMemoryTx()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// CreateProduct registers a new product with its initial open rate
// version, effective from the request clock.
func (e *Engine) CreateProduct(ctx context.Context, principal id.Principal, cmd models.CreateProductCommand) (*models.Product, error) {
	ctx, span := e.tracer.Start(ctx, "catalog.CreateProduct")
	defer span.End()

	if err := e.authorize(principal); err != nil {
		return nil, err
	}
	cmd.Normalize()
	cusip, category, err := cmd.Parse()
	if err != nil {
		return nil, e.rejected(err)
	}

	now := requestcontext.Now(ctx)
	product, err := models.NewProduct(id.NewProductID(), cusip, cmd.Name, category,
		cmd.BaseRate, cmd.BonusRate, cmd.MinInvestment, cmd.MaxInvestment,
		cmd.ReturnOfPremium, cmd.ReturnOfPremiumPct, cmd.Terms, now)
	if err != nil {
		return nil, e.rejected(err)
	}
	initial := &models.RateVersion{
		ID:            uuid.New(),
		ProductID:     product.ID,
		BaseRate:      product.BaseRate,
		BonusRate:     product.BonusRate,
		EffectiveFrom: now,
		Author:        principal.ID,
		CreatedAt:     now,
	}

	// Creates serialize on the CUSIP so two racing registrations of the
	// same identifier cannot both pass the availability check.
	err = e.tx.RunInTx(ctx, cusip.String(), func(txCtx context.Context) error {
		if _, findErr := e.catalog.FindByCUSIP(txCtx, cusip); findErr == nil {
			return dErrors.New(dErrors.CodeConflict, "cusip is already registered")
		} else if !errors.Is(findErr, sentinel.ErrNotFound) {
			return e.translate(findErr, "check cusip availability")
		}

		if appendErr := e.appendEntry(txCtx, principal, ledger.ActionProductCreated, product.ID, nil, product); appendErr != nil {
			return appendErr
		}
		if createErr := e.catalog.Create(txCtx, product, initial); createErr != nil {
			if errors.Is(createErr, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeConflict, "cusip is already registered")
			}
			return e.translate(createErr, "create product")
		}
		return nil
	})
	if err != nil {
		return nil, e.rejected(err)
	}

	e.committed(ctx, ledger.ActionProductCreated, product)
	return product, nil
}

// UpdateRates closes the open rate version at the new effective date and
// opens the replacement, keeping the product's denormalized rates in sync
// within the same transaction.
func (e *Engine) UpdateRates(ctx context.Context, principal id.Principal, cmd models.UpdateRatesCommand) (*models.Product, error) {
	ctx, span := e.tracer.Start(ctx, "catalog.UpdateRates")
	defer span.End()

	if err := e.authorize(principal); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, e.rejected(err)
	}

	var after *models.Product
	err := e.tx.RunInTx(ctx, cmd.ProductID.String(), func(txCtx context.Context) error {
		before, open, err := e.readForUpdate(txCtx, cmd.ProductID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		if cmd.EffectiveDate.Equal(open.EffectiveFrom) {
			// Same-instant double version: the caller must re-read.
			return dErrors.New(dErrors.CodeConflict, "a rate version already takes effect at that date")
		}
		if cmd.EffectiveDate.Before(open.EffectiveFrom) {
			return dErrors.New(dErrors.CodeValidation, "effective date precedes the current rate version")
		}

		now := requestcontext.Now(txCtx)
		after = before.Clone()
		after.BaseRate = cmd.NewBase
		after.BonusRate = cmd.NewBonus
		after.Version++
		after.UpdatedAt = now

		next := &models.RateVersion{
			ID:            uuid.New(),
			ProductID:     after.ID,
			BaseRate:      cmd.NewBase,
			BonusRate:     cmd.NewBonus,
			EffectiveFrom: cmd.EffectiveDate,
			Author:        principal.ID,
			CreatedAt:     now,
		}

		if appendErr := e.appendEntry(txCtx, principal, ledger.ActionRatesUpdated, after.ID, before, after); appendErr != nil {
			return appendErr
		}
		if applyErr := e.catalog.ApplyRateChange(txCtx, after, next); applyErr != nil {
			return e.translate(applyErr, "apply rate change")
		}
		return nil
	})
	if err != nil {
		return nil, e.rejected(err)
	}

	e.committed(ctx, ledger.ActionRatesUpdated, after)
	return after, nil
}

// SetAvailabilityWindow adds a sales window. Overlap with an existing
// active window is rejected before anything is written.
func (e *Engine) SetAvailabilityWindow(ctx context.Context, principal id.Principal, cmd models.SetAvailabilityWindowCommand) (*models.Product, error) {
	ctx, span := e.tracer.Start(ctx, "catalog.SetAvailabilityWindow")
	defer span.End()

	if err := e.authorize(principal); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, e.rejected(err)
	}

	var after *models.Product
	err := e.tx.RunInTx(ctx, cmd.ProductID.String(), func(txCtx context.Context) error {
		before, err := e.readProduct(txCtx, cmd.ProductID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		existing, err := e.catalog.Windows(txCtx, cmd.ProductID)
		if err != nil {
			return e.translate(err, "load availability windows")
		}

		now := requestcontext.Now(txCtx)
		window := &models.AvailabilityWindow{
			ID:        uuid.New(),
			ProductID: cmd.ProductID,
			Start:     models.DateOf(cmd.Start),
			End:       models.DateOf(cmd.End),
			Active:    true,
			Author:    principal.ID,
			CreatedAt: now,
		}
		for _, w := range existing {
			if w.Active && w.Overlaps(window) {
				return dErrors.New(dErrors.CodeValidation, "window overlaps an existing active window")
			}
		}

		after = before.Clone()
		after.Version++
		after.UpdatedAt = now

		if appendErr := e.appendEntry(txCtx, principal, ledger.ActionWindowSet, after.ID, before, after); appendErr != nil {
			return appendErr
		}
		if addErr := e.catalog.AddWindow(txCtx, after, window); addErr != nil {
			if errors.Is(addErr, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeValidation, "window overlaps an existing active window")
			}
			return e.translate(addErr, "add availability window")
		}
		return nil
	})
	if err != nil {
		return nil, e.rejected(err)
	}

	e.committed(ctx, ledger.ActionWindowSet, after)
	return after, nil
}

// Deactivate takes a product off the books. Never a hard delete: history
// and ledger entries survive, and the mutation is itself audited. The
// ledger entry's after-snapshot is nil, marking removal from view.
func (e *Engine) Deactivate(ctx context.Context, principal id.Principal, cmd models.DeactivateCommand) (*models.Product, error) {
	ctx, span := e.tracer.Start(ctx, "catalog.Deactivate")
	defer span.End()

	if err := e.authorize(principal); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, e.rejected(err)
	}

	var after *models.Product
	err := e.tx.RunInTx(ctx, cmd.ProductID.String(), func(txCtx context.Context) error {
		before, err := e.readProduct(txCtx, cmd.ProductID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		if transErr := before.CanDeactivate(); transErr != nil {
			return dErrors.New(dErrors.CodeConflict, "product is already inactive")
		}

		after = before.Clone()
		after.Active = false
		after.Version++
		after.UpdatedAt = requestcontext.Now(txCtx)

		if appendErr := e.appendEntry(txCtx, principal, ledger.ActionProductDeactivated, after.ID, before, nil); appendErr != nil {
			return appendErr
		}
		if updErr := e.catalog.UpdateStatus(txCtx, after); updErr != nil {
			return e.translate(updErr, "deactivate product")
		}
		return nil
	})
	if err != nil {
		return nil, e.rejected(err)
	}

	e.committed(ctx, ledger.ActionProductDeactivated, after)
	return after, nil
}

// Reactivate relists a deactivated product.
func (e *Engine) Reactivate(ctx context.Context, principal id.Principal, cmd models.ReactivateCommand) (*models.Product, error) {
	ctx, span := e.tracer.Start(ctx, "catalog.Reactivate")
	defer span.End()

	if err := e.authorize(principal); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, e.rejected(err)
	}

	var after *models.Product
	err := e.tx.RunInTx(ctx, cmd.ProductID.String(), func(txCtx context.Context) error {
		before, err := e.readProduct(txCtx, cmd.ProductID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		if transErr := before.CanReactivate(); transErr != nil {
			return dErrors.New(dErrors.CodeConflict, "product is already active")
		}

		after = before.Clone()
		after.Active = true
		after.Version++
		after.UpdatedAt = requestcontext.Now(txCtx)

		if appendErr := e.appendEntry(txCtx, principal, ledger.ActionProductReactivated, after.ID, before, after); appendErr != nil {
			return appendErr
		}
		if updErr := e.catalog.UpdateStatus(txCtx, after); updErr != nil {
			return e.translate(updErr, "reactivate product")
		}
		return nil
	})
	if err != nil {
		return nil, e.rejected(err)
	}

	e.committed(ctx, ledger.ActionProductReactivated, after)
	return after, nil
}

// readProduct loads the product and runs the optimistic concurrency
// check against the version the caller read.
func (e *Engine) readProduct(ctx context.Context, productID id.ProductID, expectedVersion int64) (*models.Product, error) {
	p, err := e.catalog.FindByID(ctx, productID)
	if err != nil {
		return nil, e.translate(err, "load product")
	}
	if p.Version != expectedVersion {
		return nil, dErrors.New(dErrors.CodeConflict, "product was modified since it was read")
	}
	return p, nil
}

// readForUpdate additionally resolves the single open rate version.
func (e *Engine) readForUpdate(ctx context.Context, productID id.ProductID, expectedVersion int64) (*models.Product, *models.RateVersion, error) {
	p, err := e.readProduct(ctx, productID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}
	history, err := e.catalog.History(ctx, productID)
	if err != nil {
		return nil, nil, e.translate(err, "load rate history")
	}
	var open *models.RateVersion
	for _, rv := range history {
		if rv.IsOpen() {
			if open != nil {
				return nil, nil, dErrors.New(dErrors.CodeInvariantViolation, "product has more than one open rate version")
			}
			open = rv
		}
	}
	if open == nil {
		return nil, nil, dErrors.New(dErrors.CodeInvariantViolation, "product has no open rate version")
	}
	return p, open, nil
}

// appendEntry writes the audit record for a mutation inside the current
// transaction. Failure aborts the mutation; this is where the atomicity
// guarantee bites.
func (e *Engine) appendEntry(ctx context.Context, principal id.Principal, action ledger.ActionKind,
	productID id.ProductID, before, after *models.Product,
) error {
	entry := &ledger.Entry{
		ID:            id.NewLedgerEntryID(),
		Actor:         principal.ID,
		Action:        action,
		TargetType:    ledger.TargetProduct,
		TargetID:      productID.String(),
		Timestamp:     requestcontext.Now(ctx),
		CorrelationID: requestcontext.RequestID(ctx),
	}
	var err error
	if entry.Before, err = snapshot(before); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "snapshot prior state")
	}
	if entry.After, err = snapshot(after); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "snapshot new state")
	}
	if appendErr := e.ledger.Append(ctx, entry); appendErr != nil {
		return dErrors.Wrap(appendErr, dErrors.CodeLedgerAppend, "audit append failed, mutation aborted")
	}
	return nil
}

func snapshot(p *models.Product) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (e *Engine) authorize(principal id.Principal) error {
	if !principal.CanMutate() {
		return dErrors.New(dErrors.CodeForbidden, "role does not permit catalog mutations")
	}
	return nil
}

// translate maps store sentinels onto the domain error taxonomy. A
// corrupted invariant propagates as a hard failure, never repaired.
func (e *Engine) translate(err error, action string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "product not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "product was modified since it was read")
	case errors.Is(err, sentinel.ErrCorrupted):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "stored rate history violates the open-version invariant")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+action)
	}
}

func (e *Engine) rejected(err error) error {
	if e.metrics != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			e.metrics.MutationConflicts.Inc()
		} else {
			e.metrics.MutationRejected.WithLabelValues(string(dErrors.CodeOf(err))).Inc()
		}
	}
	return err
}

func (e *Engine) committed(ctx context.Context, action ledger.ActionKind, p *models.Product) {
	if e.metrics != nil {
		e.metrics.MutationsApplied.WithLabelValues(string(action)).Inc()
	}
	e.logger.InfoContext(ctx, string(action),
		"log_type", "audit",
		"product_id", p.ID.String(),
		"cusip", p.CUSIP.String(),
		"version", p.Version,
		"request_id", requestcontext.RequestID(ctx),
	)
}
