package handler

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ratebook/internal/catalog/models"
	"ratebook/internal/visibility"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/platform/httputil"
	"ratebook/pkg/requestcontext"
)

// Mutator is the versioning engine surface the handler drives.
type Mutator interface {
	CreateProduct(ctx context.Context, principal id.Principal, cmd models.CreateProductCommand) (*models.Product, error)
	UpdateRates(ctx context.Context, principal id.Principal, cmd models.UpdateRatesCommand) (*models.Product, error)
	SetAvailabilityWindow(ctx context.Context, principal id.Principal, cmd models.SetAvailabilityWindowCommand) (*models.Product, error)
	Deactivate(ctx context.Context, principal id.Principal, cmd models.DeactivateCommand) (*models.Product, error)
	Reactivate(ctx context.Context, principal id.Principal, cmd models.ReactivateCommand) (*models.Product, error)
}

// Reader is the scoped read surface. All catalog reads go through the
// visibility filter; the handler never touches stores directly.
type Reader interface {
	Products(ctx context.Context, principal id.Principal, q visibility.Query) iter.Seq2[*models.Product, error]
	Product(ctx context.Context, principal id.Principal, productID id.ProductID) (*models.Product, error)
	History(ctx context.Context, principal id.Principal, productID id.ProductID) ([]*models.RateVersion, error)
	Windows(ctx context.Context, principal id.Principal, productID id.ProductID) ([]*models.AvailabilityWindow, error)
}

// Handler serves the product catalog endpoints.
type Handler struct {
	engine Mutator
	reader Reader
	logger *slog.Logger
}

func New(engine Mutator, reader Reader, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, reader: reader, logger: logger}
}

// Register mounts the catalog routes. Authentication middleware is
// applied by the router; authorization stays in the engine and the
// visibility filter.
func (h *Handler) Register(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{productID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/rates", h.handleUpdateRates)
			r.Get("/rates/history", h.handleHistory)
			r.Post("/windows", h.handleSetWindow)
			r.Get("/windows", h.handleWindows)
			r.Post("/deactivate", h.handleDeactivate)
			r.Post("/reactivate", h.handleReactivate)
		})
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cmd models.CreateProductCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	product, err := h.engine.CreateProduct(ctx, requestcontext.Principal(ctx), cmd)
	if err != nil {
		h.reject(ctx, "create product", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, product)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := visibility.Query{
		Category: models.Category(r.URL.Query().Get("category")),
		CUSIP:    r.URL.Query().Get("cusip"),
	}

	products := make([]*models.Product, 0)
	for p, err := range h.reader.Products(ctx, requestcontext.Principal(ctx), q) {
		if err != nil {
			h.reject(ctx, "list products", err)
			httputil.WriteError(w, err)
			return
		}
		products = append(products, p)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	product, err := h.reader.Product(ctx, requestcontext.Principal(ctx), productID)
	if err != nil {
		h.reject(ctx, "get product", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, product)
}

func (h *Handler) handleUpdateRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var cmd models.UpdateRatesCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	cmd.ProductID = productID

	product, err := h.engine.UpdateRates(ctx, requestcontext.Principal(ctx), cmd)
	if err != nil {
		h.reject(ctx, "update rates", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, product)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	history, err := h.reader.History(ctx, requestcontext.Principal(ctx), productID)
	if err != nil {
		h.reject(ctx, "read rate history", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (h *Handler) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var cmd models.SetAvailabilityWindowCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	cmd.ProductID = productID

	product, err := h.engine.SetAvailabilityWindow(ctx, requestcontext.Principal(ctx), cmd)
	if err != nil {
		h.reject(ctx, "set availability window", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, product)
}

func (h *Handler) handleWindows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	windows, err := h.reader.Windows(ctx, requestcontext.Principal(ctx), productID)
	if err != nil {
		h.reject(ctx, "read availability windows", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var cmd models.DeactivateCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	cmd.ProductID = productID

	product, err := h.engine.Deactivate(ctx, requestcontext.Principal(ctx), cmd)
	if err != nil {
		h.reject(ctx, "deactivate product", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, product)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID, err := id.ParseProductID(chi.URLParam(r, "productID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var cmd models.ReactivateCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	cmd.ProductID = productID

	product, err := h.engine.Reactivate(ctx, requestcontext.Principal(ctx), cmd)
	if err != nil {
		h.reject(ctx, "reactivate product", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, product)
}

// reject logs failed requests at a severity matching who caused them.
func (h *Handler) reject(ctx context.Context, action string, err error) {
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeInvariantViolation, dErrors.CodeLedgerAppend:
		h.logger.ErrorContext(ctx, "failed to "+action, attrs...)
	default:
		h.logger.WarnContext(ctx, "rejected "+action, attrs...)
	}
}
