package handler

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ratebook/internal/ledger"
	id "ratebook/pkg/domain"
	dErrors "ratebook/pkg/domain-errors"
	"ratebook/pkg/platform/httputil"
	"ratebook/pkg/requestcontext"
)

// Reader is the scoped ledger read surface.
type Reader interface {
	LedgerEntries(ctx context.Context, principal id.Principal, f ledger.Filter) iter.Seq2[*ledger.Entry, error]
}

// Archiver triggers a retention run on demand.
type Archiver interface {
	Run(ctx context.Context) (int, error)
	ArchiveOlderThanYears(ctx context.Context, years int) (int, error)
}

// Handler serves the audit ledger endpoints.
type Handler struct {
	reader   Reader
	archiver Archiver
	logger   *slog.Logger
}

func New(reader Reader, archiver Archiver, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, archiver: archiver, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", h.handleQuery)
		r.Post("/archive", h.handleArchive)
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entries := make([]*ledger.Entry, 0)
	for e, iterErr := range h.reader.LedgerEntries(ctx, requestcontext.Principal(ctx), f) {
		if iterErr != nil {
			h.logger.WarnContext(ctx, "rejected ledger query",
				"request_id", requestcontext.RequestID(ctx),
				"error", iterErr.Error(),
			)
			httputil.WriteError(w, iterErr)
			return
		}
		entries = append(entries, e)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleArchive runs the retention policy on demand. The scheduler runs
// the same policy on an interval; this endpoint exists for compliance
// operators who need an immediate pass.
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := requestcontext.Principal(ctx)
	if !principal.HasRole(id.RoleSystemAdministrator) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "role does not permit ledger archival"))
		return
	}

	years, err := yearsFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var archived int
	if years > 0 {
		archived, err = h.archiver.ArchiveOlderThanYears(ctx, years)
	} else {
		archived, err = h.archiver.Run(ctx)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "ledger archival failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"archived": archived})
}

func filterFromQuery(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Actor:      q.Get("actor"),
		Action:     ledger.ActionKind(q.Get("action")),
		TargetType: ledger.TargetType(q.Get("target_type")),
		TargetID:   q.Get("target_id"),
	}
	var err error
	if f.From, err = timeParam(q.Get("from")); err != nil {
		return ledger.Filter{}, err
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		return ledger.Filter{}, err
	}
	return f, nil
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeBadRequest, "time bounds must be RFC 3339")
	}
	return t, nil
}

// yearsFromQuery reads an optional override of the configured retention
// horizon, expressed in whole calendar years.
func yearsFromQuery(r *http.Request) (int, error) {
	s := r.URL.Query().Get("years")
	if s == "" {
		return 0, nil
	}
	years, err := strconv.Atoi(s)
	if err != nil || years <= 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "years must be a positive integer")
	}
	return years, nil
}
