package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vantage-erp/vantage/internal/ledger"
	"github.com/vantage-erp/vantage/internal/locks"
	"github.com/vantage-erp/vantage/internal/mappings"
	"github.com/vantage-erp/vantage/internal/platform/httpx"
	"github.com/vantage-erp/vantage/internal/valuation"
)

// Handler exposes the document lifecycle over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/documents", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{id}", h.Show)
		r.Get("/{id}/ledger", h.ShowLedger)
		r.Post("/{id}/submit", h.Submit)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/amend", h.Amend)
	})
	r.Route("/valuation", func(r chi.Router) {
		r.Get("/rebuilds", h.ListRebuilds)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status:     http.StatusUnprocessableEntity,
			Title:      "Validation Failed",
			Code:       "VALIDATION",
			Violations: validationMessages(err),
		})
		return
	}

	doc, err := h.service.CreateDraft(r.Context(), req.toDocument(), req.Links)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) ShowLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	batches, err := h.service.Ledger(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Submit)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) Amend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	amendment, err := h.service.Amend(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, amendment)
}

func (h *Handler) ListRebuilds(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	keys, err := h.service.ListValuationRebuilds(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID, expectedVersion int64) (TransitionResult, error)) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status:     http.StatusUnprocessableEntity,
			Title:      "Validation Failed",
			Code:       "VALIDATION",
			Violations: validationMessages(err),
		})
		return
	}

	result, err := op(r.Context(), id, req.ExpectedVersion)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Document ID", "document id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *ValidationError
		stockErr      *valuation.InsufficientStockError
		mappingErr    *mappings.MappingNotFoundError
		blockErr      *DependencyBlockError
		unbalancedErr *ledger.UnbalancedError
	)
	switch {
	case errors.As(err, &validationErr):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status:     http.StatusUnprocessableEntity,
			Title:      "Validation Failed",
			Code:       "VALIDATION",
			Violations: validationErr.Violations,
		})
	case errors.As(err, &stockErr):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusUnprocessableEntity,
			Title:  "Insufficient Stock",
			Code:   "INSUFFICIENT_STOCK",
			Detail: stockErr.Error(),
		})
	case errors.Is(err, valuation.ErrBackdated):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusUnprocessableEntity,
			Title:  "Backdated Posting",
			Code:   "VALIDATION",
			Detail: err.Error(),
		})
	case errors.As(err, &mappingErr):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusUnprocessableEntity,
			Title:  "Posting Failed",
			Code:   "POSTING",
			Detail: mappingErr.Error(),
		})
	case errors.As(err, &blockErr):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status:   http.StatusConflict,
			Title:    "Cancellation Blocked",
			Code:     "DEPENDENCY_BLOCK",
			Detail:   blockErr.Error(),
			Blocking: blockErr.Blocking,
		})
	case errors.Is(err, ErrStaleVersion):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusConflict,
			Title:  "Stale Version",
			Code:   "STALE_VERSION",
			Detail: err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusConflict,
			Title:  "Invalid Transition",
			Code:   "INVALID_TRANSITION",
			Detail: err.Error(),
		})
	case errors.Is(err, ledger.ErrDuplicateBatch):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusConflict,
			Title:  "Duplicate Posting",
			Code:   "DUPLICATE_POSTING",
			Detail: err.Error(),
		})
	case errors.Is(err, locks.ErrLockTimeout):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusLocked,
			Title:  "Document Busy",
			Code:   "LOCK_TIMEOUT",
			Detail: "another transition holds the document; retry shortly",
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "document not found")
	case errors.Is(err, ledger.ErrMissingOriginalPosting):
		h.logger.Error("posting integrity fault", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusInternalServerError,
			Title:  "Posting Integrity Fault",
			Code:   "MISSING_ORIGINAL_POSTING",
			Detail: "the original posting batch is missing or corrupt",
		})
	case errors.As(err, &unbalancedErr):
		h.logger.Error("unbalanced batch reached the handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Status: http.StatusInternalServerError,
			Title:  "Posting Failed",
			Code:   "POSTING",
		})
	default:
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return msgs
}
