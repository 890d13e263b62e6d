package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
	"github.com/AlexeiFed/waxhands-sub007/pkg/middleware"
	"github.com/AlexeiFed/waxhands-sub007/pkg/pagination"
	"github.com/AlexeiFed/waxhands-sub007/pkg/validator"
)

// InvoiceHandler handles HTTP requests for invoice endpoints.
type InvoiceHandler struct {
	service *service.PaymentService
	logger  *slog.Logger
}

// NewInvoiceHandler creates a new invoice HTTP handler.
func NewInvoiceHandler(svc *service.PaymentService, logger *slog.Logger) *InvoiceHandler {
	return &InvoiceHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// CreateInvoiceRequest is the JSON request body for billing a registration.
type CreateInvoiceRequest struct {
	ParticipantID      string    `json:"participant_id" validate:"required,max=64"`
	UserID             string    `json:"user_id" validate:"required,max=64"`
	OccurrenceID       string    `json:"occurrence_id" validate:"required,max=64"`
	OccurrenceStartsAt time.Time `json:"occurrence_starts_at" validate:"required"`
	Description        string    `json:"description" validate:"max=255"`
	Amount             int64     `json:"amount" validate:"required,gt=0"`
	Currency           string    `json:"currency" validate:"omitempty,currency"`
}

// CancelInvoiceRequest is the optional JSON body for cancelling an invoice.
type CancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// --- Handlers ---

// CreateInvoice handles POST /api/v1/invoices
func (h *InvoiceHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateInvoiceRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), &service.CreateInvoiceInput{
		ParticipantID:      req.ParticipantID,
		UserID:             req.UserID,
		OccurrenceID:       req.OccurrenceID,
		OccurrenceStartsAt: req.OccurrenceStartsAt,
		Description:        req.Description,
		Amount:             req.Amount,
		Currency:           req.Currency,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: inv})
}

// ListInvoices handles GET /api/v1/invoices
// Query parameters: status, refund_state, user_id, occurrence_id, page, per_page.
func (h *InvoiceHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.InvoiceFilter{
		Status:       domain.Status(q.Get("status")),
		RefundState:  domain.RefundState(q.Get("refund_state")),
		UserID:       q.Get("user_id"),
		OccurrenceID: q.Get("occurrence_id"),
	}
	params := pagination.FromRequest(r)

	invoices, total, err := h.service.ListInvoices(r.Context(), filter, params.Offset, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(invoices, total, params))
}

// GetInvoice handles GET /api/v1/invoices/{id}
func (h *InvoiceHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: inv})
}

// StartPayment handles POST /api/v1/invoices/{id}/pay and returns the
// hosted payment page URL.
func (h *InvoiceHandler) StartPayment(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	link, err := h.service.StartPayment(r.Context(), inv.ID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: link})
}

// ConfirmCashPayment handles POST /api/v1/invoices/{id}/confirm-cash
func (h *InvoiceHandler) ConfirmCashPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	inv, err := h.service.ConfirmCashPayment(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: inv})
}

// CancelInvoice handles POST /api/v1/invoices/{id}/cancel
func (h *InvoiceHandler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req CancelInvoiceRequest
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		if err := validator.DecodeAndValidate(r, &req); err != nil {
			httputil.WriteValidationError(w, err)
			return
		}
	}

	inv, err := h.service.CancelInvoice(r.Context(), id.String(), req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: inv})
}

// ReconcileInvoice handles POST /api/v1/invoices/{id}/reconcile: an
// immediate status check of one invoice against the gateway.
func (h *InvoiceHandler) ReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	res, err := h.service.ReconcileInvoice(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"invoice": res.Invoice,
		"updated": res.Updated,
	}})
}

// ListGatewayEvents handles GET /api/v1/invoices/{id}/events
func (h *InvoiceHandler) ListGatewayEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	events, err := h.service.GatewayEvents(r.Context(), id.String(), limit)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: events})
}

// loadOwned fetches the invoice named in the path and checks the caller may
// see it. It writes the error response and returns false otherwise.
func (h *InvoiceHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*domain.Invoice, bool) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return nil, false
	}

	inv, err := h.service.GetInvoice(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return nil, false
	}
	if err := authorizeInvoice(r, inv); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return nil, false
	}
	return inv, true
}

// authorizeInvoice allows admins and the parent the invoice bills.
func authorizeInvoice(r *http.Request, inv *domain.Invoice) error {
	ctx := r.Context()
	if middleware.IsAdmin(ctx) || inv.UserID == middleware.UserIDFromContext(ctx) {
		return nil
	}
	return apperrors.Forbidden("you do not have access to this invoice")
}
