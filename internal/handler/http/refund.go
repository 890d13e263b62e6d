package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
	"github.com/AlexeiFed/waxhands-sub007/pkg/validator"
)

// RefundHandler handles HTTP requests for refund endpoints.
type RefundHandler struct {
	service  *service.RefundService
	invoices *InvoiceHandler
	logger   *slog.Logger
}

// NewRefundHandler creates a new refund HTTP handler. payments is used for
// the ownership checks.
func NewRefundHandler(svc *service.RefundService, payments *service.PaymentService, logger *slog.Logger) *RefundHandler {
	return &RefundHandler{
		service:  svc,
		invoices: NewInvoiceHandler(payments, logger),
		logger:   logger,
	}
}

// InitiateRefundRequest is the JSON request body for a refund. A missing or
// zero amount refunds the whole invoice.
type InitiateRefundRequest struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=500"`
}

// CheckEligibility handles GET /api/v1/invoices/{id}/refund/eligibility
func (h *RefundHandler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.invoices.loadOwned(w, r)
	if !ok {
		return
	}

	e, err := h.service.CheckEligibility(r.Context(), inv.ID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: e})
}

// InitiateRefund handles POST /api/v1/invoices/{id}/refund
func (h *RefundHandler) InitiateRefund(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.invoices.loadOwned(w, r)
	if !ok {
		return
	}

	var req InitiateRefundRequest
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		if err := validator.DecodeAndValidate(r, &req); err != nil {
			httputil.WriteValidationError(w, err)
			return
		}
	}

	refund, err := h.service.InitiateRefund(r.Context(), inv.ID, &service.InitiateRefundInput{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: refund})
}

// GetRefundStatus handles GET /api/v1/refunds/{requestId}
func (h *RefundHandler) GetRefundStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	inv, err := h.service.GetRefundInvoice(r.Context(), requestID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if err := authorizeInvoice(r, inv); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	status, err := h.service.GetRefundStatus(r.Context(), requestID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: status})
}
