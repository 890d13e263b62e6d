package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AlexeiFed/waxhands-sub007/internal/reconcile"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
)

// Reconciler runs one reconciliation cycle on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Summary, error)
}

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewAdminHandler creates a new admin HTTP handler.
func NewAdminHandler(reconciler Reconciler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, logger: logger}
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "RECONCILE_DISABLED", Message: "reconciliation is not configured"},
		})
		return
	}

	summary, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrCycleInProgress) {
			httputil.WriteJSON(w, http.StatusConflict, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "CYCLE_IN_PROGRESS", Message: "a reconciliation cycle is already running"},
			})
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: summary})
}
