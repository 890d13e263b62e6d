package http

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
	"github.com/AlexeiFed/waxhands-sub007/pkg/logger"
)

// maxCallbackBody bounds a gateway callback body.
const maxCallbackBody = 64 << 10

// RedirectConfig holds the frontend pages the browser is sent back to.
type RedirectConfig struct {
	SuccessURL string
	FailURL    string
}

// RobokassaHandler handles the gateway's Result callback and the browser
// Success and Fail redirects.
type RobokassaHandler struct {
	service   *service.PaymentService
	redirects RedirectConfig
	logger    *slog.Logger
}

// NewRobokassaHandler creates a new gateway callback handler.
func NewRobokassaHandler(svc *service.PaymentService, redirects RedirectConfig, logger *slog.Logger) *RobokassaHandler {
	return &RobokassaHandler{service: svc, redirects: redirects, logger: logger}
}

// Result handles GET|POST /api/v1/robokassa/result. The gateway keeps
// retrying until it gets OK<InvId> back as plain text.
func (h *RobokassaHandler) Result(w http.ResponseWriter, r *http.Request) {
	values, raw, err := readCallback(w, r)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	ack, err := h.service.HandleResultNotification(r.Context(), values, raw)
	if err != nil {
		h.logCallback(r, "result callback refused", values, raw, err)
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteText(w, http.StatusOK, ack)
}

// Success handles GET|POST /api/v1/robokassa/success.
func (h *RobokassaHandler) Success(w http.ResponseWriter, r *http.Request) {
	values, raw, err := readCallback(w, r)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	invoiceID, err := h.service.HandleSuccessRedirect(r.Context(), values, raw)
	if err != nil {
		h.logCallback(r, "success redirect refused", values, raw, err)
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.redirect(w, r, h.redirects.SuccessURL, invoiceID)
}

// Fail handles GET|POST /api/v1/robokassa/fail.
func (h *RobokassaHandler) Fail(w http.ResponseWriter, r *http.Request) {
	values, raw, err := readCallback(w, r)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	invoiceID := h.service.HandleFailRedirect(r.Context(), values, raw)
	h.redirect(w, r, h.redirects.FailURL, invoiceID)
}

func (h *RobokassaHandler) redirect(w http.ResponseWriter, r *http.Request, target, invoiceID string) {
	if target == "" {
		httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{"invoice_id": invoiceID}})
		return
	}
	if invoiceID != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "invoice_id=" + url.QueryEscape(invoiceID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *RobokassaHandler) logCallback(r *http.Request, msg string, values url.Values, raw []byte, err error) {
	l := logger.FromContext(r.Context())
	l.WarnContext(r.Context(), msg,
		slog.String("inv_id", values.Get("InvId")),
		logger.Digest(raw),
		slog.Int("status", apperrors.HTTPStatus(err)),
		slog.String("error", err.Error()),
	)
}

// readCallback collects the callback parameters from the query string and a
// form encoded body. raw is what arrived on the wire, for the audit digest.
func readCallback(w http.ResponseWriter, r *http.Request) (url.Values, []byte, error) {
	values := r.URL.Query()
	raw := []byte(r.URL.RawQuery)

	if r.Body == nil || r.Method == http.MethodGet {
		return values, raw, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		return nil, nil, apperrors.InvalidInput(fmt.Sprintf("read callback body: %v", err))
	}
	if len(body) == 0 {
		return values, raw, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, apperrors.InvalidInput("callback body is not form encoded")
	}
	for k, vs := range form {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	return values, body, nil
}
