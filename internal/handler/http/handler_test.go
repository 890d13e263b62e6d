package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	gwmock "github.com/AlexeiFed/waxhands-sub007/internal/gateway/mock"
	"github.com/AlexeiFed/waxhands-sub007/internal/reconcile"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository/memory"
	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	"github.com/AlexeiFed/waxhands-sub007/pkg/health"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
	"github.com/AlexeiFed/waxhands-sub007/pkg/middleware"
)

const (
	adminToken  = "admin-token"
	parentToken = "parent-token"
	otherToken  = "other-token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stubValidator(token string) (*middleware.Claims, error) {
	switch token {
	case adminToken:
		return &middleware.Claims{UserID: "admin-1", Role: middleware.RoleAdmin}, nil
	case parentToken:
		return &middleware.Claims{UserID: "parent-1", Role: middleware.RoleParent}, nil
	case otherToken:
		return &middleware.Claims{UserID: "parent-2", Role: middleware.RoleParent}, nil
	}
	return nil, errors.New("unknown token")
}

type stubReconciler struct {
	summary *reconcile.Summary
	err     error
}

func (s stubReconciler) RunOnce(context.Context) (*reconcile.Summary, error) {
	return s.summary, s.err
}

type testServer struct {
	handler  http.Handler
	invoices *memory.InvoiceRepository
	gateway  *gwmock.Gateway
	verifier *signature.Verifier
	payments *service.PaymentService
}

func newTestServer(t *testing.T, reconciler Reconciler) *testServer {
	t.Helper()
	verifier, err := signature.NewVerifier(signature.MD5, signature.Secrets{Password1: "pass-one", Password2: "pass-two"})
	require.NoError(t, err)

	s := &testServer{
		invoices: memory.NewInvoiceRepository(),
		gateway:  gwmock.NewGateway(),
		verifier: verifier,
	}
	s.payments = service.NewPaymentService(s.invoices, memory.NewGatewayEventRepository(), s.gateway, verifier, nil, nil, testLogger())
	refunds := service.NewRefundService(s.invoices, s.gateway, nil, nil, service.DefaultRefundConfig(), testLogger())
	if reconciler == nil {
		cfg := reconcile.DefaultConfig()
		// Invoices touched a moment ago are already due.
		cfg.Grace = -time.Second
		reconciler = reconcile.New(s.invoices, s.payments, refunds, nil, cfg, testLogger())
	}

	s.handler = NewRouter(RouterDeps{
		ServiceName:    "billing-test",
		Payments:       s.payments,
		Refunds:        refunds,
		Reconciler:     reconciler,
		Health:         health.NewHandler(),
		TokenValidator: stubValidator,
		Redirects:      RedirectConfig{SuccessURL: "https://waxhands.test/pay/success", FailURL: "https://waxhands.test/pay/fail?src=rk"},
		Logger:         testLogger(),
	})
	return s
}

func (s *testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postForm(t *testing.T, target string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// linkedInvoice stores a pending invoice for parent-1 and issues its InvId.
func (s *testServer) linkedInvoice(t *testing.T, startsIn time.Duration) (*domain.Invoice, int64) {
	t.Helper()
	inv, err := s.payments.CreateInvoice(context.Background(), &service.CreateInvoiceInput{
		ParticipantID:      "child-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		UserID:             "parent-1",
		OccurrenceID:       "occ-1",
		OccurrenceStartsAt: time.Now().Add(startsIn),
		Amount:             75000,
	})
	require.NoError(t, err)
	link, err := s.payments.StartPayment(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv, link.InvID
}

func (s *testServer) signed(t *testing.T, outSum string, invID int64, label string, tier signature.Tier) url.Values {
	t.Helper()
	p := signature.Payload{OutSum: outSum, InvID: strconv.FormatInt(invID, 10), Shp: map[string]string{"Shp_label": label}}
	sig, err := s.verifier.Sign(p, tier)
	require.NoError(t, err)
	return url.Values{
		"OutSum":         {outSum},
		"InvId":          {p.InvID},
		"SignatureValue": {sig},
		"Shp_label":      {label},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) *httputil.ErrorResponse {
	t.Helper()
	var resp struct {
		Data  json.RawMessage         `json:"data"`
		Error *httputil.ErrorResponse `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp.Error
}

// --- Gateway callbacks ---

func TestResult_AcknowledgesAndReplays(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)
	values := s.signed(t, "750.00", invID, inv.ID, signature.TierResult)

	rec := s.postForm(t, "/api/v1/robokassa/result", values)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK"+strconv.FormatInt(invID, 10), rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	// Robokassa may also deliver by GET, with different amount formatting.
	replay := s.signed(t, "750.000000", invID, inv.ID, signature.TierResult)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/robokassa/result?"+replay.Encode(), nil)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK"+strconv.FormatInt(invID, 10), rec.Body.String())

	stored, err := s.invoices.GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, stored.Status)
	assert.Equal(t, gateway.OperationID(invID), stored.Operation())
}

func TestResult_BadSignature(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)
	values := s.signed(t, "750.00", invID, inv.ID, signature.TierResult)
	values.Set("OutSum", "1.00")

	rec := s.postForm(t, "/api/v1/robokassa/result", values)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "INVALID_SIGNATURE", errResp.Code)

	stored, _ := s.invoices.GetByID(context.Background(), inv.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestResult_AmountMismatch(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)

	rec := s.postForm(t, "/api/v1/robokassa/result", s.signed(t, "700.00", invID, inv.ID, signature.TierResult))
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "INTEGRITY_VIOLATION", errResp.Code)
}

func TestSuccess_RedirectsAfterStatusCheck(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)
	s.gateway.SetPaymentState(invID, gateway.StatePaid, 75000, "op-key")

	rec := s.postForm(t, "/api/v1/robokassa/success", s.signed(t, "750.00", invID, inv.ID, signature.TierPayment))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://waxhands.test/pay/success?invoice_id="+inv.ID, rec.Header().Get("Location"))

	stored, _ := s.invoices.GetByID(context.Background(), inv.ID)
	assert.Equal(t, domain.StatusPaid, stored.Status)
}

func TestFail_RedirectsWithoutChangingTheInvoice(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)

	target := "/api/v1/robokassa/fail?OutSum=750.00&InvId=" + strconv.FormatInt(invID, 10)
	rec := s.do(t, http.MethodGet, target, "", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://waxhands.test/pay/fail?src=rk&invoice_id="+inv.ID, rec.Header().Get("Location"))

	stored, _ := s.invoices.GetByID(context.Background(), inv.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

// --- Invoice API ---

func TestCreateInvoice_AdminOnly(t *testing.T) {
	s := newTestServer(t, nil)
	body := CreateInvoiceRequest{
		ParticipantID:      "child-1",
		UserID:             "parent-1",
		OccurrenceID:       "occ-1",
		OccurrenceStartsAt: time.Now().Add(96 * time.Hour),
		Amount:             75000,
	}

	rec := s.do(t, http.MethodPost, "/api/v1/invoices", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices", parentToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices", adminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var inv domain.Invoice
	assert.Nil(t, decode(t, rec, &inv))
	assert.Equal(t, domain.StatusPending, inv.Status)
	assert.Equal(t, "RUB", inv.Currency)
}

func TestCreateInvoice_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/invoices", adminToken, CreateInvoiceRequest{ParticipantID: "child-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "VALIDATION_ERROR", errResp.Code)
	assert.Contains(t, errResp.Fields, "Amount")
}

func TestGetInvoice_Ownership(t *testing.T) {
	s := newTestServer(t, nil)
	inv, _ := s.linkedInvoice(t, 10*24*time.Hour)
	target := "/api/v1/invoices/" + inv.ID

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, target, parentToken, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, target, adminToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, target, otherToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/invoices/00000000-0000-0000-0000-000000000000", adminToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/invoices/not-a-uuid", adminToken, nil).Code)
}

func TestStartPayment_ReturnsPaymentURL(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)

	rec := s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/pay", parentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var link service.PaymentLinkResult
	assert.Nil(t, decode(t, rec, &link))
	assert.Equal(t, invID, link.InvID)
	assert.Contains(t, link.URL, "Shp_label="+inv.ID)
}

func TestListInvoices_Filter(t *testing.T) {
	s := newTestServer(t, nil)
	paid, invID := s.linkedInvoice(t, 10*24*time.Hour)
	s.linkedInvoice(t, 10*24*time.Hour)
	require.Equal(t, http.StatusOK, s.postForm(t, "/api/v1/robokassa/result", s.signed(t, "750.00", invID, paid.ID, signature.TierResult)).Code)

	rec := s.do(t, http.MethodGet, "/api/v1/invoices?status=paid", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data       []domain.Invoice `json:"data"`
		TotalCount int              `json:"total_count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Data, 1)
	assert.Equal(t, paid.ID, page.Data[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/invoices?status=bogus", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmCashAndCancel(t *testing.T) {
	s := newTestServer(t, nil)
	cash, _ := s.linkedInvoice(t, 10*24*time.Hour)
	cancel, _ := s.linkedInvoice(t, 10*24*time.Hour)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/invoices/"+cash.ID+"/confirm-cash", parentToken, nil).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/invoices/"+cash.ID+"/confirm-cash", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inv domain.Invoice
	decode(t, rec, &inv)
	assert.Equal(t, domain.StatusPaid, inv.Status)
	assert.Equal(t, domain.MethodCash, inv.PaymentMethod)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+cancel.ID+"/cancel", adminToken, CancelInvoiceRequest{Reason: "duplicate booking"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &inv)
	assert.Equal(t, domain.StatusCancelled, inv.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+cash.ID+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// --- Refunds ---

func TestRefund_Flow(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 10*24*time.Hour)
	s.gateway.SetPaymentState(invID, gateway.StatePaid, 75000, "op-key")
	require.Equal(t, http.StatusOK, s.postForm(t, "/api/v1/robokassa/result", s.signed(t, "750.00", invID, inv.ID, signature.TierResult)).Code)

	rec := s.do(t, http.MethodGet, "/api/v1/invoices/"+inv.ID+"/refund/eligibility", parentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var e domain.Eligibility
	decode(t, rec, &e)
	assert.True(t, e.Eligible)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", otherToken, nil).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", parentToken, InitiateRefundRequest{Reason: "ill"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var refund domain.RefundRequest
	decode(t, rec, &refund)
	assert.Equal(t, domain.RefundProcessing, refund.State)
	require.NotEmpty(t, refund.RequestID)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", parentToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	s.gateway.SetRefundState(refund.RequestID, domain.RefundCompleted)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/refunds/"+refund.RequestID, otherToken, nil).Code)
	stored, err := s.invoices.GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundProcessing, stored.RefundState, "a forbidden lookup must not reconcile")
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/refunds/unknown-request", parentToken, nil).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/refunds/"+refund.RequestID, parentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.RefundStatus
	decode(t, rec, &status)
	assert.Equal(t, domain.RefundCompleted, status.State)
}

func TestRefund_WithinCutoff(t *testing.T) {
	s := newTestServer(t, nil)
	inv, invID := s.linkedInvoice(t, 24*time.Hour)
	require.Equal(t, http.StatusOK, s.postForm(t, "/api/v1/robokassa/result", s.signed(t, "750.00", invID, inv.ID, signature.TierResult)).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", parentToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "NOT_ELIGIBLE", errResp.Code)
	assert.Equal(t, domain.ReasonWithinCutoff, errResp.Message)
}

func TestRefund_CashPayment(t *testing.T) {
	s := newTestServer(t, nil)
	inv, _ := s.linkedInvoice(t, 10*24*time.Hour)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/confirm-cash", adminToken, nil).Code)

	rec := s.do(t, http.MethodGet, "/api/v1/invoices/"+inv.ID+"/refund/eligibility", parentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var e domain.Eligibility
	decode(t, rec, &e)
	assert.False(t, e.Eligible)
	assert.Equal(t, domain.ReasonNotGatewayPayment, e.Reason)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", parentToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "NOT_ELIGIBLE", errResp.Code)
	assert.Equal(t, domain.ReasonNotGatewayPayment, errResp.Message)
	assert.Zero(t, s.gateway.RefundCalls())
}

// --- Admin ---

func TestAdminReconcile(t *testing.T) {
	s := newTestServer(t, nil)
	_, invID := s.linkedInvoice(t, 10*24*time.Hour)
	s.gateway.SetPaymentState(invID, gateway.StatePaid, 75000, "op-key")

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/admin/reconcile", parentToken, nil).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/reconcile", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary reconcile.Summary
	decode(t, rec, &summary)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Updated)
}

func TestAdminReconcile_CycleInProgress(t *testing.T) {
	s := newTestServer(t, stubReconciler{err: reconcile.ErrCycleInProgress})

	rec := s.do(t, http.MethodPost, "/api/v1/admin/reconcile", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode(t, rec, nil)
	require.NotNil(t, errResp)
	assert.Equal(t, "CYCLE_IN_PROGRESS", errResp.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/ready", "", nil).Code)
}
