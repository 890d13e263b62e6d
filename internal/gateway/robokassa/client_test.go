package robokassa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httpclient"
)

const (
	testLogin     = "waxhands"
	testPassword3 = "refund-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	signer, err := signature.NewVerifier(signature.MD5, signature.Secrets{Password1: "p1", Password2: "p2"})
	require.NoError(t, err)

	doer := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.Config{Timeout: 2 * time.Second, MaxConnsPerHost: 4}),
		httpclient.DefaultCircuitBreakerConfig("robokassa-test"),
		testLogger(),
	)

	base := "http://invalid.local"
	if srv != nil {
		base = srv.URL
	}
	c, err := New(Config{
		MerchantLogin: testLogin,
		Password3:     testPassword3,
		PaymentURL:    "https://pay.example/Index.aspx",
		StateURL:      base + "/OpStateExt",
		RefundURL:     base + "/Refund",
		IsTest:        true,
		Timeout:       2 * time.Second,
	}, signer, doer, testLogger())
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// PaymentURL
// ---------------------------------------------------------------------------

func TestClient_PaymentURL(t *testing.T) {
	c := newTestClient(t, nil)

	raw, err := c.PaymentURL(gateway.PaymentLink{
		InvID:       100001,
		Amount:      75000,
		Description: "Wax hand workshop",
		Shp:         map[string]string{"Shp_label": "inv-uuid"},
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "pay.example", u.Host)
	assert.Equal(t, "750.00", q.Get("OutSum"))
	assert.Equal(t, "100001", q.Get("InvId"))
	assert.Equal(t, "inv-uuid", q.Get("Shp_label"))
	assert.Equal(t, "1", q.Get("IsTest"))

	want := c.signer.SignPaymentLink(testLogin, signature.Payload{
		OutSum: "750.00", InvID: "100001", Shp: map[string]string{"Shp_label": "inv-uuid"},
	})
	assert.Equal(t, want, q.Get("SignatureValue"))
}

func TestClient_PaymentURL_RejectsEmptyAmount(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.PaymentURL(gateway.PaymentLink{InvID: 1})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// PaymentState
// ---------------------------------------------------------------------------

const paidStateXML = `<?xml version="1.0" encoding="utf-8"?>
<OperationStateResponse xmlns="http://merchant.roboxchange.com/WebService/">
  <Result><Code>0</Code></Result>
  <State><Code>100</Code><RequestDate>2026-03-01T12:00:00+03:00</RequestDate><StateDate>2026-03-01T12:01:00+03:00</StateDate></State>
  <Info>
    <IncCurrLabel>BankCardPSR</IncCurrLabel>
    <IncSum>750.000000</IncSum>
    <PaymentMethod><Code>BankCard</Code><Description>Bank card</Description></PaymentMethod>
    <OutSum>750.000000</OutSum>
    <OpKey>op-key-123</OpKey>
  </Info>
</OperationStateResponse>`

func TestClient_PaymentState_Paid(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, paidStateXML)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	state, err := c.PaymentState(context.Background(), 100001)
	require.NoError(t, err)

	assert.True(t, state.Found)
	assert.Equal(t, gateway.StatePaid, state.Code)
	assert.Equal(t, int64(75000), state.Amount)
	assert.Equal(t, "op-key-123", state.OpKey)
	assert.Equal(t, "BankCard", state.PaymentMethod)
	assert.False(t, state.StateDate.IsZero())

	outcome, ok := state.Outcome()
	assert.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, outcome)

	assert.Equal(t, testLogin, gotQuery.Get("MerchantLogin"))
	assert.Equal(t, "100001", gotQuery.Get("InvoiceID"))
	assert.Equal(t, c.signer.SignStatusQuery(testLogin, "100001"), gotQuery.Get("Signature"))
}

func TestClient_PaymentState_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<OperationStateResponse><Result><Code>3</Code><Description>not found</Description></Result></OperationStateResponse>`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	state, err := c.PaymentState(context.Background(), 100002)
	require.NoError(t, err)
	assert.False(t, state.Found)
	_, ok := state.Outcome()
	assert.False(t, ok)
}

func TestClient_PaymentState_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.PaymentState(context.Background(), 100003)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "got: %v", err)
}

func TestClient_PaymentState_BadSignatureIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<OperationStateResponse><Result><Code>1</Code><Description>bad signature</Description></Result></OperationStateResponse>`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.PaymentState(context.Background(), 100004)
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
}

// ---------------------------------------------------------------------------
// Refunds
// ---------------------------------------------------------------------------

func TestClient_CreateRefund_Accepted(t *testing.T) {
	var claims jwt.MapClaims
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Refund/Create", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		tok, err := jwt.Parse(string(body), func(*jwt.Token) (any, error) { return []byte(testPassword3), nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if assert.NoError(t, err) {
			claims = tok.Claims.(jwt.MapClaims)
		}
		_, _ = io.WriteString(w, `{"success":true,"message":null,"requestId":"req-1"}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.CreateRefund(context.Background(), &domain.RefundRequest{
		Amount: 75000,
		OpKey:  "op-key-123",
		Items: []domain.RefundItem{{
			Name: "Wax hand workshop", Quantity: 1, Cost: 75000,
			Tax: "none", PaymentMethod: "full_payment", PaymentObject: "service",
		}},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "req-1", res.RequestID)

	require.NotNil(t, claims)
	assert.Equal(t, "op-key-123", claims["OpKey"])
	assert.Equal(t, 750.0, claims["RefundSum"])
	items, ok := claims["InvoiceItems"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestClient_CreateRefund_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"message":"Refund sum exceeds available","requestId":null}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.CreateRefund(context.Background(), &domain.RefundRequest{Amount: 75000, OpKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "Refund sum exceeds available", res.Message)
}

func TestClient_CreateRefund_ServerErrorIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.CreateRefund(context.Background(), &domain.RefundRequest{Amount: 75000, OpKey: "k"})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load(), "refund creation must not be retried")
}

func TestClient_CreateRefund_RequiresOpKey(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.CreateRefund(context.Background(), &domain.RefundRequest{Amount: 100})
	assert.Error(t, err)
}

func TestClient_RefundState(t *testing.T) {
	tests := []struct {
		label string
		want  domain.RefundState
	}{
		{"finished", domain.RefundCompleted},
		{"processing", domain.RefundProcessing},
		{"canceled", domain.RefundRejected},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/Refund/GetState", r.URL.Path)
				assert.Equal(t, "req-1", r.URL.Query().Get("id"))
				_, _ = io.WriteString(w, `{"requestId":"req-1","amount":750.00,"label":"`+tt.label+`"}`)
			}))
			defer srv.Close()
			c := newTestClient(t, srv)

			got, err := c.RefundState(context.Background(), "req-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, int64(75000), got.Amount)
		})
	}
}

func TestClient_RefundState_UnknownRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.RefundState(context.Background(), "nope")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
