// Package robokassa implements gateway.Gateway against the Robokassa
// merchant API: the hosted payment page, the OpStateExt XML status service
// and the JWT-signed refund service.
package robokassa

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httpclient"
)

const maxResponseBytes = 1 << 20

// Default endpoints.
const (
	DefaultPaymentURL = "https://auth.robokassa.ru/Merchant/Index.aspx"
	DefaultStateURL   = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx/OpStateExt"
	DefaultRefundURL  = "https://services.robokassa.ru/RefundService/Refund"
)

// Result codes of the status service.
const (
	resultOK            = 0
	resultNotFound      = 3
	resultInternalError = 1000
)

// Config holds the merchant account and endpoints.
type Config struct {
	MerchantLogin string
	// Password3 signs refund requests.
	Password3  string
	PaymentURL string
	StateURL   string
	RefundURL  string
	IsTest     bool
	Culture    string
	// Timeout bounds every outbound call, retries included.
	Timeout time.Duration
}

// HTTPDoer is the transport used for outbound calls.
type HTTPDoer interface {
	Get(ctx context.Context, url string) (*http.Response, error)
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)
}

// Client talks to Robokassa.
type Client struct {
	cfg    Config
	signer *signature.Verifier
	http   HTTPDoer
	logger *slog.Logger
}

// New creates a Robokassa client. Empty endpoints fall back to the
// production defaults.
func New(cfg Config, signer *signature.Verifier, doer HTTPDoer, logger *slog.Logger) (*Client, error) {
	if cfg.MerchantLogin == "" {
		return nil, errors.New("robokassa: merchant login is required")
	}
	if cfg.PaymentURL == "" {
		cfg.PaymentURL = DefaultPaymentURL
	}
	if cfg.StateURL == "" {
		cfg.StateURL = DefaultStateURL
	}
	if cfg.RefundURL == "" {
		cfg.RefundURL = DefaultRefundURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, signer: signer, http: doer, logger: logger}, nil
}

var _ gateway.Gateway = (*Client)(nil)

// PaymentURL builds the signed hosted payment page URL.
func (c *Client) PaymentURL(link gateway.PaymentLink) (string, error) {
	if link.InvID <= 0 || link.Amount <= 0 {
		return "", fmt.Errorf("robokassa: payment link needs a positive InvId and amount")
	}

	p := signature.Payload{
		OutSum: domain.FormatAmount(link.Amount),
		InvID:  strconv.FormatInt(link.InvID, 10),
		Shp:    link.Shp,
	}

	q := url.Values{}
	q.Set("MerchantLogin", c.cfg.MerchantLogin)
	q.Set("OutSum", p.OutSum)
	q.Set("InvId", p.InvID)
	q.Set("Description", link.Description)
	q.Set("SignatureValue", c.signer.SignPaymentLink(c.cfg.MerchantLogin, p))
	q.Set("Encoding", "utf-8")
	if c.cfg.Culture != "" {
		q.Set("Culture", c.cfg.Culture)
	}
	if c.cfg.IsTest {
		q.Set("IsTest", "1")
	}
	for k, v := range link.Shp {
		q.Set(k, v)
	}

	return c.cfg.PaymentURL + "?" + q.Encode(), nil
}

// ─── Operation state ─────────────────────────────────────────────────────────

type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code      int    `xml:"Code"`
		StateDate string `xml:"StateDate"`
	} `xml:"State"`
	Info struct {
		IncCurrLabel  string `xml:"IncCurrLabel"`
		OutSum        string `xml:"OutSum"`
		OpKey         string `xml:"OpKey"`
		PaymentMethod struct {
			Code string `xml:"Code"`
		} `xml:"PaymentMethod"`
	} `xml:"Info"`
}

// PaymentState queries OpStateExt for invID.
func (c *Client) PaymentState(ctx context.Context, invID int64) (*gateway.PaymentState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	id := strconv.FormatInt(invID, 10)
	q := url.Values{}
	q.Set("MerchantLogin", c.cfg.MerchantLogin)
	q.Set("InvoiceID", id)
	q.Set("Signature", c.signer.SignStatusQuery(c.cfg.MerchantLogin, id))

	resp, err := c.http.Get(ctx, c.cfg.StateURL+"?"+q.Encode())
	if err != nil {
		return nil, c.fail("state query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.fail("state query", statusError(resp))
	}

	var body opStateResponse
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("robokassa state query: decode response: %w", err)
	}

	switch body.Result.Code {
	case resultOK:
	case resultNotFound:
		return &gateway.PaymentState{InvID: invID}, nil
	case resultInternalError:
		return nil, apperrors.Unavailable("robokassa state query unavailable",
			fmt.Errorf("result code %d: %s", body.Result.Code, body.Result.Description))
	default:
		return nil, fmt.Errorf("robokassa state query: result code %d: %s", body.Result.Code, body.Result.Description)
	}

	state := &gateway.PaymentState{
		InvID:         invID,
		Found:         true,
		Code:          gateway.StateCode(body.State.Code),
		OpKey:         strings.TrimSpace(body.Info.OpKey),
		PaymentMethod: body.Info.PaymentMethod.Code,
	}
	if state.PaymentMethod == "" {
		state.PaymentMethod = body.Info.IncCurrLabel
	}
	if body.Info.OutSum != "" {
		amount, err := domain.ParseAmount(strings.TrimSpace(body.Info.OutSum))
		if err != nil {
			return nil, fmt.Errorf("robokassa state query: %w", err)
		}
		state.Amount = amount
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(body.State.StateDate)); err == nil {
		state.StateDate = t
	}

	return state, nil
}

// ─── Refunds ─────────────────────────────────────────────────────────────────

type refundItem struct {
	Name          string      `json:"Name"`
	Quantity      int         `json:"Quantity"`
	Cost          json.Number `json:"Cost"`
	Tax           string      `json:"Tax"`
	PaymentMethod string      `json:"PaymentMethod"`
	PaymentObject string      `json:"PaymentObject"`
}

type refundCreateResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

type refundStateResponse struct {
	RequestID string      `json:"requestId"`
	Amount    json.Number `json:"amount"`
	Label     string      `json:"label"`
	Message   string      `json:"message"`
}

// CreateRefund submits a refund to Refund/Create. The request body is a JWT
// signed with Password #3.
func (c *Client) CreateRefund(ctx context.Context, req *domain.RefundRequest) (*gateway.RefundResult, error) {
	if req.OpKey == "" {
		return nil, errors.New("robokassa refund: operation key is required")
	}
	if c.cfg.Password3 == "" {
		return nil, errors.New("robokassa refund: Password #3 is not configured")
	}

	token, err := c.refundToken(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.http.Post(ctx, c.cfg.RefundURL+"/Create", "application/json", strings.NewReader(token))
	if err != nil {
		return nil, c.fail("refund", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.fail("refund", err)
	}

	var body refundCreateResponse
	if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, c.fail("refund", &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
		}
		return nil, fmt.Errorf("robokassa refund: decode response: %w", jsonErr)
	}

	if !body.Success {
		msg := body.Message
		if msg == "" {
			msg = "refund declined"
		}
		return &gateway.RefundResult{Accepted: false, Message: msg}, nil
	}
	if body.RequestID == "" {
		return nil, errors.New("robokassa refund: accepted without a request id")
	}
	return &gateway.RefundResult{Accepted: true, RequestID: body.RequestID, Message: body.Message}, nil
}

func (c *Client) refundToken(req *domain.RefundRequest) (string, error) {
	items := make([]refundItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, refundItem{
			Name:          it.Name,
			Quantity:      it.Quantity,
			Cost:          json.Number(domain.FormatAmount(it.Cost)),
			Tax:           it.Tax,
			PaymentMethod: it.PaymentMethod,
			PaymentObject: it.PaymentObject,
		})
	}

	claims := jwt.MapClaims{
		"OpKey":     req.OpKey,
		"RefundSum": json.Number(domain.FormatAmount(req.Amount)),
	}
	if len(items) > 0 {
		claims["InvoiceItems"] = items
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.Password3))
	if err != nil {
		return "", fmt.Errorf("robokassa refund: sign request: %w", err)
	}
	return token, nil
}

// RefundState queries Refund/GetState for requestID.
func (c *Client) RefundState(ctx context.Context, requestID string) (*gateway.RefundProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.http.Get(ctx, c.cfg.RefundURL+"/GetState?id="+url.QueryEscape(requestID))
	if err != nil {
		return nil, c.fail("refund state", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NotFound("refund", requestID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.fail("refund state", statusError(resp))
	}

	var body refundStateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("robokassa refund state: decode response: %w", err)
	}

	progress := &gateway.RefundProgress{RequestID: requestID}
	switch strings.ToLower(body.Label) {
	case "finished":
		progress.State = domain.RefundCompleted
	case "canceled", "cancelled":
		progress.State = domain.RefundRejected
	case "processing":
		progress.State = domain.RefundProcessing
	default:
		return nil, fmt.Errorf("robokassa refund state: unknown label %q", body.Label)
	}
	if body.Amount != "" {
		if amount, err := domain.ParseAmount(body.Amount.String()); err == nil {
			progress.Amount = amount
		}
	}
	return progress, nil
}

// fail classifies an outbound failure. Transient ones become retryable
// GATEWAY_UNAVAILABLE errors.
func (c *Client) fail(op string, err error) error {
	if httpclient.IsTransient(err) {
		c.logger.Warn("robokassa call failed", slog.String("operation", op), slog.String("error", err.Error()))
		return apperrors.Unavailable("robokassa "+op+" unavailable", err)
	}
	return fmt.Errorf("robokassa %s: %w", op, err)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
