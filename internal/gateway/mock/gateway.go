package mock

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

// Gateway is an in-memory payment provider for development and tests.
// Unknown operations report "not found" and refunds are accepted unless a
// response was scripted.
type Gateway struct {
	mu         sync.Mutex
	states     map[int64]gateway.PaymentState
	stateErr   error
	refundRes  *gateway.RefundResult
	refundErr  error
	refunds    map[string]gateway.RefundProgress
	nextRefund int

	stateCalls  int
	refundCalls int
	lastRefund  *domain.RefundRequest
}

// NewGateway creates an empty mock gateway.
func NewGateway() *Gateway {
	return &Gateway{
		states:  make(map[int64]gateway.PaymentState),
		refunds: make(map[string]gateway.RefundProgress),
	}
}

var _ gateway.Gateway = (*Gateway)(nil)

// PaymentURL returns a fake checkout URL carrying the link parameters.
func (g *Gateway) PaymentURL(link gateway.PaymentLink) (string, error) {
	q := url.Values{}
	q.Set("InvId", strconv.FormatInt(link.InvID, 10))
	q.Set("OutSum", domain.FormatAmount(link.Amount))
	for k, v := range link.Shp {
		q.Set(k, v)
	}
	return "https://mock.gateway/pay?" + q.Encode(), nil
}

// SetPaymentState scripts the state reported for invID.
func (g *Gateway) SetPaymentState(invID int64, code gateway.StateCode, amount int64, opKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[invID] = gateway.PaymentState{
		InvID:         invID,
		Found:         true,
		Code:          code,
		Amount:        amount,
		OpKey:         opKey,
		PaymentMethod: "BankCard",
	}
}

// FailPaymentState makes every state query fail with err until reset with nil.
func (g *Gateway) FailPaymentState(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateErr = err
}

func (g *Gateway) PaymentState(ctx context.Context, invID int64) (*gateway.PaymentState, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("mock gateway", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateCalls++

	if g.stateErr != nil {
		return nil, g.stateErr
	}
	st, ok := g.states[invID]
	if !ok {
		return &gateway.PaymentState{InvID: invID}, nil
	}
	return &st, nil
}

// SetRefundResponse scripts the answer to the next refund requests.
func (g *Gateway) SetRefundResponse(res *gateway.RefundResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundRes = res
	g.refundErr = err
}

func (g *Gateway) CreateRefund(_ context.Context, req *domain.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	cp := *req
	g.lastRefund = &cp

	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if g.refundRes != nil {
		res := *g.refundRes
		if res.Accepted {
			g.refunds[res.RequestID] = gateway.RefundProgress{RequestID: res.RequestID, State: domain.RefundProcessing, Amount: req.Amount}
		}
		return &res, nil
	}

	g.nextRefund++
	id := fmt.Sprintf("mock-refund-%d", g.nextRefund)
	g.refunds[id] = gateway.RefundProgress{RequestID: id, State: domain.RefundProcessing, Amount: req.Amount}
	return &gateway.RefundResult{Accepted: true, RequestID: id}, nil
}

// SetRefundState scripts the progress reported for requestID.
func (g *Gateway) SetRefundState(requestID string, state domain.RefundState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.refunds[requestID]
	p.RequestID = requestID
	p.State = state
	g.refunds[requestID] = p
}

func (g *Gateway) RefundState(_ context.Context, requestID string) (*gateway.RefundProgress, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.refunds[requestID]
	if !ok {
		return nil, apperrors.NotFound("refund", requestID)
	}
	return &p, nil
}

// StateCalls returns how many state queries were made.
func (g *Gateway) StateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateCalls
}

// RefundCalls returns how many refunds were submitted.
func (g *Gateway) RefundCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

// LastRefund returns the most recent refund request, or nil.
func (g *Gateway) LastRefund() *domain.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRefund
}
