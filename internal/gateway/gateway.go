// Package gateway defines the outbound side of the payment provider: payment
// links, operation state queries and refunds.
package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
)

// StateCode is the provider's operation state.
type StateCode int

const (
	StateInitiated  StateCode = 5
	StateCancelled  StateCode = 10
	StateProcessing StateCode = 50
	StateReturned   StateCode = 60
	StateSuspended  StateCode = 80
	StatePaid       StateCode = 100
)

// PaymentLink describes a hosted payment page to open for an invoice.
type PaymentLink struct {
	InvID       int64
	Amount      int64
	Description string
	// Shp holds pass-through parameters keyed by their full name.
	Shp map[string]string
}

// PaymentState is the provider's view of one payment operation.
type PaymentState struct {
	InvID int64
	// Found is false when the provider has no operation for the InvId yet.
	Found         bool
	Code          StateCode
	Amount        int64
	OpKey         string
	PaymentMethod string
	StateDate     time.Time
}

// Outcome maps the state onto a payment event outcome. ok is false while the
// operation is still in flight or the state carries no payment decision.
func (s *PaymentState) Outcome() (outcome domain.Outcome, ok bool) {
	if !s.Found {
		return "", false
	}
	switch s.Code {
	case StatePaid:
		return domain.OutcomeSuccess, true
	case StateCancelled:
		return domain.OutcomeFailed, true
	}
	return "", false
}

// RefundResult is the provider's answer to a refund request.
type RefundResult struct {
	Accepted  bool
	RequestID string
	Message   string
}

// RefundProgress is the provider's view of a refund request.
type RefundProgress struct {
	RequestID string
	State     domain.RefundState
	Amount    int64
}

// Gateway is the payment provider. Implementations return errors wrapping
// apperrors.ErrServiceUnavail for failures that may succeed on retry.
type Gateway interface {
	// PaymentURL builds the signed hosted payment page URL.
	PaymentURL(link PaymentLink) (string, error)

	// PaymentState queries the state of the operation issued under invID.
	PaymentState(ctx context.Context, invID int64) (*PaymentState, error)

	// CreateRefund submits a refund. A declined refund is not an error.
	CreateRefund(ctx context.Context, req *domain.RefundRequest) (*RefundResult, error)

	// RefundState queries the progress of a refund request.
	RefundState(ctx context.Context, requestID string) (*RefundProgress, error)
}

// OperationID is the operation id recorded for a payment settled under invID.
// Callbacks and state queries for the same InvId yield the same id, so a
// replay through either path is recognised.
func OperationID(invID int64) string {
	return "robokassa:" + strconv.FormatInt(invID, 10)
}
