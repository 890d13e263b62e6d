package domain

import "time"

// RefundState is the refund sub-state of a paid invoice.
type RefundState string

const (
	RefundNone       RefundState = "none"
	RefundRequested  RefundState = "requested"
	RefundProcessing RefundState = "processing"
	RefundCompleted  RefundState = "completed"
	RefundRejected   RefundState = "rejected"
)

// Valid reports whether s is a known refund state.
func (s RefundState) Valid() bool {
	switch s {
	case RefundNone, RefundRequested, RefundProcessing, RefundCompleted, RefundRejected:
		return true
	}
	return false
}

// Open reports whether a new refund may be started from s. A rejected
// refund can be retried.
func (s RefundState) Open() bool {
	return s == RefundNone || s == RefundRejected
}

// CanTransitionTo reports whether the refund lifecycle allows moving from s
// to next. requested may fall back to the state it came from when the
// gateway could not be reached.
func (s RefundState) CanTransitionTo(next RefundState) bool {
	switch s {
	case RefundNone, RefundRejected:
		return next == RefundRequested
	case RefundRequested:
		return next == RefundProcessing || next == RefundRejected || next == RefundNone
	case RefundProcessing:
		return next == RefundCompleted || next == RefundRejected
	}
	return false
}

// Eligibility reasons.
const (
	ReasonNotPaid           = "invoice is not paid"
	ReasonNotGatewayPayment = "invoice was not paid through the gateway"
	ReasonRefundInProgress  = "refund already in progress"
	ReasonRefundCompleted   = "refund already completed"
	ReasonWorkshopStarted   = "workshop already started"
	ReasonWithinCutoff      = "within cutoff window"
)

// Eligibility is the answer to "may this invoice be refunded now".
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	// Deadline is the last instant a refund may be requested.
	Deadline time.Time `json:"deadline"`
}

// PaidThroughGateway reports whether the invoice was settled by the
// gateway, which is the only way it can be refunded.
func (inv *Invoice) PaidThroughGateway() bool {
	if inv.PaymentMethod == MethodCash {
		return false
	}
	return inv.GatewayInvID != nil || (inv.OpKey != nil && *inv.OpKey != "")
}

// RefundEligibility evaluates the refund policy at now: the invoice must be
// paid through the gateway, have no refund open or completed, and the
// workshop must start strictly more than cutoff after now. Remaining time
// exactly equal to the cutoff is not enough.
func (inv *Invoice) RefundEligibility(now time.Time, cutoff time.Duration) Eligibility {
	e := Eligibility{Deadline: inv.OccurrenceStartsAt.Add(-cutoff)}

	switch {
	case inv.Status != StatusPaid:
		e.Reason = ReasonNotPaid
	case !inv.PaidThroughGateway():
		e.Reason = ReasonNotGatewayPayment
	case inv.RefundState == RefundCompleted:
		e.Reason = ReasonRefundCompleted
	case !inv.RefundState.Open():
		e.Reason = ReasonRefundInProgress
	case !now.Before(inv.OccurrenceStartsAt):
		e.Reason = ReasonWorkshopStarted
	case inv.OccurrenceStartsAt.Sub(now) <= cutoff:
		e.Reason = ReasonWithinCutoff
	default:
		e.Eligible = true
	}
	return e
}

// RefundItem is one fiscal receipt line of a refund.
type RefundItem struct {
	Name          string `json:"name"`
	Quantity      int    `json:"quantity"`
	Cost          int64  `json:"cost"`
	Tax           string `json:"tax"`
	PaymentMethod string `json:"payment_method"`
	PaymentObject string `json:"payment_object"`
}

// RefundRequest is a refund sent to the gateway for one invoice.
type RefundRequest struct {
	InvoiceID string       `json:"invoice_id"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
	OpKey     string       `json:"-"`
	Items     []RefundItem `json:"items"`
	RequestID string       `json:"request_id,omitempty"`
	State     RefundState  `json:"state"`
	Reason    string       `json:"reason,omitempty"`
}

// RefundStatus is the reconciled state of a refund request.
type RefundStatus struct {
	RequestID string      `json:"request_id"`
	InvoiceID string      `json:"invoice_id"`
	State     RefundState `json:"state"`
	Amount    int64       `json:"amount"`
	// Updated reports whether this query changed the stored state.
	Updated bool `json:"-"`
}
