package domain

import "time"

// Status is the payment status of an invoice.
type Status string

// Invoice statuses. failed and cancelled are terminal; paid only changes
// through its refund sub-state.
const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further payment transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Only pending moves; nothing ever returns to pending.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusPending {
		return false
	}
	return next == StatusPaid || next == StatusFailed || next == StatusCancelled
}

// Payment methods recorded on paid invoices.
const (
	MethodCard = "card"
	MethodCash = "cash"
)

// DefaultCurrency is used when an invoice is created without one.
const DefaultCurrency = "RUB"

// Invoice bills one participant's registration for one workshop occurrence.
// Amount is in minor currency units.
type Invoice struct {
	ID                 string     `json:"id"`
	ParticipantID      string     `json:"participant_id"`
	UserID             string     `json:"user_id"`
	OccurrenceID       string     `json:"occurrence_id"`
	OccurrenceStartsAt time.Time  `json:"occurrence_starts_at"`
	Description        string     `json:"description"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	GatewayInvID       *int64     `json:"gateway_inv_id,omitempty"`
	OperationID        *string    `json:"operation_id,omitempty"`
	OpKey              *string    `json:"-"`
	PaymentMethod      string     `json:"payment_method,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`

	RefundState       RefundState `json:"refund_state"`
	RefundAmount      int64       `json:"refund_amount,omitempty"`
	RefundReason      string      `json:"refund_reason,omitempty"`
	RefundRequestID   string      `json:"refund_request_id,omitempty"`
	RefundRequestedAt *time.Time  `json:"refund_requested_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Operation returns the settled operation id, or "" when there is none.
func (inv *Invoice) Operation() string {
	if inv.OperationID == nil {
		return ""
	}
	return *inv.OperationID
}

// InvoiceFilter narrows invoice listings. Empty fields match everything.
type InvoiceFilter struct {
	Status       Status
	RefundState  RefundState
	UserID       string
	OccurrenceID string
}
