package repository

import (
	"context"
	"time"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
)

// InvoiceUpdate holds the payment columns written together with a status
// change. All fields are written as given.
type InvoiceUpdate struct {
	OperationID   *string
	PaymentMethod string
	PaidAt        *time.Time
	FailureReason string
}

// RefundUpdate holds the refund columns written together with a refund
// state change. All fields are written as given.
type RefundUpdate struct {
	Amount      int64
	Reason      string
	RequestID   string
	RequestedAt *time.Time
}

// InvoiceRepository is the Invoice Store. Every state change is a
// compare-and-set: the write only happens if the row still holds the
// expected state, which is what serialises concurrent transitions on one
// invoice. A lost race is reported as apperrors.ErrConflict and a missing
// row as apperrors.ErrNotFound.
type InvoiceRepository interface {
	// Create inserts a new invoice. A second live invoice for the same
	// participant and occurrence is a conflict.
	Create(ctx context.Context, inv *domain.Invoice) error

	// GetByID returns the invoice with the given ID.
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)

	// GetByGatewayInvID returns the invoice a gateway InvId was issued for.
	GetByGatewayInvID(ctx context.Context, invID int64) (*domain.Invoice, error)

	// GetByRefundRequestID returns the invoice a gateway refund request belongs to.
	GetByRefundRequestID(ctx context.Context, requestID string) (*domain.Invoice, error)

	// List returns a page of invoices matching filter, newest first, and the total count.
	List(ctx context.Context, filter domain.InvoiceFilter, offset, limit int) ([]domain.Invoice, int, error)

	// AssignGatewayInvID issues a fresh gateway InvId to a pending invoice.
	AssignGatewayInvID(ctx context.Context, id string) (int64, error)

	// CompareAndSetStatus moves the invoice from expected to next and writes upd,
	// returning the stored result.
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, upd InvoiceUpdate) (*domain.Invoice, error)

	// CompareAndSetRefund moves a paid invoice's refund state from any of
	// expected to next and writes upd, returning the stored result.
	CompareAndSetRefund(ctx context.Context, id string, expected []domain.RefundState, next domain.RefundState, upd RefundUpdate) (*domain.Invoice, error)

	// SetOpKey stores the gateway operation key used for refunds.
	SetOpKey(ctx context.Context, id, opKey string) error

	// MarkChecked records that the gateway was asked about the invoice at
	// the given time. It does not touch updated_at.
	MarkChecked(ctx context.Context, id string, at time.Time) error

	// ListPendingOlderThan returns pending invoices holding a gateway InvId
	// that were last touched before the given time. Invoices never checked
	// come first, then the least recently checked.
	ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Invoice, error)

	// ListRefundsInState returns paid invoices whose refund is in state, oldest request first.
	ListRefundsInState(ctx context.Context, state domain.RefundState, limit int) ([]domain.Invoice, error)
}

// GatewayEventRepository stores the audit trail of gateway callbacks.
type GatewayEventRepository interface {
	// Record appends one callback record.
	Record(ctx context.Context, ev *domain.GatewayEvent) error

	// ListByInvoice returns the callbacks recorded for an invoice, newest first.
	ListByInvoice(ctx context.Context, invoiceID string, limit int) ([]domain.GatewayEvent, error)
}
