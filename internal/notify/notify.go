// Package notify delivers best-effort notifications about invoice changes
// to the parent who owns the invoice.
package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event types.
const (
	EventPaymentSuccess   = "payment_success"
	EventPaymentFailed    = "payment_failed"
	EventRefundProcessing = "refund_processing"
	EventRefundCompleted  = "refund_completed"
	EventRefundRejected   = "refund_rejected"
)

// Payload is the body of an invoice notification.
type Payload struct {
	InvoiceID     string `json:"invoice_id"`
	ParticipantID string `json:"participant_id"`
	OccurrenceID  string `json:"occurrence_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	RefundState   string `json:"refund_state,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Dispatcher sends a notification. It reports whether the notification was
// accepted; failures never propagate to the caller.
type Dispatcher interface {
	Notify(ctx context.Context, userID, eventType string, payload Payload) bool
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Notify(context.Context, string, string, Payload) bool { return true }

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_notifications_total",
		Help: "Notifications by event type and outcome (sent, dropped, failed).",
	},
	[]string{"event_type", "outcome"},
)
