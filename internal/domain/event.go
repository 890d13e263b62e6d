package domain

import (
	"fmt"
	"time"
)

// Outcome is what the gateway says happened to a payment operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// EventSource tells where a payment event came from.
type EventSource string

const (
	SourceWebhook   EventSource = "webhook"
	SourceReconcile EventSource = "reconcile"
	SourceManual    EventSource = "manual"
)

// PaymentEvent is a verified claim that a payment operation for an invoice
// succeeded or failed. It is only built after the gateway message carrying
// it was authenticated.
type PaymentEvent struct {
	InvoiceID     string
	OperationID   string
	Amount        int64
	Outcome       Outcome
	PaymentMethod string
	Source        EventSource
	Reason        string
	OccurredAt    time.Time
}

// Validate checks the event is well formed.
func (e *PaymentEvent) Validate() error {
	switch {
	case e.InvoiceID == "":
		return fmt.Errorf("payment event: invoice id is required")
	case e.OperationID == "":
		return fmt.Errorf("payment event: operation id is required")
	case e.Amount <= 0:
		return fmt.Errorf("payment event: amount must be positive")
	case e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailed:
		return fmt.Errorf("payment event: unknown outcome %q", e.Outcome)
	}
	return nil
}

// TargetStatus is the invoice status a pending invoice moves to.
func (e *PaymentEvent) TargetStatus() Status {
	if e.Outcome == OutcomeSuccess {
		return StatusPaid
	}
	return StatusFailed
}

// Gateway callback channels.
const (
	ChannelResult  = "result"
	ChannelSuccess = "success"
	ChannelFail    = "fail"
)

// GatewayEvent is the audit record of one inbound gateway callback.
type GatewayEvent struct {
	ID            int64     `json:"id"`
	Channel       string    `json:"channel"`
	InvoiceID     string    `json:"invoice_id,omitempty"`
	GatewayInvID  string    `json:"gateway_inv_id"`
	PayloadSHA256 string    `json:"payload_sha256"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Gateway event outcomes.
const (
	EventApplied     = "applied"
	EventReplayed    = "replayed"
	EventRejected    = "rejected"
	EventBadSign     = "bad_signature"
	EventFailed      = "error"
	EventInformative = "informative"
)
