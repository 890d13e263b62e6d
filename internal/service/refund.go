package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	"github.com/AlexeiFed/waxhands-sub007/internal/notify"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

// ReasonNotGatewayPayment is returned for invoices settled outside the gateway.
const ReasonNotGatewayPayment = domain.ReasonNotGatewayPayment

// RefundConfig holds the refund policy and receipt line settings.
type RefundConfig struct {
	// Cutoff is how long before the workshop starts refunds stop being accepted.
	Cutoff        time.Duration
	ItemName      string
	Tax           string
	PaymentMethod string
	PaymentObject string
}

// DefaultRefundConfig returns a 72 hour cutoff and a VAT-free service receipt line.
func DefaultRefundConfig() RefundConfig {
	return RefundConfig{
		Cutoff:        72 * time.Hour,
		ItemName:      "Wax hand workshop",
		Tax:           "none",
		PaymentMethod: "full_payment",
		PaymentObject: "service",
	}
}

// RefundService coordinates refunds of paid invoices with the gateway.
type RefundService struct {
	invoices repository.InvoiceRepository
	gateway  gateway.Gateway
	notifier notify.Dispatcher
	opKeys   opKeys
	cfg      RefundConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRefundService creates a new refund service. cache may be nil.
func NewRefundService(
	invoices repository.InvoiceRepository,
	gw gateway.Gateway,
	notifier notify.Dispatcher,
	cache OpKeyCache,
	cfg RefundConfig,
	logger *slog.Logger,
) *RefundService {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &RefundService{
		invoices: invoices,
		gateway:  gw,
		notifier: notifier,
		opKeys:   opKeys{invoices: invoices, cache: cache, logger: logger},
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitiateRefundInput holds the parameters of a refund request. A zero
// amount refunds the whole invoice.
type InitiateRefundInput struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=500"`
}

// CheckEligibility evaluates the refund policy for an invoice now.
func (s *RefundService) CheckEligibility(ctx context.Context, invoiceID string) (*domain.Eligibility, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	e := inv.RefundEligibility(s.now(), s.cfg.Cutoff)
	return &e, nil
}

// InitiateRefund reserves the invoice's refund slot and submits the refund
// to the gateway. An accepted refund is left processing until reconciliation
// sees it finish. If the gateway cannot be reached the reservation is undone
// and a retryable error is returned.
func (s *RefundService) InitiateRefund(ctx context.Context, invoiceID string, input *InitiateRefundInput) (*domain.RefundRequest, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if e := inv.RefundEligibility(now, s.cfg.Cutoff); !e.Eligible {
		return nil, apperrors.NotEligible(e.Reason)
	}

	amount := input.Amount
	if amount == 0 {
		amount = inv.Amount
	}
	if amount < 0 || amount > inv.Amount {
		return nil, apperrors.InvalidInput(fmt.Sprintf("refund amount must be between 0.01 and %s", domain.FormatAmount(inv.Amount)))
	}
	previous := inv.RefundState
	restore := repository.RefundUpdate{
		Amount:      inv.RefundAmount,
		Reason:      inv.RefundReason,
		RequestID:   inv.RefundRequestID,
		RequestedAt: inv.RefundRequestedAt,
	}

	reserved, err := s.invoices.CompareAndSetRefund(ctx, inv.ID,
		[]domain.RefundState{domain.RefundNone, domain.RefundRejected}, domain.RefundRequested,
		repository.RefundUpdate{Amount: amount, Reason: input.Reason, RequestedAt: &now})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, apperrors.NotEligible(domain.ReasonRefundInProgress)
		}
		return nil, fmt.Errorf("reserve refund: %w", err)
	}

	rollback := func(cause error) error {
		if _, rerr := s.invoices.CompareAndSetRefund(context.WithoutCancel(ctx), inv.ID,
			[]domain.RefundState{domain.RefundRequested}, previous, restore); rerr != nil {
			s.logger.ErrorContext(ctx, "failed to release refund reservation",
				slog.String("invoice_id", inv.ID),
				slog.String("error", rerr.Error()),
			)
		}
		if apperrors.IsRetryable(cause) {
			refundsTotal.WithLabelValues("unavailable").Inc()
			return cause
		}
		if errors.Is(cause, apperrors.ErrRejected) {
			return cause
		}
		return fmt.Errorf("initiate refund: %w", cause)
	}

	opKey, err := s.resolveOpKey(ctx, reserved)
	if err != nil {
		return nil, rollback(err)
	}

	req := &domain.RefundRequest{
		InvoiceID: inv.ID,
		Amount:    amount,
		Currency:  inv.Currency,
		OpKey:     opKey,
		Items:     []domain.RefundItem{s.receiptLine(inv, amount)},
		State:     domain.RefundRequested,
	}

	res, err := s.gateway.CreateRefund(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "refund submission failed",
			slog.String("invoice_id", inv.ID),
			slog.String("error", err.Error()),
		)
		return nil, rollback(err)
	}

	if !res.Accepted {
		rejected, err := s.invoices.CompareAndSetRefund(ctx, inv.ID,
			[]domain.RefundState{domain.RefundRequested}, domain.RefundRejected,
			repository.RefundUpdate{Amount: amount, Reason: res.Message, RequestedAt: &now})
		if err != nil {
			return nil, fmt.Errorf("record refund rejection: %w", err)
		}
		refundsTotal.WithLabelValues("rejected").Inc()
		s.logger.WarnContext(ctx, "refund rejected by gateway",
			slog.String("invoice_id", inv.ID),
			slog.String("reason", res.Message),
		)
		s.notifyRefund(ctx, rejected, notify.EventRefundRejected, res.Message)
		return nil, apperrors.RefundRejected(res.Message)
	}

	processing, err := s.invoices.CompareAndSetRefund(ctx, inv.ID,
		[]domain.RefundState{domain.RefundRequested}, domain.RefundProcessing,
		repository.RefundUpdate{Amount: amount, Reason: input.Reason, RequestID: res.RequestID, RequestedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("record accepted refund %s: %w", res.RequestID, err)
	}

	refundsTotal.WithLabelValues("processing").Inc()
	s.logger.InfoContext(ctx, "refund accepted",
		slog.String("invoice_id", inv.ID),
		slog.String("request_id", res.RequestID),
		slog.Int64("amount", amount),
	)
	s.notifyRefund(ctx, processing, notify.EventRefundProcessing, "")

	req.RequestID = res.RequestID
	req.State = domain.RefundProcessing
	req.Reason = input.Reason
	return req, nil
}

// GetRefundInvoice returns the invoice a refund request belongs to without
// asking the gateway anything.
func (s *RefundService) GetRefundInvoice(ctx context.Context, requestID string) (*domain.Invoice, error) {
	return s.invoices.GetByRefundRequestID(ctx, requestID)
}

// GetRefundStatus reconciles a refund request with the gateway. A finished
// refund becomes completed and a cancelled one rejected; one still
// processing is left alone.
func (s *RefundService) GetRefundStatus(ctx context.Context, requestID string) (*domain.RefundStatus, error) {
	inv, err := s.invoices.GetByRefundRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	status := &domain.RefundStatus{
		RequestID: requestID,
		InvoiceID: inv.ID,
		State:     inv.RefundState,
		Amount:    inv.RefundAmount,
	}
	if inv.RefundState != domain.RefundProcessing {
		return status, nil
	}

	progress, err := s.gateway.RefundState(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("query refund %s: %w", requestID, err)
	}
	if progress.State != domain.RefundCompleted && progress.State != domain.RefundRejected {
		return status, nil
	}

	reason := inv.RefundReason
	if progress.State == domain.RefundRejected {
		reason = "cancelled by the gateway"
	}
	updated, err := s.invoices.CompareAndSetRefund(ctx, inv.ID,
		[]domain.RefundState{domain.RefundProcessing}, progress.State,
		repository.RefundUpdate{
			Amount:      inv.RefundAmount,
			Reason:      reason,
			RequestID:   inv.RefundRequestID,
			RequestedAt: inv.RefundRequestedAt,
		})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			current, gerr := s.invoices.GetByID(ctx, inv.ID)
			if gerr != nil {
				return nil, gerr
			}
			status.State = current.RefundState
			return status, nil
		}
		return nil, fmt.Errorf("record refund %s outcome: %w", requestID, err)
	}

	status.State = updated.RefundState
	status.Updated = true

	eventType := notify.EventRefundCompleted
	if updated.RefundState == domain.RefundRejected {
		eventType = notify.EventRefundRejected
	}
	refundsTotal.WithLabelValues(string(updated.RefundState)).Inc()
	s.logger.InfoContext(ctx, "refund settled",
		slog.String("invoice_id", inv.ID),
		slog.String("request_id", requestID),
		slog.String("state", string(updated.RefundState)),
	)
	s.notifyRefund(ctx, updated, eventType, reason)
	return status, nil
}

// resolveOpKey finds the operation key needed to refund inv: from the row,
// then the cache, then the gateway's operation state. A key fetched from the
// gateway is stored for next time.
func (s *RefundService) resolveOpKey(ctx context.Context, inv *domain.Invoice) (string, error) {
	if inv.OpKey != nil && *inv.OpKey != "" {
		return *inv.OpKey, nil
	}
	if key, ok := s.opKeys.lookup(ctx, inv.ID); ok {
		return key, nil
	}
	if inv.GatewayInvID == nil {
		return "", apperrors.NotEligible(ReasonNotGatewayPayment)
	}

	state, err := s.gateway.PaymentState(ctx, *inv.GatewayInvID)
	if err != nil {
		return "", fmt.Errorf("fetch operation key: %w", err)
	}
	if state.OpKey == "" {
		s.logger.WarnContext(ctx, "gateway returned no operation key",
			slog.String("invoice_id", inv.ID),
			slog.Int64("inv_id", *inv.GatewayInvID),
		)
		return "", apperrors.NotEligible(ReasonNotGatewayPayment)
	}
	s.opKeys.remember(ctx, inv.ID, state.OpKey)
	return state.OpKey, nil
}

func (s *RefundService) receiptLine(inv *domain.Invoice, amount int64) domain.RefundItem {
	name := inv.Description
	if name == "" {
		name = s.cfg.ItemName
	}
	return domain.RefundItem{
		Name:          name,
		Quantity:      1,
		Cost:          amount,
		Tax:           s.cfg.Tax,
		PaymentMethod: s.cfg.PaymentMethod,
		PaymentObject: s.cfg.PaymentObject,
	}
}

func (s *RefundService) notifyRefund(ctx context.Context, inv *domain.Invoice, eventType, reason string) {
	p := payloadFor(inv)
	p.Amount = inv.RefundAmount
	p.Reason = reason
	s.notifier.Notify(ctx, inv.UserID, eventType, p)
}
