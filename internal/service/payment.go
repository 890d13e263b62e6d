package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway"
	"github.com/AlexeiFed/waxhands-sub007/internal/notify"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

// maxTransitionAttempts bounds how often a lost compare-and-set is re-evaluated.
const maxTransitionAttempts = 3

// labelParam is the pass-through parameter that carries the invoice ID
// through the gateway.
const labelParam = "Shp_label"

// PaymentService implements the invoice lifecycle: creation, payment links,
// the payment state machine and gateway callbacks.
type PaymentService struct {
	invoices repository.InvoiceRepository
	events   repository.GatewayEventRepository
	gateway  gateway.Gateway
	verifier *signature.Verifier
	notifier notify.Dispatcher
	opKeys   opKeys
	logger   *slog.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service. cache may be nil.
func NewPaymentService(
	invoices repository.InvoiceRepository,
	events repository.GatewayEventRepository,
	gw gateway.Gateway,
	verifier *signature.Verifier,
	notifier notify.Dispatcher,
	cache OpKeyCache,
	logger *slog.Logger,
) *PaymentService {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &PaymentService{
		invoices: invoices,
		events:   events,
		gateway:  gw,
		verifier: verifier,
		notifier: notifier,
		opKeys:   opKeys{invoices: invoices, cache: cache, logger: logger},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateInvoiceInput holds the parameters for billing a registration.
type CreateInvoiceInput struct {
	ParticipantID      string    `json:"participant_id" validate:"required,max=64"`
	UserID             string    `json:"user_id" validate:"required,max=64"`
	OccurrenceID       string    `json:"occurrence_id" validate:"required,max=64"`
	OccurrenceStartsAt time.Time `json:"occurrence_starts_at" validate:"required"`
	Description        string    `json:"description" validate:"max=255"`
	Amount             int64     `json:"amount" validate:"required,gt=0"`
	Currency           string    `json:"currency" validate:"omitempty,currency"`
}

// PaymentLinkResult is a hosted payment page opened for an invoice.
type PaymentLinkResult struct {
	InvoiceID string `json:"invoice_id"`
	InvID     int64  `json:"inv_id"`
	URL       string `json:"payment_url"`
}

// ApplyResult describes what a payment event did to its invoice.
type ApplyResult struct {
	Invoice *domain.Invoice
	// Applied is true when the event moved the invoice to a new status.
	Applied bool
}

// ─── Invoices ────────────────────────────────────────────────────────────────

// CreateInvoice creates a pending invoice for a registration.
func (s *PaymentService) CreateInvoice(ctx context.Context, input *CreateInvoiceInput) (*domain.Invoice, error) {
	if input.Amount <= 0 {
		return nil, apperrors.InvalidInput("amount must be greater than zero")
	}
	if input.OccurrenceStartsAt.IsZero() {
		return nil, apperrors.InvalidInput("occurrence_starts_at is required")
	}

	currency := strings.ToUpper(input.Currency)
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	now := s.now()
	inv := &domain.Invoice{
		ID:                 uuid.NewString(),
		ParticipantID:      input.ParticipantID,
		UserID:             input.UserID,
		OccurrenceID:       input.OccurrenceID,
		OccurrenceStartsAt: input.OccurrenceStartsAt.UTC(),
		Description:        input.Description,
		Amount:             input.Amount,
		Currency:           currency,
		Status:             domain.StatusPending,
		RefundState:        domain.RefundNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	s.logger.InfoContext(ctx, "invoice created",
		slog.String("invoice_id", inv.ID),
		slog.String("participant_id", inv.ParticipantID),
		slog.String("occurrence_id", inv.OccurrenceID),
		slog.Int64("amount", inv.Amount),
	)
	return inv, nil
}

// GetInvoice returns an invoice by ID.
func (s *PaymentService) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

// ListInvoices returns a page of invoices matching filter and the total count.
func (s *PaymentService) ListInvoices(ctx context.Context, filter domain.InvoiceFilter, offset, limit int) ([]domain.Invoice, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.RefundState != "" && !filter.RefundState.Valid() {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("unknown refund state %q", filter.RefundState))
	}
	invoices, total, err := s.invoices.List(ctx, filter, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, total, nil
}

// StartPayment issues the invoice's gateway InvId and returns the hosted
// payment page URL. The invoice ID travels as Shp_label so the callback can
// be matched without the InvId.
func (s *PaymentService) StartPayment(ctx context.Context, id string) (*PaymentLinkResult, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.StatusPending {
		return nil, apperrors.InvalidTransition(string(inv.Status), string(domain.StatusPaid))
	}

	invID, err := s.invoices.AssignGatewayInvID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, apperrors.InvalidTransition("non-pending", string(domain.StatusPaid))
		}
		return nil, fmt.Errorf("assign gateway inv id: %w", err)
	}

	link, err := s.gateway.PaymentURL(gateway.PaymentLink{
		InvID:       invID,
		Amount:      inv.Amount,
		Description: inv.Description,
		Shp:         map[string]string{labelParam: inv.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("build payment url: %w", err)
	}

	s.logger.InfoContext(ctx, "payment started",
		slog.String("invoice_id", inv.ID),
		slog.Int64("inv_id", invID),
	)
	return &PaymentLinkResult{InvoiceID: inv.ID, InvID: invID, URL: link}, nil
}

// ─── State machine ───────────────────────────────────────────────────────────

// ApplyPaymentEvent applies a verified payment event to its invoice.
//
// The claimed amount must equal the invoice amount whatever the status. A
// pending invoice moves to paid or failed. A repeat of the operation that
// settled the invoice, or a failure reported for an already dead invoice,
// changes nothing. Anything else contradicts what is stored and is rejected
// as an integrity violation. Notifications go out only when the status
// actually changes.
func (s *PaymentService) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent) (*ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	if ev.Source == "" {
		ev.Source = domain.SourceManual
	}

	for attempt := 1; ; attempt++ {
		inv, err := s.invoices.GetByID(ctx, ev.InvoiceID)
		if err != nil {
			return nil, err
		}

		transition, err := evaluate(inv, &ev)
		if err != nil {
			integrityViolationsTotal.Inc()
			paymentEventsTotal.WithLabelValues(string(ev.Source), "rejected").Inc()
			s.logger.ErrorContext(ctx, "integrity violation",
				slog.String("invoice_id", inv.ID),
				slog.String("operation_id", ev.OperationID),
				slog.String("status", string(inv.Status)),
				slog.String("source", string(ev.Source)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		if !transition {
			paymentEventsTotal.WithLabelValues(string(ev.Source), "replayed").Inc()
			s.logger.InfoContext(ctx, "payment event replayed",
				slog.String("invoice_id", inv.ID),
				slog.String("operation_id", ev.OperationID),
				slog.String("status", string(inv.Status)),
			)
			return &ApplyResult{Invoice: inv}, nil
		}

		next := ev.TargetStatus()
		upd := repository.InvoiceUpdate{
			OperationID:   &ev.OperationID,
			PaymentMethod: ev.PaymentMethod,
		}
		if next == domain.StatusPaid {
			paidAt := s.now()
			upd.PaidAt = &paidAt
		} else {
			upd.FailureReason = ev.Reason
			if upd.FailureReason == "" {
				upd.FailureReason = "payment failed"
			}
		}

		updated, err := s.invoices.CompareAndSetStatus(ctx, inv.ID, domain.StatusPending, next, upd)
		if err != nil {
			if errors.Is(err, apperrors.ErrConflict) && attempt < maxTransitionAttempts {
				continue
			}
			return nil, fmt.Errorf("apply payment event: %w", err)
		}

		paymentEventsTotal.WithLabelValues(string(ev.Source), "applied").Inc()
		s.logger.InfoContext(ctx, "invoice status changed",
			slog.String("invoice_id", updated.ID),
			slog.String("operation_id", ev.OperationID),
			slog.String("from", string(domain.StatusPending)),
			slog.String("to", string(next)),
			slog.String("source", string(ev.Source)),
		)

		eventType := notify.EventPaymentSuccess
		if next == domain.StatusFailed {
			eventType = notify.EventPaymentFailed
		}
		s.notifier.Notify(ctx, updated.UserID, eventType, payloadFor(updated))

		return &ApplyResult{Invoice: updated, Applied: true}, nil
	}
}

// evaluate decides what ev does to inv: transition reports whether inv must
// leave pending; a non-nil error rejects the event.
func evaluate(inv *domain.Invoice, ev *domain.PaymentEvent) (transition bool, err error) {
	if ev.Amount != inv.Amount {
		return false, apperrors.Integrity(fmt.Sprintf("amount %s does not match invoice amount %s",
			domain.FormatAmount(ev.Amount), domain.FormatAmount(inv.Amount)))
	}

	switch inv.Status {
	case domain.StatusPending:
		return true, nil
	case domain.StatusPaid:
		if ev.Outcome == domain.OutcomeSuccess && ev.OperationID == inv.Operation() {
			return false, nil
		}
		if ev.Outcome == domain.OutcomeSuccess {
			return false, apperrors.Integrity(fmt.Sprintf("invoice already settled by operation %s", inv.Operation()))
		}
		return false, apperrors.Integrity("failure reported for a paid invoice")
	case domain.StatusFailed, domain.StatusCancelled:
		if ev.Outcome == domain.OutcomeFailed {
			return false, nil
		}
		return false, apperrors.Integrity(fmt.Sprintf("payment received for %s invoice", inv.Status))
	}
	return false, apperrors.Integrity(fmt.Sprintf("invoice in unknown status %q", inv.Status))
}

// ConfirmCashPayment records a payment taken in cash by an administrator.
func (s *PaymentService) ConfirmCashPayment(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := s.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		InvoiceID:     inv.ID,
		OperationID:   "cash:" + inv.ID,
		Amount:        inv.Amount,
		Outcome:       domain.OutcomeSuccess,
		PaymentMethod: domain.MethodCash,
		Source:        domain.SourceManual,
		OccurredAt:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	return res.Invoice, nil
}

// CancelInvoice cancels a pending invoice. Cancelling a cancelled invoice is a no-op.
func (s *PaymentService) CancelInvoice(ctx context.Context, id, reason string) (*domain.Invoice, error) {
	for attempt := 1; ; attempt++ {
		inv, err := s.invoices.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if inv.Status == domain.StatusCancelled {
			return inv, nil
		}
		if !inv.Status.CanTransitionTo(domain.StatusCancelled) {
			return nil, apperrors.InvalidTransition(string(inv.Status), string(domain.StatusCancelled))
		}

		updated, err := s.invoices.CompareAndSetStatus(ctx, id, domain.StatusPending, domain.StatusCancelled,
			repository.InvoiceUpdate{FailureReason: reason})
		if err != nil {
			if errors.Is(err, apperrors.ErrConflict) && attempt < maxTransitionAttempts {
				continue
			}
			return nil, fmt.Errorf("cancel invoice: %w", err)
		}

		s.logger.InfoContext(ctx, "invoice cancelled",
			slog.String("invoice_id", id),
			slog.String("reason", reason),
		)
		return updated, nil
	}
}

// ─── Gateway callbacks ───────────────────────────────────────────────────────

// HandleResultNotification processes the authoritative Result callback and
// returns the body the gateway expects on success. raw is the request body
// or query as received, used only for the audit hash.
func (s *PaymentService) HandleResultNotification(ctx context.Context, values url.Values, raw []byte) (string, error) {
	record := s.newGatewayEvent(domain.ChannelResult, values, raw)
	defer s.recordGatewayEvent(ctx, record)

	payload, claimed := signature.FromValues(values)
	if !s.verifier.Verify(payload, claimed, signature.TierResult) {
		s.rejectSignature(ctx, record)
		return "", apperrors.InvalidSignature(domain.ChannelResult)
	}

	inv, invID, err := s.resolveInvoice(ctx, values)
	if err != nil {
		record.Outcome, record.Error = outcomeFor(err), err.Error()
		return "", err
	}
	record.InvoiceID = inv.ID

	amount, err := domain.ParseAmount(payload.OutSum)
	if err != nil {
		record.Outcome, record.Error = domain.EventRejected, err.Error()
		return "", apperrors.InvalidInput(err.Error())
	}

	method := values.Get("PaymentMethod")
	if method == "" {
		method = domain.MethodCard
	}

	res, err := s.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		InvoiceID:     inv.ID,
		OperationID:   gateway.OperationID(invID),
		Amount:        amount,
		Outcome:       domain.OutcomeSuccess,
		PaymentMethod: method,
		Source:        domain.SourceWebhook,
		OccurredAt:    s.now(),
	})
	if err != nil {
		record.Outcome, record.Error = outcomeFor(err), err.Error()
		return "", err
	}

	record.Outcome = domain.EventReplayed
	if res.Applied {
		record.Outcome = domain.EventApplied
	}
	return "OK" + payload.InvID, nil
}

// HandleSuccessRedirect verifies the browser's return from a successful
// payment and returns the invoice ID. It never changes the invoice itself;
// it asks the gateway for the operation state instead.
func (s *PaymentService) HandleSuccessRedirect(ctx context.Context, values url.Values, raw []byte) (string, error) {
	record := s.newGatewayEvent(domain.ChannelSuccess, values, raw)
	defer s.recordGatewayEvent(ctx, record)

	payload, claimed := signature.FromValues(values)
	if !s.verifier.Verify(payload, claimed, signature.TierPayment) {
		s.rejectSignature(ctx, record)
		return "", apperrors.InvalidSignature(domain.ChannelSuccess)
	}

	inv, _, err := s.resolveInvoice(ctx, values)
	if err != nil {
		record.Outcome, record.Error = outcomeFor(err), err.Error()
		return "", err
	}
	record.InvoiceID = inv.ID
	record.Outcome = domain.EventInformative

	if _, err := s.ReconcileInvoice(ctx, inv.ID); err != nil {
		s.logger.WarnContext(ctx, "status check after success redirect failed",
			slog.String("invoice_id", inv.ID),
			slog.String("error", err.Error()),
		)
	}
	return inv.ID, nil
}

// HandleFailRedirect records the browser's return from an abandoned or
// declined payment. It is unsigned, so it never changes the invoice. The
// invoice ID is returned when it can be resolved.
func (s *PaymentService) HandleFailRedirect(ctx context.Context, values url.Values, raw []byte) string {
	record := s.newGatewayEvent(domain.ChannelFail, values, raw)
	record.Outcome = domain.EventInformative
	defer s.recordGatewayEvent(ctx, record)

	inv, _, err := s.resolveInvoice(ctx, values)
	if err != nil {
		return ""
	}
	record.InvoiceID = inv.ID
	return inv.ID
}

// resolveInvoice finds the invoice a callback refers to: by the Shp_label
// invoice ID when present, otherwise by InvId. A label and an InvId that
// point at different invoices are rejected.
func (s *PaymentService) resolveInvoice(ctx context.Context, values url.Values) (*domain.Invoice, int64, error) {
	invID, err := strconv.ParseInt(strings.TrimSpace(values.Get("InvId")), 10, 64)
	if err != nil || invID <= 0 {
		return nil, 0, apperrors.InvalidInput("InvId must be a positive integer")
	}

	label := ""
	for k, vs := range values {
		if strings.EqualFold(k, labelParam) && len(vs) > 0 {
			label = vs[0]
		}
	}

	if label != "" {
		if _, perr := uuid.Parse(label); perr == nil {
			inv, err := s.invoices.GetByID(ctx, label)
			switch {
			case err == nil:
				if inv.GatewayInvID == nil || *inv.GatewayInvID != invID {
					return nil, 0, apperrors.Integrity(fmt.Sprintf("InvId %d was not issued for invoice %s", invID, inv.ID))
				}
				return inv, invID, nil
			case !errors.Is(err, apperrors.ErrNotFound):
				return nil, 0, err
			}
		}
	}

	inv, err := s.invoices.GetByGatewayInvID(ctx, invID)
	if err != nil {
		return nil, 0, err
	}
	return inv, invID, nil
}

func (s *PaymentService) rejectSignature(ctx context.Context, record *domain.GatewayEvent) {
	record.Outcome = domain.EventBadSign
	signatureFailuresTotal.WithLabelValues(record.Channel).Inc()
	s.logger.WarnContext(ctx, "gateway signature rejected",
		slog.String("channel", record.Channel),
		slog.String("inv_id", record.GatewayInvID),
		slog.String("payload_sha256", record.PayloadSHA256),
	)
}

// outcomeFor classifies a failed callback for the audit log.
func outcomeFor(err error) string {
	if errors.Is(err, apperrors.ErrIntegrity) || errors.Is(err, apperrors.ErrInvalidInput) {
		return domain.EventRejected
	}
	return domain.EventFailed
}

func (s *PaymentService) newGatewayEvent(channel string, values url.Values, raw []byte) *domain.GatewayEvent {
	if raw == nil {
		raw = []byte(values.Encode())
	}
	sum := sha256.Sum256(raw)
	return &domain.GatewayEvent{
		Channel:       channel,
		GatewayInvID:  values.Get("InvId"),
		PayloadSHA256: hex.EncodeToString(sum[:]),
		Outcome:       domain.EventFailed,
		ReceivedAt:    s.now(),
	}
}

func (s *PaymentService) recordGatewayEvent(ctx context.Context, ev *domain.GatewayEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.WarnContext(ctx, "failed to record gateway event",
			slog.String("channel", ev.Channel),
			slog.String("inv_id", ev.GatewayInvID),
			slog.String("error", err.Error()),
		)
	}
}

// ─── Reconciliation ──────────────────────────────────────────────────────────

// ReconcileResult is the outcome of one status check.
type ReconcileResult struct {
	Invoice *domain.Invoice
	// Updated is true when the check changed the invoice status.
	Updated bool
}

// ReconcileInvoice asks the gateway for the state of a pending invoice's
// operation and applies a decided outcome through ApplyPaymentEvent.
// Invoices that are not pending, or have no InvId yet, are left as they are.
func (s *PaymentService) ReconcileInvoice(ctx context.Context, id string) (*ReconcileResult, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.StatusPending || inv.GatewayInvID == nil {
		return &ReconcileResult{Invoice: inv}, nil
	}

	// Stamped before the query: failed checks rotate to the back too.
	if err := s.invoices.MarkChecked(ctx, inv.ID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "failed to record reconcile check",
			slog.String("invoice_id", inv.ID),
			slog.String("error", err.Error()),
		)
	}

	state, err := s.gateway.PaymentState(ctx, *inv.GatewayInvID)
	if err != nil {
		return nil, fmt.Errorf("query payment state of invoice %s: %w", inv.ID, err)
	}
	if state.OpKey != "" && (inv.OpKey == nil || *inv.OpKey != state.OpKey) {
		s.opKeys.remember(ctx, inv.ID, state.OpKey)
	}

	outcome, decided := state.Outcome()
	if !decided {
		s.logger.DebugContext(ctx, "payment still undecided",
			slog.String("invoice_id", inv.ID),
			slog.Int64("inv_id", *inv.GatewayInvID),
			slog.Bool("found", state.Found),
			slog.Int("state", int(state.Code)),
		)
		return &ReconcileResult{Invoice: inv}, nil
	}

	amount := state.Amount
	if amount == 0 && outcome == domain.OutcomeFailed {
		amount = inv.Amount
	}
	method := state.PaymentMethod
	if method == "" {
		method = domain.MethodCard
	}

	res, err := s.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		InvoiceID:     inv.ID,
		OperationID:   gateway.OperationID(*inv.GatewayInvID),
		Amount:        amount,
		Outcome:       outcome,
		PaymentMethod: method,
		Source:        domain.SourceReconcile,
		Reason:        "cancelled at the gateway",
		OccurredAt:    state.StateDate,
	})
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Invoice: res.Invoice, Updated: res.Applied}, nil
}

// GatewayEvents returns the recorded callbacks for an invoice, newest first.
func (s *PaymentService) GatewayEvents(ctx context.Context, invoiceID string, limit int) ([]domain.GatewayEvent, error) {
	if s.events == nil {
		return []domain.GatewayEvent{}, nil
	}
	return s.events.ListByInvoice(ctx, invoiceID, limit)
}

func payloadFor(inv *domain.Invoice) notify.Payload {
	return notify.Payload{
		InvoiceID:     inv.ID,
		ParticipantID: inv.ParticipantID,
		OccurrenceID:  inv.OccurrenceID,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		Status:        string(inv.Status),
		RefundState:   string(inv.RefundState),
	}
}
