package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
	"github.com/AlexeiFed/waxhands-sub007/pkg/database"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

const invoiceColumns = `id, participant_id, user_id, occurrence_id, occurrence_starts_at, description,
	amount, currency, status, gateway_inv_id, operation_id, op_key, payment_method, failure_reason, paid_at,
	refund_state, refund_amount, refund_reason, refund_request_id, refund_requested_at, created_at, updated_at`

// InvoiceRepository implements repository.InvoiceRepository using PostgreSQL.
type InvoiceRepository struct {
	db  database.DBTX
	now func() time.Time
}

// NewInvoiceRepository creates a new PostgreSQL-backed invoice repository.
func NewInvoiceRepository(db database.DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ repository.InvoiceRepository = (*InvoiceRepository)(nil)

// ─── Create ──────────────────────────────────────────────────────────────────

// Create inserts a new invoice.
func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) (err error) {
	query := `
		INSERT INTO invoices (id, participant_id, user_id, occurrence_id, occurrence_starts_at, description,
			amount, currency, status, refund_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	ctx, end := database.TraceQuery(ctx, "CreateInvoice", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		inv.ID,
		inv.ParticipantID,
		inv.UserID,
		inv.OccurrenceID,
		inv.OccurrenceStartsAt,
		inv.Description,
		inv.Amount,
		inv.Currency,
		string(inv.Status),
		string(inv.RefundState),
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("participant already has a live invoice for this occurrence")
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// ─── Lookups ─────────────────────────────────────────────────────────────────

// GetByID retrieves an invoice by its ID.
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return r.getOne(ctx, "GetInvoice", "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id)
}

// GetByGatewayInvID retrieves the invoice a gateway InvId was issued for.
func (r *InvoiceRepository) GetByGatewayInvID(ctx context.Context, invID int64) (*domain.Invoice, error) {
	inv, err := r.getOne(ctx, "GetInvoiceByInvID", "SELECT "+invoiceColumns+" FROM invoices WHERE gateway_inv_id = $1", invID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("invoice with InvId", fmt.Sprint(invID))
	}
	return inv, err
}

// GetByRefundRequestID retrieves the invoice a refund request belongs to.
func (r *InvoiceRepository) GetByRefundRequestID(ctx context.Context, requestID string) (*domain.Invoice, error) {
	inv, err := r.getOne(ctx, "GetInvoiceByRefund", "SELECT "+invoiceColumns+" FROM invoices WHERE refund_request_id = $1", requestID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("refund", requestID)
	}
	return inv, err
}

func (r *InvoiceRepository) getOne(ctx context.Context, op, query string, arg any) (_ *domain.Invoice, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("invoice", fmt.Sprint(arg))
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// ─── List ────────────────────────────────────────────────────────────────────

// List returns invoices matching filter, newest first, with the total count.
func (r *InvoiceRepository) List(ctx context.Context, filter domain.InvoiceFilter, offset, limit int) (_ []domain.Invoice, _ int, err error) {
	var (
		conditions []string
		args       []any
		argIndex   = 1
	)

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if filter.RefundState != "" {
		conditions = append(conditions, fmt.Sprintf("refund_state = $%d", argIndex))
		args = append(args, string(filter.RefundState))
		argIndex++
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, filter.UserID)
		argIndex++
	}
	if filter.OccurrenceID != "" {
		conditions = append(conditions, fmt.Sprintf("occurrence_id = $%d", argIndex))
		args = append(args, filter.OccurrenceID)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total_count
		FROM invoices
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		invoiceColumns, whereClause, argIndex, argIndex+1,
	)
	args = append(args, limit, offset)

	ctx, end := database.TraceQuery(ctx, "ListInvoices", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var total int
	invoices := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invoice row: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invoice rows: %w", err)
	}
	return invoices, total, nil
}

// ListPendingOlderThan returns pending invoices with a gateway InvId that
// were last updated before the given time. Ordering by last_checked_at
// rotates through invoices the gateway keeps leaving undecided.
func (r *InvoiceRepository) ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Invoice, error) {
	query := "SELECT " + invoiceColumns + ` FROM invoices
		WHERE status = 'pending' AND gateway_inv_id IS NOT NULL AND updated_at < $1
		ORDER BY last_checked_at ASC NULLS FIRST, updated_at ASC
		LIMIT $2`
	return r.listMany(ctx, "ListPendingInvoices", query, before, limit)
}

// ListRefundsInState returns paid invoices whose refund is in state, oldest request first.
func (r *InvoiceRepository) ListRefundsInState(ctx context.Context, state domain.RefundState, limit int) ([]domain.Invoice, error) {
	query := "SELECT " + invoiceColumns + ` FROM invoices
		WHERE status = 'paid' AND refund_state = $1
		ORDER BY refund_requested_at ASC NULLS LAST
		LIMIT $2`
	return r.listMany(ctx, "ListRefundsInState", query, string(state), limit)
}

func (r *InvoiceRepository) listMany(ctx context.Context, op, query string, args ...any) (_ []domain.Invoice, err error) {
	ctx, end := database.TraceQuery(ctx, op, query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice row: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice rows: %w", err)
	}
	return invoices, nil
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// AssignGatewayInvID issues a gateway InvId to a pending invoice. An invoice
// that already holds one keeps it.
func (r *InvoiceRepository) AssignGatewayInvID(ctx context.Context, id string) (_ int64, err error) {
	query := `
		UPDATE invoices
		SET gateway_inv_id = COALESCE(gateway_inv_id, nextval('invoice_gateway_inv_id_seq')), updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING gateway_inv_id`

	ctx, end := database.TraceQuery(ctx, "AssignGatewayInvID", query)
	defer func() { end(err) }()

	var invID int64
	err = r.db.QueryRow(ctx, query, id, r.now()).Scan(&invID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.missOrConflict(ctx, id, "invoice is no longer pending")
		}
		return 0, fmt.Errorf("assign gateway inv id: %w", err)
	}
	return invID, nil
}

// CompareAndSetStatus moves the invoice from expected to next in one
// statement and returns the stored row.
func (r *InvoiceRepository) CompareAndSetStatus(
	ctx context.Context, id string, expected, next domain.Status, upd repository.InvoiceUpdate,
) (_ *domain.Invoice, err error) {
	query := `
		UPDATE invoices
		SET status = $3, operation_id = $4, payment_method = $5, paid_at = $6, failure_reason = $7, updated_at = $8
		WHERE id = $1 AND status = $2
		RETURNING ` + invoiceColumns

	ctx, end := database.TraceQuery(ctx, "CompareAndSetStatus", query)
	defer func() { end(err) }()

	inv, err := scanInvoice(r.db.QueryRow(ctx, query,
		id,
		string(expected),
		string(next),
		upd.OperationID,
		upd.PaymentMethod,
		upd.PaidAt,
		upd.FailureReason,
		r.now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrConflict(ctx, id, fmt.Sprintf("invoice is no longer %s", expected))
		}
		return nil, fmt.Errorf("update invoice status: %w", err)
	}
	return inv, nil
}

// CompareAndSetRefund moves a paid invoice's refund state from one of
// expected to next and returns the stored row.
func (r *InvoiceRepository) CompareAndSetRefund(
	ctx context.Context, id string, expected []domain.RefundState, next domain.RefundState, upd repository.RefundUpdate,
) (_ *domain.Invoice, err error) {
	query := `
		UPDATE invoices
		SET refund_state = $3, refund_amount = $4, refund_reason = $5, refund_request_id = $6,
			refund_requested_at = $7, updated_at = $8
		WHERE id = $1 AND status = 'paid' AND refund_state = ANY($2)
		RETURNING ` + invoiceColumns

	ctx, end := database.TraceQuery(ctx, "CompareAndSetRefund", query)
	defer func() { end(err) }()

	states := make([]string, len(expected))
	for i, s := range expected {
		states[i] = string(s)
	}

	inv, err := scanInvoice(r.db.QueryRow(ctx, query,
		id,
		states,
		string(next),
		upd.Amount,
		upd.Reason,
		upd.RequestID,
		upd.RequestedAt,
		r.now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrConflict(ctx, id, "refund state changed concurrently")
		}
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("refund request id already recorded")
		}
		return nil, fmt.Errorf("update refund state: %w", err)
	}
	return inv, nil
}

// SetOpKey stores the gateway operation key of an invoice.
func (r *InvoiceRepository) SetOpKey(ctx context.Context, id, opKey string) (err error) {
	query := "UPDATE invoices SET op_key = $2 WHERE id = $1"

	ctx, end := database.TraceQuery(ctx, "SetOpKey", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, id, opKey)
	if err != nil {
		return fmt.Errorf("set op key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("invoice", id)
	}
	return nil
}

// MarkChecked stamps last_checked_at on an invoice.
func (r *InvoiceRepository) MarkChecked(ctx context.Context, id string, at time.Time) (err error) {
	query := "UPDATE invoices SET last_checked_at = $2 WHERE id = $1"

	ctx, end := database.TraceQuery(ctx, "MarkChecked", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark invoice checked: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("invoice", id)
	}
	return nil
}

// missOrConflict tells a missing invoice apart from a compare-and-set that
// lost to a concurrent writer.
func (r *InvoiceRepository) missOrConflict(ctx context.Context, id, msg string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check invoice exists: %w", err)
	}
	if !exists {
		return apperrors.NotFound("invoice", id)
	}
	return apperrors.Conflict(msg)
}

// ─── Scanning ────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

// scanInvoice reads one invoiceColumns row. extra receives any trailing
// columns, such as a window count.
func scanInvoice(row rowScanner, extra ...any) (*domain.Invoice, error) {
	var (
		inv         domain.Invoice
		status      string
		refundState string
	)

	dest := []any{
		&inv.ID,
		&inv.ParticipantID,
		&inv.UserID,
		&inv.OccurrenceID,
		&inv.OccurrenceStartsAt,
		&inv.Description,
		&inv.Amount,
		&inv.Currency,
		&status,
		&inv.GatewayInvID,
		&inv.OperationID,
		&inv.OpKey,
		&inv.PaymentMethod,
		&inv.FailureReason,
		&inv.PaidAt,
		&refundState,
		&inv.RefundAmount,
		&inv.RefundReason,
		&inv.RefundRequestID,
		&inv.RefundRequestedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	inv.Status = domain.Status(status)
	inv.RefundState = domain.RefundState(refundState)
	return &inv, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "23505")
}
