package postgres

import (
	"context"
	"fmt"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
	"github.com/AlexeiFed/waxhands-sub007/pkg/database"
)

// GatewayEventRepository implements repository.GatewayEventRepository using PostgreSQL.
type GatewayEventRepository struct {
	db database.DBTX
}

// NewGatewayEventRepository creates a new PostgreSQL-backed gateway event log.
func NewGatewayEventRepository(db database.DBTX) *GatewayEventRepository {
	return &GatewayEventRepository{db: db}
}

var _ repository.GatewayEventRepository = (*GatewayEventRepository)(nil)

// Record appends a callback record and fills in its ID.
func (r *GatewayEventRepository) Record(ctx context.Context, ev *domain.GatewayEvent) (err error) {
	query := `
		INSERT INTO gateway_events (channel, invoice_id, gateway_inv_id, payload_sha256, outcome, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	ctx, end := database.TraceQuery(ctx, "RecordGatewayEvent", query)
	defer func() { end(err) }()

	var invoiceID *string
	if ev.InvoiceID != "" {
		invoiceID = &ev.InvoiceID
	}

	err = r.db.QueryRow(ctx, query,
		ev.Channel,
		invoiceID,
		ev.GatewayInvID,
		ev.PayloadSHA256,
		ev.Outcome,
		ev.Error,
		ev.ReceivedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert gateway event: %w", err)
	}
	return nil
}

// ListByInvoice returns the callbacks recorded for an invoice, newest first.
func (r *GatewayEventRepository) ListByInvoice(ctx context.Context, invoiceID string, limit int) (_ []domain.GatewayEvent, err error) {
	query := `
		SELECT id, channel, invoice_id, gateway_inv_id, payload_sha256, outcome, error, received_at
		FROM gateway_events
		WHERE invoice_id = $1
		ORDER BY received_at DESC
		LIMIT $2`

	ctx, end := database.TraceQuery(ctx, "ListGatewayEvents", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, invoiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list gateway events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.GatewayEvent, 0)
	for rows.Next() {
		var (
			ev  domain.GatewayEvent
			inv *string
		)
		if err := rows.Scan(&ev.ID, &ev.Channel, &inv, &ev.GatewayInvID, &ev.PayloadSHA256, &ev.Outcome, &ev.Error, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan gateway event: %w", err)
		}
		if inv != nil {
			ev.InvoiceID = *inv
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gateway events: %w", err)
	}
	return events, nil
}
