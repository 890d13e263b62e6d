// Package memory provides map-backed stores with the same compare-and-set
// semantics as the PostgreSQL ones. They back tests and local runs without
// a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

const firstGatewayInvID = 100000

// InvoiceRepository is an in-memory repository.InvoiceRepository.
type InvoiceRepository struct {
	mu       sync.Mutex
	invoices map[string]*domain.Invoice
	checked  map[string]time.Time
	nextInv  int64
	now      func() time.Time
}

// NewInvoiceRepository creates an empty store.
func NewInvoiceRepository() *InvoiceRepository {
	return &InvoiceRepository{
		invoices: make(map[string]*domain.Invoice),
		checked:  make(map[string]time.Time),
		nextInv:  firstGatewayInvID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ repository.InvoiceRepository = (*InvoiceRepository)(nil)

// SetClock replaces the clock used for updated_at.
func (r *InvoiceRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *InvoiceRepository) Create(_ context.Context, inv *domain.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.invoices[inv.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("invoice %s already exists", inv.ID))
	}
	for _, other := range r.invoices {
		if other.ParticipantID == inv.ParticipantID && other.OccurrenceID == inv.OccurrenceID &&
			(other.Status == domain.StatusPending || other.Status == domain.StatusPaid) {
			return apperrors.Conflict("participant already has a live invoice for this occurrence")
		}
	}
	r.invoices[inv.ID] = clone(inv)
	return nil
}

func (r *InvoiceRepository) GetByID(_ context.Context, id string) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperrors.NotFound("invoice", id)
	}
	return clone(inv), nil
}

func (r *InvoiceRepository) GetByGatewayInvID(_ context.Context, invID int64) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inv := range r.invoices {
		if inv.GatewayInvID != nil && *inv.GatewayInvID == invID {
			return clone(inv), nil
		}
	}
	return nil, apperrors.NotFound("invoice with InvId", fmt.Sprint(invID))
}

func (r *InvoiceRepository) GetByRefundRequestID(_ context.Context, requestID string) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inv := range r.invoices {
		if requestID != "" && inv.RefundRequestID == requestID {
			return clone(inv), nil
		}
	}
	return nil, apperrors.NotFound("refund", requestID)
}

func (r *InvoiceRepository) List(_ context.Context, filter domain.InvoiceFilter, offset, limit int) ([]domain.Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]domain.Invoice, 0)
	for _, inv := range r.invoices {
		switch {
		case filter.Status != "" && inv.Status != filter.Status:
		case filter.RefundState != "" && inv.RefundState != filter.RefundState:
		case filter.UserID != "" && inv.UserID != filter.UserID:
		case filter.OccurrenceID != "" && inv.OccurrenceID != filter.OccurrenceID:
		default:
			matched = append(matched, *clone(inv))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return []domain.Invoice{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (r *InvoiceRepository) AssignGatewayInvID(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return 0, apperrors.NotFound("invoice", id)
	}
	if inv.Status != domain.StatusPending {
		return 0, apperrors.Conflict("invoice is no longer pending")
	}
	if inv.GatewayInvID == nil {
		r.nextInv++
		n := r.nextInv
		inv.GatewayInvID = &n
	}
	inv.UpdatedAt = r.now()
	return *inv.GatewayInvID, nil
}

func (r *InvoiceRepository) CompareAndSetStatus(
	_ context.Context, id string, expected, next domain.Status, upd repository.InvoiceUpdate,
) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperrors.NotFound("invoice", id)
	}
	if inv.Status != expected {
		return nil, apperrors.Conflict(fmt.Sprintf("invoice is no longer %s", expected))
	}

	inv.Status = next
	inv.OperationID = clonePtr(upd.OperationID)
	inv.PaymentMethod = upd.PaymentMethod
	inv.PaidAt = clonePtr(upd.PaidAt)
	inv.FailureReason = upd.FailureReason
	inv.UpdatedAt = r.now()
	return clone(inv), nil
}

func (r *InvoiceRepository) CompareAndSetRefund(
	_ context.Context, id string, expected []domain.RefundState, next domain.RefundState, upd repository.RefundUpdate,
) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperrors.NotFound("invoice", id)
	}
	if inv.Status != domain.StatusPaid || !slices.Contains(expected, inv.RefundState) {
		return nil, apperrors.Conflict("refund state changed concurrently")
	}
	if upd.RequestID != "" {
		for otherID, other := range r.invoices {
			if otherID != id && other.RefundRequestID == upd.RequestID {
				return nil, apperrors.Conflict("refund request id already recorded")
			}
		}
	}

	inv.RefundState = next
	inv.RefundAmount = upd.Amount
	inv.RefundReason = upd.Reason
	inv.RefundRequestID = upd.RequestID
	inv.RefundRequestedAt = clonePtr(upd.RequestedAt)
	inv.UpdatedAt = r.now()
	return clone(inv), nil
}

func (r *InvoiceRepository) SetOpKey(_ context.Context, id, opKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return apperrors.NotFound("invoice", id)
	}
	inv.OpKey = &opKey
	return nil
}

func (r *InvoiceRepository) MarkChecked(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.invoices[id]; !ok {
		return apperrors.NotFound("invoice", id)
	}
	r.checked[id] = at
	return nil
}

func (r *InvoiceRepository) ListPendingOlderThan(_ context.Context, before time.Time, limit int) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range r.invoices {
		if inv.Status == domain.StatusPending && inv.GatewayInvID != nil && inv.UpdatedAt.Before(before) {
			out = append(out, *clone(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, iok := r.checked[out[i].ID]
		cj, jok := r.checked[out[j].ID]
		switch {
		case iok != jok:
			return !iok
		case iok && !ci.Equal(cj):
			return ci.Before(cj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InvoiceRepository) ListRefundsInState(_ context.Context, state domain.RefundState, limit int) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range r.invoices {
		if inv.Status == domain.StatusPaid && inv.RefundState == state {
			out = append(out, *clone(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(inv *domain.Invoice) *domain.Invoice {
	c := *inv
	c.GatewayInvID = clonePtr(inv.GatewayInvID)
	c.OperationID = clonePtr(inv.OperationID)
	c.OpKey = clonePtr(inv.OpKey)
	c.PaidAt = clonePtr(inv.PaidAt)
	c.RefundRequestedAt = clonePtr(inv.RefundRequestedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
