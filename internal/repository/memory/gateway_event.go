package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
)

// GatewayEventRepository is an in-memory repository.GatewayEventRepository.
type GatewayEventRepository struct {
	mu     sync.Mutex
	events []domain.GatewayEvent
}

func NewGatewayEventRepository() *GatewayEventRepository {
	return &GatewayEventRepository{}
}

var _ repository.GatewayEventRepository = (*GatewayEventRepository)(nil)

func (r *GatewayEventRepository) Record(_ context.Context, ev *domain.GatewayEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, *ev)
	return nil
}

func (r *GatewayEventRepository) ListByInvoice(_ context.Context, invoiceID string, limit int) ([]domain.GatewayEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.GatewayEvent, 0)
	for _, ev := range r.events {
		if ev.InvoiceID == invoiceID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every recorded event in arrival order.
func (r *GatewayEventRepository) All() []domain.GatewayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.GatewayEvent(nil), r.events...)
}
