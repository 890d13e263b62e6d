package service

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/gateway/mock"
	"github.com/AlexeiFed/waxhands-sub007/internal/notify"
	"github.com/AlexeiFed/waxhands-sub007/internal/repository/memory"
	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Recording notifier ---

type sentNotification struct {
	UserID    string
	EventType string
	Payload   notify.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, eventType string, payload notify.Payload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, EventType: eventType, Payload: payload})
	return true
}

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

func (n *recordingNotifier) count(eventType string) int {
	c := 0
	for _, s := range n.all() {
		if s.EventType == eventType {
			c++
		}
	}
	return c
}

// --- Map cache ---

type mapCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMapCache() *mapCache { return &mapCache{keys: make(map[string]string)} }

func (c *mapCache) GetOpKey(_ context.Context, id string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[id]
	return k, ok, nil
}

func (c *mapCache) SetOpKey(_ context.Context, id, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = key
	return nil
}

// --- Fixture ---

type fixture struct {
	invoices *memory.InvoiceRepository
	events   *memory.GatewayEventRepository
	gateway  *mock.Gateway
	notifier *recordingNotifier
	cache    *mapCache
	verifier *signature.Verifier
	payments *PaymentService
	refunds  *RefundService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	verifier, err := signature.NewVerifier(signature.MD5, signature.Secrets{Password1: "pass-one", Password2: "pass-two"})
	require.NoError(t, err)

	f := &fixture{
		invoices: memory.NewInvoiceRepository(),
		events:   memory.NewGatewayEventRepository(),
		gateway:  mock.NewGateway(),
		notifier: &recordingNotifier{},
		cache:    newMapCache(),
		verifier: verifier,
	}
	f.invoices.SetClock(func() time.Time { return testNow })

	f.payments = NewPaymentService(f.invoices, f.events, f.gateway, verifier, f.notifier, f.cache, newTestLogger())
	f.payments.now = func() time.Time { return testNow }

	f.refunds = NewRefundService(f.invoices, f.gateway, f.notifier, f.cache, DefaultRefundConfig(), newTestLogger())
	f.refunds.now = func() time.Time { return testNow }
	return f
}

// pendingInvoice stores a pending 750.00 invoice for a workshop starting at startsAt.
func (f *fixture) pendingInvoice(t *testing.T, startsAt time.Time) *domain.Invoice {
	t.Helper()
	inv := &domain.Invoice{
		ID:                 uuid.NewString(),
		ParticipantID:      uuid.NewString(),
		UserID:             "parent-1",
		OccurrenceID:       "occ-1",
		OccurrenceStartsAt: startsAt,
		Description:        "Wax hand workshop",
		Amount:             75000,
		Currency:           domain.DefaultCurrency,
		Status:             domain.StatusPending,
		RefundState:        domain.RefundNone,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	require.NoError(t, f.invoices.Create(context.Background(), inv))
	return inv
}

// linkedInvoice stores a pending invoice that already has a gateway InvId.
func (f *fixture) linkedInvoice(t *testing.T) (*domain.Invoice, int64) {
	t.Helper()
	inv := f.pendingInvoice(t, testNow.Add(10*24*time.Hour))
	invID, err := f.invoices.AssignGatewayInvID(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv, invID
}

// paidInvoice stores a card-paid invoice for a workshop starting at startsAt.
func (f *fixture) paidInvoice(t *testing.T, startsAt time.Time) (*domain.Invoice, int64) {
	t.Helper()
	inv := f.pendingInvoice(t, startsAt)
	invID, err := f.invoices.AssignGatewayInvID(context.Background(), inv.ID)
	require.NoError(t, err)

	res, err := f.payments.ApplyPaymentEvent(context.Background(), domain.PaymentEvent{
		InvoiceID:     inv.ID,
		OperationID:   "robokassa:" + formatInt(invID),
		Amount:        inv.Amount,
		Outcome:       domain.OutcomeSuccess,
		PaymentMethod: "BankCard",
		Source:        domain.SourceWebhook,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	return res.Invoice, invID
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
