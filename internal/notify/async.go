package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AsyncConfig tunes the background queue.
type AsyncConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DefaultAsyncConfig returns the defaults used by the server.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:   256,
		Workers:     2,
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

type job struct {
	ctx       context.Context
	userID    string
	eventType string
	payload   Payload
}

// Async hands notifications to a wrapped dispatcher on background workers.
// Notify never blocks: when the queue is full the notification is dropped
// and logged.
type Async struct {
	next   Dispatcher
	cfg    AsyncConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewAsync starts the workers.
func NewAsync(next Dispatcher, cfg AsyncConfig, logger *slog.Logger) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	a := &Async{next: next, cfg: cfg, logger: logger, queue: make(chan job, cfg.QueueSize)}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	return a
}

func (a *Async) Notify(ctx context.Context, userID, eventType string, payload Payload) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		notificationsTotal.WithLabelValues(eventType, "dropped").Inc()
		return false
	}

	j := job{ctx: context.WithoutCancel(ctx), userID: userID, eventType: eventType, payload: payload}
	select {
	case a.queue <- j:
		return true
	default:
		notificationsTotal.WithLabelValues(eventType, "dropped").Inc()
		a.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("event_type", eventType),
			slog.String("invoice_id", payload.InvoiceID),
		)
		return false
	}
}

func (a *Async) work() {
	defer a.wg.Done()
	for j := range a.queue {
		a.deliver(j)
	}
}

func (a *Async) deliver(j job) {
	backoff := a.cfg.BaseBackoff
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(j.ctx, a.cfg.Timeout)
		ok := a.next.Notify(ctx, j.userID, j.eventType, j.payload)
		cancel()
		if ok {
			notificationsTotal.WithLabelValues(j.eventType, "sent").Inc()
			return
		}
		if attempt < a.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	notificationsTotal.WithLabelValues(j.eventType, "failed").Inc()
	a.logger.ErrorContext(j.ctx, "notification delivery failed",
		slog.String("event_type", j.eventType),
		slog.String("invoice_id", j.payload.InvoiceID),
		slog.Int("attempts", a.cfg.MaxAttempts),
	)
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
