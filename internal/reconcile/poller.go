// Package reconcile cross-checks pending payments and open refunds with the
// payment gateway on a fixed interval.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AlexeiFed/waxhands-sub007/internal/domain"
	"github.com/AlexeiFed/waxhands-sub007/internal/service"
	apperrors "github.com/AlexeiFed/waxhands-sub007/pkg/errors"
)

// ErrCycleInProgress is returned by RunOnce while another cycle is running.
var ErrCycleInProgress = errors.New("reconcile: cycle already in progress")

const lockName = "reconcile"

// Candidates lists the records a cycle looks at.
type Candidates interface {
	ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Invoice, error)
	ListRefundsInState(ctx context.Context, state domain.RefundState, limit int) ([]domain.Invoice, error)
}

// PaymentChecker reconciles one pending invoice.
type PaymentChecker interface {
	ReconcileInvoice(ctx context.Context, id string) (*service.ReconcileResult, error)
}

// RefundChecker reconciles one refund request.
type RefundChecker interface {
	GetRefundStatus(ctx context.Context, requestID string) (*domain.RefundStatus, error)
}

// Locker is a cross-instance mutual exclusion lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Config tunes the poller.
type Config struct {
	Interval time.Duration
	// Grace is how old a pending invoice must be before it is queried, which
	// leaves the Result callback time to arrive first.
	Grace        time.Duration
	BatchSize    int
	Concurrency  int
	RateLimit    float64
	CycleTimeout time.Duration
	LockTTL      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Minute,
		Grace:        5 * time.Minute,
		BatchSize:    200,
		Concurrency:  4,
		RateLimit:    5,
		CycleTimeout: time.Minute,
		LockTTL:      2 * time.Minute,
	}
}

// Summary reports what one cycle did.
type Summary struct {
	Checked        int           `json:"checked"`
	Updated        int           `json:"updated"`
	Failed         int           `json:"failed"`
	RefundsChecked int           `json:"refunds_checked"`
	RefundsUpdated int           `json:"refunds_updated"`
	Skipped        bool          `json:"skipped"`
	Duration       time.Duration `json:"duration_ns"`
}

// Poller runs reconciliation cycles on a ticker.
type Poller struct {
	candidates Candidates
	payments   PaymentChecker
	refunds    RefundChecker
	locker     Locker
	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller. locker may be nil for a single instance.
func New(candidates Candidates, payments PaymentChecker, refunds RefundChecker, locker Locker, cfg Config, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Poller{
		candidates: candidates,
		payments:   payments,
		refunds:    refunds,
		locker:     locker,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, cfg.Concurrency),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the ticker loop. Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.loop(loopCtx, done)

	p.logger.Info("reconciliation poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Duration("grace", p.cfg.Grace),
	)
}

// Stop ends the loop and waits for an in-flight cycle to finish. Calling
// Stop on a stopped poller does nothing. A stopped poller can be started again.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("reconciliation poller stopped")
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The cycle outlives a Stop issued mid-run; Stop waits for it instead.
			cycleCtx := context.WithoutCancel(ctx)
			if _, err := p.RunOnce(cycleCtx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				p.logger.Error("reconciliation cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce runs a single cycle. It returns ErrCycleInProgress when a cycle is
// already running in this process and a skipped summary when another
// instance holds the lock.
func (p *Poller) RunOnce(ctx context.Context) (*Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		cyclesTotal.WithLabelValues("skipped_running").Inc()
		return nil, ErrCycleInProgress
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	if p.locker != nil {
		release, acquired, err := p.locker.TryLock(ctx, lockName, p.cfg.LockTTL)
		switch {
		case err != nil:
			p.logger.Warn("reconcile lock unavailable, running unlocked", slog.String("error", err.Error()))
		case !acquired:
			cyclesTotal.WithLabelValues("skipped_locked").Inc()
			p.logger.Debug("reconciliation cycle held by another instance")
			return &Summary{Skipped: true}, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					p.logger.Warn("failed to release reconcile lock", slog.String("error", err.Error()))
				}
			}()
		}
	}

	start := p.now()
	summary, err := p.cycle(ctx, start)
	if err != nil {
		return nil, err
	}
	summary.Duration = time.Since(start)

	cyclesTotal.WithLabelValues("completed").Inc()
	cycleDuration.Observe(summary.Duration.Seconds())
	lastCycleTimestamp.SetToCurrentTime()

	p.logger.Info("reconciliation cycle finished",
		slog.Int("checked", summary.Checked),
		slog.Int("updated", summary.Updated),
		slog.Int("failed", summary.Failed),
		slog.Int("refunds_checked", summary.RefundsChecked),
		slog.Int("refunds_updated", summary.RefundsUpdated),
		slog.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (p *Poller) cycle(ctx context.Context, now time.Time) (*Summary, error) {
	pending, err := p.candidates.ListPendingOlderThan(ctx, now.Add(-p.cfg.Grace), p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	refunds, err := p.candidates.ListRefundsInState(ctx, domain.RefundProcessing, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	var (
		updated, failed, refundsUpdated atomic.Int64
		g                               errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)

	for i := range pending {
		inv := &pending[i]
		g.Go(func() error {
			changed, err := p.checkPayment(ctx, inv)
			if err != nil {
				failed.Add(1)
				return nil
			}
			if changed {
				updated.Add(1)
			}
			return nil
		})
	}
	for i := range refunds {
		inv := &refunds[i]
		g.Go(func() error {
			changed, err := p.checkRefund(ctx, inv)
			if err != nil {
				failed.Add(1)
				return nil
			}
			if changed {
				refundsUpdated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return &Summary{
		Checked:        len(pending),
		Updated:        int(updated.Load()),
		Failed:         int(failed.Load()),
		RefundsChecked: len(refunds),
		RefundsUpdated: int(refundsUpdated.Load()),
	}, nil
}

func (p *Poller) checkPayment(ctx context.Context, inv *domain.Invoice) (bool, error) {
	checkedTotal.WithLabelValues("payment").Inc()
	if err := p.limiter.Wait(ctx); err != nil {
		p.fail(ctx, "payment", inv.ID, err)
		return false, err
	}

	res, err := p.payments.ReconcileInvoice(ctx, inv.ID)
	if err != nil {
		p.fail(ctx, "payment", inv.ID, err)
		return false, err
	}
	if res.Updated {
		updatedTotal.WithLabelValues("payment").Inc()
		p.logger.InfoContext(ctx, "payment reconciled",
			slog.String("invoice_id", inv.ID),
			slog.String("status", string(res.Invoice.Status)),
		)
	}
	return res.Updated, nil
}

func (p *Poller) checkRefund(ctx context.Context, inv *domain.Invoice) (bool, error) {
	checkedTotal.WithLabelValues("refund").Inc()
	if err := p.limiter.Wait(ctx); err != nil {
		p.fail(ctx, "refund", inv.ID, err)
		return false, err
	}

	status, err := p.refunds.GetRefundStatus(ctx, inv.RefundRequestID)
	if err != nil {
		p.fail(ctx, "refund", inv.ID, err)
		return false, err
	}
	if status.Updated {
		updatedTotal.WithLabelValues("refund").Inc()
	}
	return status.Updated, nil
}

func (p *Poller) fail(ctx context.Context, kind, invoiceID string, err error) {
	retryable := apperrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	failuresTotal.WithLabelValues(kind, strconv.FormatBool(retryable)).Inc()

	log := p.logger.ErrorContext
	if retryable {
		log = p.logger.WarnContext
	}
	log(ctx, "reconciliation check failed",
		slog.String("kind", kind),
		slog.String("invoice_id", invoiceID),
		slog.Bool("retryable", retryable),
		slog.String("error", err.Error()),
	)
}
