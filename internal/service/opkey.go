package service

import (
	"context"
	"log/slog"

	"github.com/AlexeiFed/waxhands-sub007/internal/repository"
)

// OpKeyCache caches gateway operation keys by invoice ID.
type OpKeyCache interface {
	GetOpKey(ctx context.Context, invoiceID string) (string, bool, error)
	SetOpKey(ctx context.Context, invoiceID, opKey string) error
}

// opKeys persists operation keys on the invoice row and in the optional cache.
type opKeys struct {
	invoices repository.InvoiceRepository
	cache    OpKeyCache
	logger   *slog.Logger
}

func (k opKeys) lookup(ctx context.Context, invoiceID string) (string, bool) {
	if k.cache == nil {
		return "", false
	}
	key, ok, err := k.cache.GetOpKey(ctx, invoiceID)
	if err != nil {
		k.logger.WarnContext(ctx, "op key cache read failed",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return key, ok
}

func (k opKeys) remember(ctx context.Context, invoiceID, opKey string) {
	if err := k.invoices.SetOpKey(ctx, invoiceID, opKey); err != nil {
		k.logger.WarnContext(ctx, "failed to store op key",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
	}
	if k.cache == nil {
		return
	}
	if err := k.cache.SetOpKey(ctx, invoiceID, opKey); err != nil {
		k.logger.WarnContext(ctx, "op key cache write failed",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
	}
}
