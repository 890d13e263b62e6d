package notify

import (
	"context"
	"log/slog"

	pkgkafka "github.com/AlexeiFed/waxhands-sub007/pkg/kafka"
	"github.com/AlexeiFed/waxhands-sub007/pkg/logger"
)

// TopicNotifications is consumed by the chat service, which pushes the
// message to the parent's open sessions.
const TopicNotifications = "waxhands.notifications"

const (
	aggregateTypeUser = "user"
	sourceBilling     = "billing-service"
)

// Publisher is satisfied by *pkgkafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Kafka publishes notifications as events keyed by user ID.
type Kafka struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

// NewKafka creates a Kafka dispatcher. An empty topic selects TopicNotifications.
func NewKafka(publisher Publisher, topic string, logger *slog.Logger) *Kafka {
	if topic == "" {
		topic = TopicNotifications
	}
	return &Kafka{publisher: publisher, topic: topic, logger: logger}
}

func (k *Kafka) Notify(ctx context.Context, userID, eventType string, payload Payload) bool {
	event, err := pkgkafka.NewEvent(eventType, userID, aggregateTypeUser, sourceBilling, payload)
	if err != nil {
		k.logger.ErrorContext(ctx, "failed to build notification event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return false
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := k.publisher.Publish(ctx, k.topic, event); err != nil {
		k.logger.WarnContext(ctx, "failed to publish notification",
			slog.String("event_type", eventType),
			slog.String("invoice_id", payload.InvoiceID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
