package worker

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/notify"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher sends one serialized event to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// OutboxRelay moves committed outbox records to the broker. Delivery is
// at-least-once: a record published but not yet marked sent is published again.
type OutboxRelay struct {
	repo      store.Repository
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new relay
func NewOutboxRelay(repo store.Repository, publisher Publisher, interval time.Duration, batch int) *OutboxRelay {
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    util.GetLogger(),
	}
}

// Run polls until ctx is done
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch oldest first and returns how many were sent.
// It stops at the first publish failure so records for a key keep their order.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.repo.FetchPendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		if err := r.publisher.Publish(ctx, rec.Topic, rec.Key, rec.Payload); err != nil {
			util.OutboxRelayErrorsTotal.Inc()
			return sent, err
		}
		if err := r.repo.MarkOutboxSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		util.OutboxRelayedTotal.Inc()
		sent++

		r.logger.Debug("Relayed outbox record",
			zap.Int64("id", rec.ID),
			zap.String("event_id", rec.EventID),
			zap.String("key", rec.Key))
	}
	return sent, nil
}

// MessageSource feeds messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationWorker sends invoices and alerts for committed order events.
// Failures are logged and the message is still committed.
type NotificationWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	repo         store.Repository
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(source MessageSource, repo store.Repository, notifier *notify.Notifier) *NotificationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderPlaced(notifier.OrderPlaced)
	eventHandler.OnOrderCancelled(notifier.OrderCancelled)
	eventHandler.OnReturnRequested(notifier.ReturnRequested)

	return &NotificationWorker{
		source:       source,
		eventHandler: eventHandler,
		repo:         repo,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.source.StartConsuming(ctx, w.handle)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.source.Close()
}

func (w *NotificationWorker) handle(ctx context.Context, msg kafka.Message) error {
	base, err := broker.ParseBase(msg.Value)
	if err != nil {
		w.logger.Error("Dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	processed, err := w.repo.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		// the consumer retries this message before fetching the next
		return err
	}
	if processed {
		w.logger.Debug("Event already processed", zap.String("event_id", base.EventID))
		return nil
	}

	if err := w.eventHandler.HandleMessage(ctx, msg); err != nil {
		util.NotificationsTotal.WithLabelValues(base.EventType, "error").Inc()
		w.logger.Error("Notification failed",
			zap.String("event_id", base.EventID),
			zap.String("event_type", base.EventType),
			zap.Error(err))
	} else {
		util.NotificationsTotal.WithLabelValues(base.EventType, "ok").Inc()
	}

	if err := w.repo.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		w.logger.Warn("Failed to mark event processed", zap.String("event_id", base.EventID), zap.Error(err))
	}
	return nil
}
