package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/google/uuid"
)

// eventStager writes domain events to the outbox inside the caller's
// transaction, so an event exists if and only if its change committed.
type eventStager struct {
	topic string
	now   func() time.Time
}

func (e eventStager) base(eventType string) models.BaseEvent {
	return models.NewBaseEvent(uuid.New().String(), eventType, e.now())
}

func (e eventStager) stage(ctx context.Context, tx store.Tx, orderID int64, base models.BaseEvent, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", base.EventType, err)
	}

	rec := &models.OutboxRecord{
		EventID: base.EventID,
		Topic:   e.topic,
		Key:     fmt.Sprintf("order-%d", orderID),
		Payload: payload,
	}
	if err := tx.InsertOutbox(ctx, rec); err != nil {
		return fmt.Errorf("failed to stage %s event: %w", base.EventType, err)
	}
	return nil
}

func itemData(items []models.OrderItem) []models.OrderItemData {
	out := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		out = append(out, models.OrderItemData{
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		})
	}
	return out
}
