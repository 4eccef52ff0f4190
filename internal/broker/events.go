package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventHandler routes order events to registered callbacks
type EventHandler struct {
	onOrderPlaced     func(context.Context, *models.OrderPlacedEvent) error
	onOrderCancelled  func(context.Context, *models.OrderCancelledEvent) error
	onReturnRequested func(context.Context, *models.ReturnEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderPlaced registers a handler for ORDER_PLACED events
func (eh *EventHandler) OnOrderPlaced(handler func(context.Context, *models.OrderPlacedEvent) error) {
	eh.onOrderPlaced = handler
}

// OnOrderCancelled registers a handler for ORDER_CANCELLED events
func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

// OnReturnRequested registers a handler for RETURN_REQUESTED events
func (eh *EventHandler) OnReturnRequested(handler func(context.Context, *models.ReturnEvent) error) {
	eh.onReturnRequested = handler
}

// ParseBase decodes the envelope shared by every event
func ParseBase(payload []byte) (models.BaseEvent, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		return base, fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	return base, nil
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	base, err := ParseBase(msg.Value)
	if err != nil {
		return err
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID))

	switch base.EventType {
	case models.EventTypeOrderPlaced:
		if eh.onOrderPlaced != nil {
			var event models.OrderPlacedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onOrderPlaced(ctx, &event)
		}

	case models.EventTypeOrderCancelled:
		if eh.onOrderCancelled != nil {
			var event models.OrderCancelledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onOrderCancelled(ctx, &event)
		}

	case models.EventTypeReturnRequested:
		if eh.onReturnRequested != nil {
			var event models.ReturnEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onReturnRequested(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", base.EventType))
	}

	return nil
}
