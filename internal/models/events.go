package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeReturnRequested    = "RETURN_REQUESTED"
	EventTypeReturnDecided      = "RETURN_DECIDED"
	EventTypePaymentCaptured    = "PAYMENT_CAPTURED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent is written to the outbox in the checkout transaction
type OrderPlacedEvent struct {
	BaseEvent
	OrderID        int64           `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	UserID         int64           `json:"user_id"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	ShipTo         string          `json:"ship_to"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentStatus  string          `json:"payment_status"`
	SubtotalAmount decimal.Decimal `json:"subtotal_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	GSTPercentage  decimal.Decimal `json:"gst_percentage"`
	GSTAmount      decimal.Decimal `json:"gst_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Items          []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when an order is cancelled and stock restored
type OrderCancelledEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	Items       []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on admin-driven progression
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	UserID     int64  `json:"user_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

// ReturnEvent covers RETURN_REQUESTED and RETURN_DECIDED
type ReturnEvent struct {
	BaseEvent
	ReturnID int64  `json:"return_id"`
	OrderID  int64  `json:"order_id"`
	UserID   int64  `json:"user_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// PaymentEvent covers PAYMENT_CAPTURED and PAYMENT_FAILED
type PaymentEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	RemoteOrderID   string `json:"remote_order_id"`
	RemotePaymentID string `json:"remote_payment_id,omitempty"`
	Source          string `json:"source"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID   *int64          `json:"variant_id,omitempty"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// NewBaseEvent stamps a fresh event header
func NewBaseEvent(eventID, eventType string, now time.Time) BaseEvent {
	return BaseEvent{EventID: eventID, EventType: eventType, Timestamp: now}
}
