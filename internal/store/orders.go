package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// InsertOrder creates the order row. A taken order number yields (false, nil).
func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (order_number, user_id, address_id, subtotal_amount, discount_amount, shipping_amount,
			gst_percentage, gst_amount, total_amount, coupon_id, coupon_code, payment_method, payment_status, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (order_number) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		o.OrderNumber, o.UserID, o.AddressID, o.SubtotalAmount, o.DiscountAmount, o.ShippingAmount,
		o.GSTPercentage, o.GSTAmount, o.TotalAmount, o.CouponID, o.CouponCode, o.PaymentMethod,
		o.PaymentStatus, o.Status, o.IdempotencyKey,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}
	return true, nil
}

// CreateOrderItem creates a new order item
func (t *pgTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, product_id, product_name, size, color, quantity,
			original_price, unit_price, total_price, offer_title, offer_discount_type, offer_discount_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	return t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.ProductID, item.ProductName, item.Size, item.Color, item.Quantity,
		item.OriginalPrice, item.UnitPrice, item.TotalPrice, item.OfferTitle, item.OfferDiscountType, item.OfferDiscountValue)
}

// LockOrder locks an order row by ID
func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := t.getOne(ctx, &order, fmt.Sprintf("order %d", orderID),
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrderByRemoteID locks the order correlated with a gateway order id
func (t *pgTx) LockOrderByRemoteID(ctx context.Context, remoteOrderID string) (*models.Order, error) {
	var order models.Order
	if err := t.getOne(ctx, &order, fmt.Sprintf("order for remote %q", remoteOrderID),
		"SELECT "+orderColumns+" FROM orders WHERE remote_order_id = $1 FOR UPDATE", remoteOrderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdatePaymentStatus updates payment status, keeping the remote payment id when none is given
func (t *pgTx) UpdatePaymentStatus(ctx context.Context, orderID int64, status string, remotePaymentID *string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, remote_payment_id = COALESCE($2, remote_payment_id), updated_at = NOW() WHERE id = $3",
		status, remotePaymentID, orderID)
	return err
}

// SetRemoteOrderID stores the gateway order id for later correlation
func (t *pgTx) SetRemoteOrderID(ctx context.Context, orderID int64, remoteOrderID string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET remote_order_id = $1, updated_at = NOW() WHERE id = $2",
		remoteOrderID, orderID)
	return err
}

// CreateReturnRequest inserts a return request; (false, nil) if one exists for (order, user)
func (t *pgTx) CreateReturnRequest(ctx context.Context, rr *models.ReturnRequest) (bool, error) {
	query := `
		INSERT INTO return_requests (order_id, user_id, reason, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, user_id) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query, rr.OrderID, rr.UserID, rr.Reason, rr.Status).
		Scan(&rr.ID, &rr.CreatedAt, &rr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert return request: %w", err)
	}
	return true, nil
}

// LockReturnRequest locks a return request by ID
func (t *pgTx) LockReturnRequest(ctx context.Context, id int64) (*models.ReturnRequest, error) {
	var rr models.ReturnRequest
	if err := t.getOne(ctx, &rr, fmt.Sprintf("return %d", id),
		"SELECT "+returnColumns+" FROM return_requests WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &rr, nil
}

// UpdateReturnRequest records the admin decision
func (t *pgTx) UpdateReturnRequest(ctx context.Context, id int64, status, note string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE return_requests SET status = $1, admin_note = $2, updated_at = NOW() WHERE id = $3",
		status, note, id)
	return err
}

// InsertOutbox stages an event for the relay; it becomes visible only on commit
func (t *pgTx) InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error {
	query := `
		INSERT INTO outbox (event_id, topic, key, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return t.tx.QueryRowxContext(ctx, query, rec.EventID, rec.Topic, rec.Key, string(rec.Payload)).
		Scan(&rec.ID, &rec.CreatedAt)
}
