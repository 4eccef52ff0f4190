package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, user_id, address_id, subtotal_amount, discount_amount, shipping_amount,
	gst_percentage, gst_amount, total_amount, coupon_id, coupon_code, payment_method, payment_status,
	remote_order_id, remote_payment_id, status, idempotency_key, created_at, updated_at`

const orderItemColumns = `id, order_id, variant_id, product_id, product_name, size, color, quantity,
	original_price, unit_price, total_price, offer_title, offer_discount_type, offer_discount_value`

const returnColumns = `id, order_id, user_id, reason, status, admin_note, created_at, updated_at`

const addressColumns = `id, user_id, name, phone, pincode, city, state, full_address, is_default, is_temporary, created_at`

const couponColumns = `id, code, discount_type, discount_value, min_purchase, max_discount, expiry_date, is_active, usage_limit, used_count`

const settingsColumns = `id, enable_cod, allow_order_cancel, allow_order_return, shipping_charge, free_shipping_min_amount, updated_at`

// queries implements Queries over either the pool or a transaction
type queries struct {
	q sqlx.ExtContext
}

func (r queries) getOne(ctx context.Context, dest interface{}, what string, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, r.q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// GetOrder retrieves an order by ID
func (r queries) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := r.getOne(ctx, &order, fmt.Sprintf("order %d", orderID),
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUser retrieves an order owned by userID
func (r queries) GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := r.getOne(ctx, &order, fmt.Sprintf("order %d", orderID),
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2", orderID, userID); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil, nil when no order carries the key
func (r queries) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, r.q, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser retrieves orders for a user, newest first
func (r queries) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, r.q, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItems retrieves all items for an order
func (r queries) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, r.q, &items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetReturnRequestForOrder retrieves the return request a user opened on an order
func (r queries) GetReturnRequestForOrder(ctx context.Context, orderID, userID int64) (*models.ReturnRequest, error) {
	var rr models.ReturnRequest
	if err := r.getOne(ctx, &rr, fmt.Sprintf("return for order %d", orderID),
		"SELECT "+returnColumns+" FROM return_requests WHERE order_id = $1 AND user_id = $2", orderID, userID); err != nil {
		return nil, err
	}
	return &rr, nil
}

// GetAddress retrieves an address owned by userID
func (r queries) GetAddress(ctx context.Context, userID, addressID int64) (*models.Address, error) {
	var addr models.Address
	if err := r.getOne(ctx, &addr, fmt.Sprintf("address %d", addressID),
		"SELECT "+addressColumns+" FROM addresses WHERE id = $1 AND user_id = $2", addressID, userID); err != nil {
		return nil, err
	}
	return &addr, nil
}

// GetCouponByCode reads a coupon matched case-insensitively
func (r queries) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	if err := r.getOne(ctx, &c, fmt.Sprintf("coupon %q", code),
		"SELECT "+couponColumns+" FROM coupons WHERE UPPER(code) = UPPER($1)", code); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetSiteSettings reads the singleton row, falling back to defaults when absent
func (r queries) GetSiteSettings(ctx context.Context) (*models.SiteSettings, error) {
	var st models.SiteSettings
	err := sqlx.GetContext(ctx, r.q, &st, "SELECT "+settingsColumns+" FROM site_settings WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		def := models.DefaultSiteSettings()
		return &def, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
