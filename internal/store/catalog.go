package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// pgTx implements Tx on a database transaction. Locks are SELECT ... FOR UPDATE.
type pgTx struct {
	queries
	tx *sqlx.Tx
}

var _ Tx = (*pgTx)(nil)

// LockCartItems locks and returns the user's cart lines
func (t *pgTx) LockCartItems(ctx context.Context, userID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT id, user_id, variant_id, quantity, added_at FROM cart_items WHERE user_id = $1 ORDER BY id FOR UPDATE", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cart: %w", err)
	}
	return items, nil
}

// LockCouponByCode locks a coupon matched case-insensitively
func (t *pgTx) LockCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := t.getOne(ctx, &c, fmt.Sprintf("coupon %q", code),
		"SELECT "+couponColumns+" FROM coupons WHERE UPPER(code) = UPPER($1) FOR UPDATE", code)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LockVariants locks variants in ascending id order
func (t *pgTx) LockVariants(ctx context.Context, ids []int64) ([]models.ProductVariant, error) {
	if len(ids) == 0 {
		return []models.ProductVariant{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id, product_id, size, color, stock FROM product_variants WHERE id IN (?) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var variants []models.ProductVariant
	if err := t.tx.SelectContext(ctx, &variants, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lock variants: %w", err)
	}
	return variants, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (t *pgTx) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id, name, sku, price, sale_price, offer_id, is_active, created_at FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var products []models.Product
	err = t.tx.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetOffersByIDs retrieves multiple offers by IDs
func (t *pgTx) GetOffersByIDs(ctx context.Context, ids []int64) ([]models.Offer, error) {
	if len(ids) == 0 {
		return []models.Offer{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id, title, discount_type, discount_value, start_date, end_date, is_active FROM offers WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var offers []models.Offer
	err = t.tx.SelectContext(ctx, &offers, query, args...)
	return offers, err
}

// DecrementStock removes qty from a locked variant
func (t *pgTx) DecrementStock(ctx context.Context, variantID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE product_variants SET stock = stock - $1 WHERE id = $2 AND stock >= $1", qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("variant %d: %w", variantID, ErrStockUnderflow)
	}
	return nil
}

// IncrementStock adds qty back to a variant
func (t *pgTx) IncrementStock(ctx context.Context, variantID int64, qty int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE product_variants SET stock = stock + $1 WHERE id = $2", qty, variantID)
	return err
}

// IncrementCouponUsage bumps used_count on a locked coupon
func (t *pgTx) IncrementCouponUsage(ctx context.Context, couponID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE coupons SET used_count = used_count + 1 WHERE id = $1", couponID)
	return err
}

// CreateAddress inserts an address captured at checkout
func (t *pgTx) CreateAddress(ctx context.Context, a *models.Address) error {
	query := `
		INSERT INTO addresses (user_id, name, phone, pincode, city, state, full_address, is_default, is_temporary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	return t.tx.QueryRowxContext(ctx, query,
		a.UserID, a.Name, a.Phone, a.Pincode, a.City, a.State, a.FullAddress, a.IsDefault, a.IsTemporary,
	).Scan(&a.ID, &a.CreatedAt)
}

// DeleteCartItems removes processed cart lines
func (t *pgTx) DeleteCartItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM cart_items WHERE id IN (?)", ids)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return err
}
