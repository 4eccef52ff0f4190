// Package coupon validates coupon codes and computes bounded discounts.
//
// Lookup and the used_count increment are owned by the checkout transaction;
// nothing here mutates a coupon.
package coupon

import (
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/pricing"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Normalize canonicalizes a user-supplied code for case-insensitive lookup.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check runs the validations that do not depend on the cart:
// active, not expired, usage remaining. First failure wins.
func Check(c *models.Coupon, now time.Time) error {
	if c == nil {
		return apperr.ErrInvalidCoupon
	}
	if !c.IsActive {
		return apperr.ErrCouponInactive
	}
	if !now.Before(c.ExpiryDate) {
		return apperr.ErrCouponExpired
	}
	if c.UsedCount >= c.UsageLimit {
		return apperr.ErrUsageLimitExceeded
	}
	return nil
}

// Apply validates c against subtotal and returns the discount, never more than subtotal.
func Apply(c *models.Coupon, subtotal decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if err := Check(c, now); err != nil {
		return decimal.Zero, err
	}
	if subtotal.LessThan(c.MinPurchase) {
		return decimal.Zero, apperr.ErrMinimumPurchaseNotMet.Withf(
			"Minimum purchase required: %s", c.MinPurchase.StringFixed(2))
	}

	var discount decimal.Decimal
	switch c.DiscountType {
	case models.DiscountPercent:
		if c.DiscountValue.GreaterThan(hundred) {
			return decimal.Zero, apperr.ErrInvalidCoupon.Withf("Invalid discount percentage")
		}
		discount = pricing.Round2(c.DiscountValue.Div(hundred).Mul(subtotal))
	case models.DiscountFlat:
		discount = c.DiscountValue
	default:
		return decimal.Zero, apperr.ErrInvalidCoupon
	}

	if c.MaxDiscount.Valid {
		discount = decimal.Min(discount, c.MaxDiscount.Decimal)
	}
	discount = decimal.Min(discount, subtotal)
	return decimal.Max(discount, decimal.Zero), nil
}
