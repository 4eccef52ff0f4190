// Package pricing resolves the effective unit price of a product at a point in time.
package pricing

import (
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote is the resolved price of one unit together with what produced it
type Quote struct {
	OriginalPrice decimal.Decimal
	UnitPrice     decimal.Decimal
	Offer         *models.Offer // nil unless an offer was applied
}

// Resolve applies offer > sale price > base price precedence.
// offer may be nil; it is ignored unless it is the product's linked offer.
func Resolve(product *models.Product, offer *models.Offer, now time.Time) Quote {
	q := Quote{OriginalPrice: product.Price, UnitPrice: product.Price}

	if offer != nil && product.OfferID != nil && *product.OfferID == offer.ID && offer.ActiveAt(now) {
		q.UnitPrice = ApplyOffer(product.Price, offer)
		q.Offer = offer
		return q
	}

	if product.SalePrice.Valid {
		q.UnitPrice = product.SalePrice.Decimal
	}
	return q
}

// EffectivePrice is Resolve without the provenance.
func EffectivePrice(product *models.Product, offer *models.Offer, now time.Time) decimal.Decimal {
	return Resolve(product, offer, now).UnitPrice
}

// ApplyOffer computes the discounted unit price for an offer regardless of its window.
func ApplyOffer(price decimal.Decimal, offer *models.Offer) decimal.Decimal {
	switch offer.DiscountType {
	case models.DiscountPercent:
		factor := decimal.NewFromInt(1).Sub(offer.DiscountValue.Div(hundred))
		return Round2(decimal.Max(price.Mul(factor), decimal.Zero))
	case models.DiscountFlat:
		return Round2(decimal.Max(price.Sub(offer.DiscountValue), decimal.Zero))
	default:
		return Round2(price)
	}
}

// Round2 rounds half away from zero to 2 places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent returns pct% of amount rounded to 2 places.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct).Div(hundred))
}

// ToMinorUnits converts a rupee amount into integer paise.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
