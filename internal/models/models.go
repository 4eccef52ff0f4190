package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Discount types shared by offers and coupons
const (
	DiscountPercent = "PERCENT"
	DiscountFlat    = "FLAT"
)

// Product represents a catalog entry. Stock lives on its variants.
type Product struct {
	ID        int64               `db:"id" json:"id"`
	Name      string              `db:"name" json:"name"`
	SKU       *string             `db:"sku" json:"sku,omitempty"`
	Price     decimal.Decimal     `db:"price" json:"price"`
	SalePrice decimal.NullDecimal `db:"sale_price" json:"sale_price"`
	OfferID   *int64              `db:"offer_id" json:"offer_id,omitempty"`
	IsActive  bool                `db:"is_active" json:"is_active"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
}

// PricingOverride tells which manual price source a product carries.
type PricingOverride int

const (
	OverrideNone PricingOverride = iota
	OverrideOffer
	OverrideManualSale
)

var ErrConflictingOverride = errors.New("product cannot carry both an offer and a sale price")

// PricingOverride returns the override kind. A product carrying both is invalid.
func (p *Product) PricingOverride() PricingOverride {
	switch {
	case p.OfferID != nil:
		return OverrideOffer
	case p.SalePrice.Valid:
		return OverrideManualSale
	default:
		return OverrideNone
	}
}

// Validate enforces offer/sale-price mutual exclusion.
func (p *Product) Validate() error {
	if p.OfferID != nil && p.SalePrice.Valid {
		return ErrConflictingOverride
	}
	return nil
}

// ProductVariant is a size/color SKU with its own stock counter
type ProductVariant struct {
	ID        int64   `db:"id" json:"id"`
	ProductID int64   `db:"product_id" json:"product_id"`
	Size      string  `db:"size" json:"size"`
	Color     *string `db:"color" json:"color,omitempty"`
	Stock     int     `db:"stock" json:"stock"`
}

// Offer is a time-boxed automatic discount linked to products
type Offer struct {
	ID            int64           `db:"id" json:"id"`
	Title         string          `db:"title" json:"title"`
	DiscountType  string          `db:"discount_type" json:"discount_type"`
	DiscountValue decimal.Decimal `db:"discount_value" json:"discount_value"`
	StartDate     time.Time       `db:"start_date" json:"start_date"`
	EndDate       time.Time       `db:"end_date" json:"end_date"`
	IsActive      bool            `db:"is_active" json:"is_active"`
}

// ActiveAt reports whether the offer applies at now: start inclusive, end exclusive.
func (o *Offer) ActiveAt(now time.Time) bool {
	return o.IsActive && !now.Before(o.StartDate) && now.Before(o.EndDate)
}

// Coupon represents a redeemable discount code
type Coupon struct {
	ID            int64               `db:"id" json:"id"`
	Code          string              `db:"code" json:"code"`
	DiscountType  string              `db:"discount_type" json:"discount_type"`
	DiscountValue decimal.Decimal     `db:"discount_value" json:"discount_value"`
	MinPurchase   decimal.Decimal     `db:"min_purchase" json:"min_purchase"`
	MaxDiscount   decimal.NullDecimal `db:"max_discount" json:"max_discount"`
	ExpiryDate    time.Time           `db:"expiry_date" json:"expiry_date"`
	IsActive      bool                `db:"is_active" json:"is_active"`
	UsageLimit    int                 `db:"usage_limit" json:"usage_limit"`
	UsedCount     int                 `db:"used_count" json:"used_count"`
}

// CartItem is one line of a user's cart
type CartItem struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	VariantID int64     `db:"variant_id" json:"variant_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	AddedAt   time.Time `db:"added_at" json:"added_at"`
}

// Address is a delivery address owned by a user
type Address struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"user_id"`
	Name        string    `db:"name" json:"name"`
	Phone       string    `db:"phone" json:"phone"`
	Pincode     string    `db:"pincode" json:"pincode"`
	City        string    `db:"city" json:"city"`
	State       string    `db:"state" json:"state"`
	FullAddress string    `db:"full_address" json:"full_address"`
	IsDefault   bool      `db:"is_default" json:"is_default"`
	IsTemporary bool      `db:"is_temporary" json:"is_temporary"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Order is a priced snapshot plus mutable fulfillment and payment state
type Order struct {
	ID              int64           `db:"id" json:"id"`
	OrderNumber     string          `db:"order_number" json:"order_number"`
	UserID          int64           `db:"user_id" json:"user_id"`
	AddressID       *int64          `db:"address_id" json:"address_id,omitempty"`
	SubtotalAmount  decimal.Decimal `db:"subtotal_amount" json:"subtotal_amount"`
	DiscountAmount  decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	ShippingAmount  decimal.Decimal `db:"shipping_amount" json:"shipping_amount"`
	GSTPercentage   decimal.Decimal `db:"gst_percentage" json:"gst_percentage"`
	GSTAmount       decimal.Decimal `db:"gst_amount" json:"gst_amount"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	CouponID        *int64          `db:"coupon_id" json:"coupon_id,omitempty"`
	CouponCode      *string         `db:"coupon_code" json:"coupon_code,omitempty"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	PaymentStatus   string          `db:"payment_status" json:"payment_status"`
	RemoteOrderID   *string         `db:"remote_order_id" json:"remote_order_id,omitempty"`
	RemotePaymentID *string         `db:"remote_payment_id" json:"remote_payment_id,omitempty"`
	Status          string          `db:"status" json:"status"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is an immutable line snapshot. VariantID is nulled if the variant is deleted.
type OrderItem struct {
	ID                 int64               `db:"id" json:"id"`
	OrderID            int64               `db:"order_id" json:"order_id"`
	VariantID          *int64              `db:"variant_id" json:"variant_id,omitempty"`
	ProductID          *int64              `db:"product_id" json:"product_id,omitempty"`
	ProductName        string              `db:"product_name" json:"product_name"`
	Size               string              `db:"size" json:"size"`
	Color              string              `db:"color" json:"color"`
	Quantity           int                 `db:"quantity" json:"quantity"`
	OriginalPrice      decimal.Decimal     `db:"original_price" json:"original_price"`
	UnitPrice          decimal.Decimal     `db:"unit_price" json:"unit_price"`
	TotalPrice         decimal.Decimal     `db:"total_price" json:"total_price"`
	OfferTitle         *string             `db:"offer_title" json:"offer_title,omitempty"`
	OfferDiscountType  *string             `db:"offer_discount_type" json:"offer_discount_type,omitempty"`
	OfferDiscountValue decimal.NullDecimal `db:"offer_discount_value" json:"offer_discount_value"`
}

// ReturnRequest is the side channel opened on a delivered order
type ReturnRequest struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Reason    string    `db:"reason" json:"reason"`
	Status    string    `db:"status" json:"status"`
	AdminNote string    `db:"admin_note" json:"admin_note"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SiteSettings is the process-wide storefront policy (row id 1)
type SiteSettings struct {
	ID                    int64           `db:"id" json:"-"`
	EnableCOD             bool            `db:"enable_cod" json:"enable_cod"`
	AllowOrderCancel      bool            `db:"allow_order_cancel" json:"allow_order_cancel"`
	AllowOrderReturn      bool            `db:"allow_order_return" json:"allow_order_return"`
	ShippingCharge        decimal.Decimal `db:"shipping_charge" json:"shipping_charge"`
	FreeShippingMinAmount decimal.Decimal `db:"free_shipping_min_amount" json:"free_shipping_min_amount"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// DefaultSiteSettings mirrors the defaults the settings row is created with
func DefaultSiteSettings() SiteSettings {
	return SiteSettings{
		ID:                    1,
		EnableCOD:             true,
		AllowOrderCancel:      true,
		AllowOrderReturn:      true,
		ShippingCharge:        decimal.Zero,
		FreeShippingMinAmount: decimal.Zero,
	}
}

// OutboxRecord is an event waiting to be relayed to the broker
type OutboxRecord struct {
	ID        int64      `db:"id" json:"id"`
	EventID   string     `db:"event_id" json:"event_id"`
	Topic     string     `db:"topic" json:"topic"`
	Key       string     `db:"key" json:"key"`
	Payload   []byte     `db:"payload" json:"payload"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at,omitempty"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Order statuses
const (
	OrderStatusPending        = "PENDING"
	OrderStatusProcessing     = "PROCESSING"
	OrderStatusPacked         = "PACKED"
	OrderStatusShipped        = "SHIPPED"
	OrderStatusOutForDelivery = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCancelled      = "CANCELLED"
)

// Payment statuses
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "PAID"
	PaymentStatusFailed  = "FAILED"
	PaymentStatusCOD     = "COD"
)

// Payment methods
const (
	PaymentMethodCOD    = "COD"
	PaymentMethodOnline = "ONLINE"
)

// Return request statuses
const (
	ReturnStatusRequested = "REQUESTED"
	ReturnStatusApproved  = "APPROVED"
	ReturnStatusRejected  = "REJECTED"
)
