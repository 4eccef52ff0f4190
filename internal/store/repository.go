package store

import (
	"context"
	"errors"

	"checkout-service/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup that finds no row
	ErrNotFound = errors.New("not found")
	// ErrStockUnderflow is returned when a decrement would drive stock negative
	ErrStockUnderflow = errors.New("stock underflow")
)

// Queries are plain reads available both inside and outside a transaction
type Queries interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetReturnRequestForOrder(ctx context.Context, orderID, userID int64) (*models.ReturnRequest, error)
	GetAddress(ctx context.Context, userID, addressID int64) (*models.Address, error)
	// GetCouponByCode reads a coupon matched case-insensitively without locking it.
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetSiteSettings(ctx context.Context) (*models.SiteSettings, error)
}

// Tx is a unit of work. Every Lock* method takes an exclusive row lock held
// until the transaction ends.
//
// Lock ordering rule: cart rows, then the coupon row, then variant rows in
// ascending id. Order-scoped operations lock the order row first, then variants.
type Tx interface {
	Queries

	LockCartItems(ctx context.Context, userID int64) ([]models.CartItem, error)
	LockCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	// LockVariants locks and returns the variants ordered by ascending id.
	LockVariants(ctx context.Context, ids []int64) ([]models.ProductVariant, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetOffersByIDs(ctx context.Context, ids []int64) ([]models.Offer, error)
	DecrementStock(ctx context.Context, variantID int64, qty int) error
	IncrementStock(ctx context.Context, variantID int64, qty int) error
	IncrementCouponUsage(ctx context.Context, couponID int64) error

	CreateAddress(ctx context.Context, addr *models.Address) error
	// InsertOrder returns false without error when the order number is taken.
	InsertOrder(ctx context.Context, order *models.Order) (bool, error)
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	DeleteCartItems(ctx context.Context, ids []int64) error

	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	LockOrderByRemoteID(ctx context.Context, remoteOrderID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdatePaymentStatus(ctx context.Context, orderID int64, status string, remotePaymentID *string) error
	SetRemoteOrderID(ctx context.Context, orderID int64, remoteOrderID string) error

	// CreateReturnRequest returns false without error when one already exists for (order, user).
	CreateReturnRequest(ctx context.Context, rr *models.ReturnRequest) (bool, error)
	LockReturnRequest(ctx context.Context, id int64) (*models.ReturnRequest, error)
	UpdateReturnRequest(ctx context.Context, id int64, status, note string) error

	InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error
}

// Repository is the persistence capability the services depend on
type Repository interface {
	Queries

	// WithTx runs fn in a transaction, committing on nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	UpsertSiteSettings(ctx context.Context, settings *models.SiteSettings) error

	FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	Close() error
}
