package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/coupon"
	"checkout-service/internal/models"
	"checkout-service/internal/pricing"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxOrderNumberAttempts = 5

// OrderService turns a cart into a priced order and serves order reads
type OrderService struct {
	repo        store.Repository
	ledger      *Ledger
	settings    SettingsSource
	events      eventStager
	gst         decimal.Decimal
	now         func() time.Time
	orderNumber func() string
	logger      *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	ledger *Ledger,
	settings SettingsSource,
	gstPercentage decimal.Decimal,
	topic string,
) *OrderService {
	return &OrderService{
		repo:        repo,
		ledger:      ledger,
		settings:    settings,
		events:      eventStager{topic: topic, now: time.Now},
		gst:         gstPercentage,
		now:         time.Now,
		orderNumber: randomOrderNumber,
		logger:      util.GetLogger(),
	}
}

// AddressInput is a delivery address entered at checkout
type AddressInput struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Pincode       string `json:"pincode"`
	City          string `json:"city"`
	State         string `json:"state"`
	FullAddress   string `json:"full_address"`
	SaveForFuture bool   `json:"save_for_future"`
}

// CheckoutRequest represents a request to place the user's cart as an order
type CheckoutRequest struct {
	UserID          int64         `json:"-"`
	CustomerEmail   string        `json:"-"`
	AddressID       *int64        `json:"address_id"`
	DeliveryAddress *AddressInput `json:"delivery_address"`
	CouponCode      *string       `json:"coupon_code"`
	PaymentMethod   string        `json:"payment_method"`
	IdempotencyKey  string        `json:"-"`
}

// CheckoutResult is the committed order. Replayed is set when an earlier
// request with the same idempotency key produced it.
type CheckoutResult struct {
	Order    models.Order
	Items    []models.OrderItem
	Replayed bool
}

// Totals is the price breakdown of an order
type Totals struct {
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Shipping      decimal.Decimal
	Taxable       decimal.Decimal
	GSTPercentage decimal.Decimal
	GST           decimal.Decimal
	Total         decimal.Decimal
}

// ShippingFor applies the shipping policy. The free-shipping threshold is
// compared against the discounted subtotal.
func ShippingFor(st models.SiteSettings, subtotal, discount decimal.Decimal) decimal.Decimal {
	if !st.ShippingCharge.IsPositive() {
		return decimal.Zero
	}
	if st.FreeShippingMinAmount.IsPositive() && subtotal.Sub(discount).GreaterThanOrEqual(st.FreeShippingMinAmount) {
		return decimal.Zero
	}
	return st.ShippingCharge
}

// ComputeTotals derives taxable, GST and total. total == subtotal - discount + shipping + gst.
func ComputeTotals(subtotal, discount, shipping, gstPercentage decimal.Decimal) Totals {
	taxable := subtotal.Sub(discount).Add(shipping)
	gst := pricing.Percent(taxable, gstPercentage)
	return Totals{
		Subtotal:      subtotal,
		Discount:      discount,
		Shipping:      shipping,
		Taxable:       taxable,
		GSTPercentage: gstPercentage,
		GST:           gst,
		Total:         taxable.Add(gst),
	}
}

// pricedLine is one cart line after locking and price resolution
type pricedLine struct {
	cart    models.CartItem
	variant models.ProductVariant
	product models.Product
	quote   pricing.Quote
	total   decimal.Decimal
}

// Checkout places the user's cart as an order in a single transaction
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) (result *CheckoutResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout", attribute.Int64("user_id", req.UserID))
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	result, err = s.checkout(ctx, req)
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
			s.logger.Info("Checkout rejected",
				zap.Int64("user_id", req.UserID),
				zap.String("code", e.Code),
				zap.String("message", e.Message))
		} else {
			s.logger.Error("Checkout failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		}
		return nil, err
	}

	if result.Replayed {
		s.logger.Info("Duplicate checkout request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", result.Order.ID))
		return result, nil
	}

	util.CheckoutsTotal.WithLabelValues(result.Order.PaymentMethod).Inc()
	s.logger.Info("Order placed",
		zap.Int64("order_id", result.Order.ID),
		zap.String("order_number", result.Order.OrderNumber),
		zap.String("total", result.Order.TotalAmount.StringFixed(2)),
		zap.String("payment_method", result.Order.PaymentMethod))
	return result, nil
}

func (s *OrderService) checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	method := strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	if method != models.PaymentMethodCOD && method != models.PaymentMethodOnline {
		return nil, apperr.ErrInvalidPaymentMethod
	}

	inline, err := addressFromInput(req)
	if err != nil {
		return nil, err
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if method == models.PaymentMethodCOD && !settings.EnableCOD {
		return nil, apperr.ErrCodDisabled
	}

	paymentStatus := models.PaymentStatusPending
	if method == models.PaymentMethodCOD {
		paymentStatus = models.PaymentStatusCOD
	}

	now := s.now()
	var result *CheckoutResult

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var saved *models.Address
		if inline == nil {
			addr, err := tx.GetAddress(ctx, req.UserID, *req.AddressID)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.ErrAddressNotFound
			}
			if err != nil {
				return err
			}
			if addr.IsTemporary {
				return apperr.ErrAddressNotFound
			}
			saved = addr
		}

		cart, err := tx.LockCartItems(ctx, req.UserID)
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			existing, err := tx.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("failed to check idempotency: %w", err)
			}
			if existing != nil {
				items, err := tx.GetOrderItems(ctx, existing.ID)
				if err != nil {
					return err
				}
				result = &CheckoutResult{Order: *existing, Items: items, Replayed: true}
				return nil
			}
		}

		if len(cart) == 0 {
			return apperr.ErrEmptyCart
		}
		for _, item := range cart {
			if item.Quantity < 1 {
				return apperr.ErrInvalidQuantity
			}
		}

		// The coupon row is locked before any variant so that a spent
		// coupon is rejected without touching stock.
		var cpn *models.Coupon
		if req.CouponCode != nil {
			if code := coupon.Normalize(*req.CouponCode); code != "" {
				cpn, err = tx.LockCouponByCode(ctx, code)
				if errors.Is(err, store.ErrNotFound) {
					return apperr.ErrInvalidCoupon
				}
				if err != nil {
					return err
				}
				if err := coupon.Check(cpn, now); err != nil {
					return err
				}
			}
		}

		lines, err := s.priceLines(ctx, tx, cart, now)
		if err != nil {
			return err
		}

		subtotal := decimal.Zero
		for _, l := range lines {
			subtotal = subtotal.Add(l.total)
		}

		discount := decimal.Zero
		if cpn != nil {
			discount, err = coupon.Apply(cpn, subtotal, now)
			if err != nil {
				return err
			}
		}

		totals := ComputeTotals(subtotal, discount, ShippingFor(settings, subtotal, discount), s.gst)

		if inline != nil {
			if err := tx.CreateAddress(ctx, inline); err != nil {
				return fmt.Errorf("failed to save address: %w", err)
			}
			saved = inline
		}

		order := &models.Order{
			UserID:         req.UserID,
			AddressID:      &saved.ID,
			SubtotalAmount: totals.Subtotal,
			DiscountAmount: totals.Discount,
			ShippingAmount: totals.Shipping,
			GSTPercentage:  totals.GSTPercentage,
			GSTAmount:      totals.GST,
			TotalAmount:    totals.Total,
			PaymentMethod:  method,
			PaymentStatus:  paymentStatus,
			Status:         models.OrderStatusPending,
		}
		if cpn != nil {
			order.CouponID = &cpn.ID
			order.CouponCode = &cpn.Code
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			order.IdempotencyKey = &key
		}

		if err := s.insertOrder(ctx, tx, order); err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(lines))
		for _, l := range lines {
			item := snapshotItem(order.ID, l)
			if err := tx.CreateOrderItem(ctx, &item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			items = append(items, item)
		}

		for _, l := range lines {
			if err := s.ledger.Reserve(ctx, tx, l.variant, l.cart.Quantity, l.product.Name); err != nil {
				return err
			}
		}

		if cpn != nil {
			if err := tx.IncrementCouponUsage(ctx, cpn.ID); err != nil {
				return fmt.Errorf("failed to record coupon usage: %w", err)
			}
		}

		cartIDs := make([]int64, len(cart))
		for i, c := range cart {
			cartIDs[i] = c.ID
		}
		if err := tx.DeleteCartItems(ctx, cartIDs); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}

		base := s.events.base(models.EventTypeOrderPlaced)
		event := &models.OrderPlacedEvent{
			BaseEvent:      base,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			CustomerEmail:  req.CustomerEmail,
			ShipTo:         formatAddress(saved),
			PaymentMethod:  order.PaymentMethod,
			PaymentStatus:  order.PaymentStatus,
			SubtotalAmount: order.SubtotalAmount,
			DiscountAmount: order.DiscountAmount,
			ShippingAmount: order.ShippingAmount,
			GSTPercentage:  order.GSTPercentage,
			GSTAmount:      order.GSTAmount,
			TotalAmount:    order.TotalAmount,
			Items:          itemData(items),
		}
		if err := s.events.stage(ctx, tx, order.ID, base, event); err != nil {
			return err
		}

		result = &CheckoutResult{Order: *order, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// priceLines locks the cart's variants and resolves each line's price
func (s *OrderService) priceLines(ctx context.Context, tx store.Tx, cart []models.CartItem, now time.Time) ([]pricedLine, error) {
	variantIDs := make([]int64, len(cart))
	for i, c := range cart {
		variantIDs[i] = c.VariantID
	}

	variants, err := s.ledger.Lock(ctx, tx, variantIDs)
	if err != nil {
		return nil, err
	}

	productIDs := make([]int64, 0, len(variants))
	for _, v := range variants {
		productIDs = append(productIDs, v.ProductID)
	}
	productList, err := tx.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	products := make(map[int64]models.Product, len(productList))
	offerIDs := make([]int64, 0)
	for _, p := range productList {
		products[p.ID] = p
		if p.OfferID != nil {
			offerIDs = append(offerIDs, *p.OfferID)
		}
	}

	offerList, err := tx.GetOffersByIDs(ctx, offerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load offers: %w", err)
	}
	offers := make(map[int64]models.Offer, len(offerList))
	for _, o := range offerList {
		offers[o.ID] = o
	}

	lines := make([]pricedLine, 0, len(cart))
	for _, item := range cart {
		v, ok := variants[item.VariantID]
		if !ok {
			return nil, apperr.ErrProductUnavailable
		}
		p, ok := products[v.ProductID]
		if !ok || !p.IsActive {
			name := "A product in your cart"
			if ok {
				name = p.Name
			}
			return nil, apperr.ErrProductUnavailable.Withf("%s is no longer available", name)
		}
		if v.Stock < item.Quantity {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, insufficientStock(p.Name)
		}

		var offer *models.Offer
		if p.OfferID != nil {
			if o, ok := offers[*p.OfferID]; ok {
				offer = &o
			}
		}

		q := pricing.Resolve(&p, offer, now)
		lines = append(lines, pricedLine{
			cart:    item,
			variant: v,
			product: p,
			quote:   q,
			total:   pricing.Round2(q.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))),
		})
	}
	return lines, nil
}

// insertOrder assigns a fresh order number, retrying on collision
func (s *OrderService) insertOrder(ctx context.Context, tx store.Tx, order *models.Order) error {
	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		order.OrderNumber = s.orderNumber()
		ok, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if ok {
			return nil
		}
		s.logger.Warn("Order number collision, retrying",
			zap.String("order_number", order.OrderNumber),
			zap.Int("attempt", attempt))
	}
	return fmt.Errorf("failed to allocate a unique order number after %d attempts", maxOrderNumberAttempts)
}

// OrderDetail is an order with its lines and return request, if any
type OrderDetail struct {
	Order  models.Order          `json:"order"`
	Items  []models.OrderItem    `json:"items"`
	Return *models.ReturnRequest `json:"return_request,omitempty"`
}

// GetOrder retrieves an order owned by userID
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrderForUser(ctx, userID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	detail := &OrderDetail{Order: *order, Items: items}
	rr, err := s.repo.GetReturnRequestForOrder(ctx, orderID, userID)
	switch {
	case err == nil:
		detail.Return = rr
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return detail, nil
}

// ListOrders returns the user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// CouponQuote is the discount a coupon would give on an amount
type CouponQuote struct {
	Code        string
	Discount    decimal.Decimal
	FinalAmount decimal.Decimal
}

// QuoteCoupon validates code against amount without consuming a use.
// The coupon row is read, never locked or written.
func (s *OrderService) QuoteCoupon(ctx context.Context, code string, amount decimal.Decimal) (*CouponQuote, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.QuoteCoupon")
	defer span.End()

	if amount.IsNegative() {
		return nil, apperr.ErrInvalidAmount
	}
	code = coupon.Normalize(code)
	if code == "" {
		return nil, apperr.ErrInvalidCoupon
	}

	cpn, err := s.repo.GetCouponByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrInvalidCoupon
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read coupon: %w", err)
	}

	discount, err := coupon.Apply(cpn, amount, s.now())
	if err != nil {
		return nil, err
	}
	return &CouponQuote{
		Code:        cpn.Code,
		Discount:    discount,
		FinalAmount: amount.Sub(discount),
	}, nil
}

// addressFromInput validates the address selection. It returns the
// address to create for inline input, or nil when a saved one is selected.
func addressFromInput(req CheckoutRequest) (*models.Address, error) {
	if req.AddressID != nil {
		return nil, nil
	}
	in := req.DeliveryAddress
	if in == nil {
		return nil, apperr.ErrInvalidAddress.Withf("Select a saved address or enter a delivery address")
	}

	required := []struct{ name, value string }{
		{"name", in.Name},
		{"phone", in.Phone},
		{"pincode", in.Pincode},
		{"city", in.City},
		{"full_address", in.FullAddress},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, apperr.ErrInvalidAddress.Withf("%s is required", f.name)
		}
	}

	return &models.Address{
		UserID:      req.UserID,
		Name:        strings.TrimSpace(in.Name),
		Phone:       strings.TrimSpace(in.Phone),
		Pincode:     strings.TrimSpace(in.Pincode),
		City:        strings.TrimSpace(in.City),
		State:       strings.TrimSpace(in.State),
		FullAddress: strings.TrimSpace(in.FullAddress),
		IsTemporary: !in.SaveForFuture,
	}, nil
}

func snapshotItem(orderID int64, l pricedLine) models.OrderItem {
	variantID := l.variant.ID
	productID := l.product.ID
	item := models.OrderItem{
		OrderID:       orderID,
		VariantID:     &variantID,
		ProductID:     &productID,
		ProductName:   l.product.Name,
		Size:          l.variant.Size,
		Quantity:      l.cart.Quantity,
		OriginalPrice: l.quote.OriginalPrice,
		UnitPrice:     l.quote.UnitPrice,
		TotalPrice:    l.total,
	}
	if l.variant.Color != nil {
		item.Color = *l.variant.Color
	}
	if o := l.quote.Offer; o != nil {
		title, kind := o.Title, o.DiscountType
		item.OfferTitle = &title
		item.OfferDiscountType = &kind
		item.OfferDiscountValue = decimal.NewNullDecimal(o.DiscountValue)
	}
	return item
}

func formatAddress(a *models.Address) string {
	parts := []string{a.Name, a.FullAddress, a.City}
	if a.State != "" {
		parts = append(parts, a.State)
	}
	return strings.Join(parts, ", ") + " - " + a.Pincode
}

func randomOrderNumber() string {
	return fmt.Sprintf("ODR%08d", rand.Intn(100000000))
}

func failureReason(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return "internal"
}
