package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/models"
)

// MemoryStore is an in-process Repository used for local runs and tests.
//
// Row locks are real mutexes held until the transaction ends, and a failed
// transaction replays its undo log before releasing them. Readers that do not
// lock may observe uncommitted writes.
type MemoryStore struct {
	mu       sync.Mutex
	rowLocks map[string]*sync.Mutex
	nextID   int64

	products   map[int64]*models.Product
	variants   map[int64]*models.ProductVariant
	offers     map[int64]*models.Offer
	coupons    map[int64]*models.Coupon
	cart       map[int64]*models.CartItem
	addresses  map[int64]*models.Address
	orders     map[int64]*models.Order
	orderItems map[int64][]models.OrderItem
	returns    map[int64]*models.ReturnRequest
	settings   models.SiteSettings
	outbox     []*models.OutboxRecord
	processed  map[string]string
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store with default site settings
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rowLocks:   make(map[string]*sync.Mutex),
		products:   make(map[int64]*models.Product),
		variants:   make(map[int64]*models.ProductVariant),
		offers:     make(map[int64]*models.Offer),
		coupons:    make(map[int64]*models.Coupon),
		cart:       make(map[int64]*models.CartItem),
		addresses:  make(map[int64]*models.Address),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		returns:    make(map[int64]*models.ReturnRequest),
		settings:   models.DefaultSiteSettings(),
		processed:  make(map[string]string),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// AddOffer seeds an offer and returns its ID
func (s *MemoryStore) AddOffer(o models.Offer) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.id()
	}
	s.offers[o.ID] = &o
	return o.ID
}

// AddProduct seeds a product and returns its ID
func (s *MemoryStore) AddProduct(p models.Product) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.products[p.ID] = &p
	return p.ID, nil
}

// AddVariant seeds a variant and returns its ID
func (s *MemoryStore) AddVariant(v models.ProductVariant) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.id()
	}
	s.variants[v.ID] = &v
	return v.ID
}

// AddCoupon seeds a coupon and returns its ID
func (s *MemoryStore) AddCoupon(c models.Coupon) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.coupons[c.ID] = &c
	return c.ID
}

// AddCartItem puts a line in a user's cart
func (s *MemoryStore) AddCartItem(userID, variantID int64, qty int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &models.CartItem{ID: s.id(), UserID: userID, VariantID: variantID, Quantity: qty, AddedAt: time.Now()}
	s.cart[item.ID] = item
	return item.ID
}

// AddAddress seeds an address and returns its ID
func (s *MemoryStore) AddAddress(a models.Address) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.addresses[a.ID] = &a
	return a.ID
}

// Variant returns a copy of a variant
func (s *MemoryStore) Variant(id int64) (models.ProductVariant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return models.ProductVariant{}, false
	}
	return *v, true
}

// DeleteVariant removes a variant, nulling order item references like ON DELETE SET NULL
func (s *MemoryStore) DeleteVariant(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.variants, id)
	for orderID, items := range s.orderItems {
		for i := range items {
			if items[i].VariantID != nil && *items[i].VariantID == id {
				items[i].VariantID = nil
			}
		}
		s.orderItems[orderID] = items
	}
}

// Coupon returns a copy of a coupon
func (s *MemoryStore) Coupon(id int64) (models.Coupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[id]
	if !ok {
		return models.Coupon{}, false
	}
	return *c, true
}

// CartItems returns the user's cart lines
func (s *MemoryStore) CartItems(userID int64) []models.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartFor(userID)
}

// Addresses returns all addresses of a user
func (s *MemoryStore) Addresses(userID int64) []models.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Address
	for _, a := range s.addresses {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Orders returns all orders
func (s *MemoryStore) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OutboxRecords returns every staged record, sent or not
func (s *MemoryStore) OutboxRecords() []models.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxRecord, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, *r)
	}
	return out
}

func (s *MemoryStore) cartFor(userID int64) []models.CartItem {
	var out []models.CartItem
	for _, c := range s.cart {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOrder retrieves an order by ID
func (s *MemoryStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// GetOrderForUser retrieves an order owned by userID
func (s *MemoryStore) GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return o, nil
}

// GetOrderByIdempotencyKey returns nil, nil when no order carries the key
func (s *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *MemoryStore) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// GetOrderItems retrieves all items for an order
func (s *MemoryStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.orderItems[orderID]
	out := make([]models.OrderItem, len(items))
	copy(out, items)
	return out, nil
}

// GetReturnRequestForOrder retrieves the return request a user opened on an order
func (s *MemoryStore) GetReturnRequestForOrder(ctx context.Context, orderID, userID int64) (*models.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range s.returns {
		if rr.OrderID == orderID && rr.UserID == userID {
			cp := *rr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("return for order %d: %w", orderID, ErrNotFound)
}

// GetAddress retrieves an address owned by userID
func (s *MemoryStore) GetAddress(ctx context.Context, userID, addressID int64) (*models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, fmt.Errorf("address %d: %w", addressID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// GetCouponByCode reads a coupon matched case-insensitively
func (s *MemoryStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if strings.EqualFold(c.Code, code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("coupon %q: %w", code, ErrNotFound)
}

// GetSiteSettings returns the settings row
func (s *MemoryStore) GetSiteSettings(ctx context.Context) (*models.SiteSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	return &cp, nil
}

// UpsertSiteSettings writes the settings row
func (s *MemoryStore) UpsertSiteSettings(ctx context.Context, st *models.SiteSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = 1
	st.UpdatedAt = time.Now()
	s.settings = *st
	return nil
}

// FetchPendingOutbox returns unsent outbox records oldest first
func (s *MemoryStore) FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxRecord
	for _, r := range s.outbox {
		if r.SentAt == nil {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkOutboxSent stamps a relayed record
func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.outbox {
		if r.ID == id {
			now := time.Now()
			r.SentAt = &now
		}
	}
	return nil
}

// IsEventProcessed checks if an event has been processed
func (s *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = eventType
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// WithTx runs fn holding every row lock it takes until it returns
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx := &memTx{MemoryStore: s, held: make(map[string]bool)}
	defer tx.release()
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	*MemoryStore
	held  map[string]bool
	locks []*sync.Mutex
	undo  []func()
}

var _ Tx = (*memTx)(nil)

func (t *memTx) lock(key string) {
	if t.held[key] {
		return
	}
	t.MemoryStore.mu.Lock()
	m, ok := t.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		t.rowLocks[key] = m
	}
	t.MemoryStore.mu.Unlock()

	m.Lock()
	t.held[key] = true
	t.locks = append(t.locks, m)
}

func (t *memTx) release() {
	for i := len(t.locks) - 1; i >= 0; i-- {
		t.locks[i].Unlock()
	}
	t.locks = nil
}

func (t *memTx) rollback() {
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// mutate runs fn under the store mutex and records its inverse
func (t *memTx) mutate(fn func() (undo func(), err error)) error {
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	undo, err := fn()
	if err != nil {
		return err
	}
	if undo != nil {
		t.undo = append(t.undo, undo)
	}
	return nil
}

func (t *memTx) LockCartItems(ctx context.Context, userID int64) ([]models.CartItem, error) {
	t.lock(fmt.Sprintf("cart:%d", userID))
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	return t.cartFor(userID), nil
}

func (t *memTx) LockCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	t.MemoryStore.mu.Lock()
	var id int64
	for _, c := range t.coupons {
		if strings.EqualFold(c.Code, code) {
			id = c.ID
			break
		}
	}
	t.MemoryStore.mu.Unlock()
	if id == 0 {
		return nil, fmt.Errorf("coupon %q: %w", code, ErrNotFound)
	}

	t.lock(fmt.Sprintf("coupon:%d", id))
	c, ok := t.Coupon(id)
	if !ok {
		return nil, fmt.Errorf("coupon %q: %w", code, ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) LockVariants(ctx context.Context, ids []int64) ([]models.ProductVariant, error) {
	sorted := uniqueSorted(ids)
	for _, id := range sorted {
		t.lock(fmt.Sprintf("variant:%d", id))
	}

	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	out := make([]models.ProductVariant, 0, len(sorted))
	for _, id := range sorted {
		if v, ok := t.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (t *memTx) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	var out []models.Product
	for _, id := range uniqueSorted(ids) {
		if p, ok := t.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (t *memTx) GetOffersByIDs(ctx context.Context, ids []int64) ([]models.Offer, error) {
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	var out []models.Offer
	for _, id := range uniqueSorted(ids) {
		if o, ok := t.offers[id]; ok {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (t *memTx) DecrementStock(ctx context.Context, variantID int64, qty int) error {
	return t.mutate(func() (func(), error) {
		v, ok := t.variants[variantID]
		if !ok {
			return nil, fmt.Errorf("variant %d: %w", variantID, ErrNotFound)
		}
		if v.Stock < qty {
			return nil, fmt.Errorf("variant %d: %w", variantID, ErrStockUnderflow)
		}
		v.Stock -= qty
		return func() { v.Stock += qty }, nil
	})
}

func (t *memTx) IncrementStock(ctx context.Context, variantID int64, qty int) error {
	return t.mutate(func() (func(), error) {
		v, ok := t.variants[variantID]
		if !ok {
			return nil, nil
		}
		v.Stock += qty
		return func() { v.Stock -= qty }, nil
	})
}

func (t *memTx) IncrementCouponUsage(ctx context.Context, couponID int64) error {
	return t.mutate(func() (func(), error) {
		c, ok := t.coupons[couponID]
		if !ok {
			return nil, fmt.Errorf("coupon %d: %w", couponID, ErrNotFound)
		}
		if c.UsedCount >= c.UsageLimit {
			return nil, fmt.Errorf("coupon %d: usage limit reached", couponID)
		}
		c.UsedCount++
		return func() { c.UsedCount-- }, nil
	})
}

func (t *memTx) CreateAddress(ctx context.Context, a *models.Address) error {
	return t.mutate(func() (func(), error) {
		a.ID = t.id()
		a.CreatedAt = time.Now()
		cp := *a
		t.addresses[a.ID] = &cp
		return func() { delete(t.addresses, cp.ID) }, nil
	})
}

func (t *memTx) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	inserted := false
	err := t.mutate(func() (func(), error) {
		for _, existing := range t.orders {
			if existing.OrderNumber == o.OrderNumber {
				return nil, nil
			}
			if o.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
				existing.UserID == o.UserID && *existing.IdempotencyKey == *o.IdempotencyKey {
				return nil, fmt.Errorf("duplicate idempotency key %q", *o.IdempotencyKey)
			}
		}
		o.ID = t.id()
		o.CreatedAt = time.Now()
		o.UpdatedAt = o.CreatedAt
		cp := *o
		t.orders[o.ID] = &cp
		inserted = true
		return func() { delete(t.orders, cp.ID) }, nil
	})
	return inserted, err
}

func (t *memTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	return t.mutate(func() (func(), error) {
		item.ID = t.id()
		orderID := item.OrderID
		t.orderItems[orderID] = append(t.orderItems[orderID], *item)
		return func() {
			items := t.orderItems[orderID]
			t.orderItems[orderID] = items[:len(items)-1]
		}, nil
	})
}

func (t *memTx) DeleteCartItems(ctx context.Context, ids []int64) error {
	return t.mutate(func() (func(), error) {
		removed := make([]*models.CartItem, 0, len(ids))
		for _, id := range ids {
			if c, ok := t.cart[id]; ok {
				removed = append(removed, c)
				delete(t.cart, id)
			}
		}
		return func() {
			for _, c := range removed {
				t.cart[c.ID] = c
			}
		}, nil
	})
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	if _, err := t.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	t.lock(fmt.Sprintf("order:%d", orderID))
	return t.GetOrder(ctx, orderID)
}

func (t *memTx) LockOrderByRemoteID(ctx context.Context, remoteOrderID string) (*models.Order, error) {
	t.MemoryStore.mu.Lock()
	var id int64
	for _, o := range t.orders {
		if o.RemoteOrderID != nil && *o.RemoteOrderID == remoteOrderID {
			id = o.ID
			break
		}
	}
	t.MemoryStore.mu.Unlock()
	if id == 0 {
		return nil, fmt.Errorf("order for remote %q: %w", remoteOrderID, ErrNotFound)
	}
	return t.LockOrder(ctx, id)
}

func (t *memTx) updateOrder(orderID int64, apply func(o *models.Order)) error {
	return t.mutate(func() (func(), error) {
		o, ok := t.orders[orderID]
		if !ok {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		before := *o
		apply(o)
		o.UpdatedAt = time.Now()
		return func() { *o = before }, nil
	})
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	return t.updateOrder(orderID, func(o *models.Order) { o.Status = status })
}

func (t *memTx) UpdatePaymentStatus(ctx context.Context, orderID int64, status string, remotePaymentID *string) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.PaymentStatus = status
		if remotePaymentID != nil {
			id := *remotePaymentID
			o.RemotePaymentID = &id
		}
	})
}

func (t *memTx) SetRemoteOrderID(ctx context.Context, orderID int64, remoteOrderID string) error {
	return t.updateOrder(orderID, func(o *models.Order) { o.RemoteOrderID = &remoteOrderID })
}

func (t *memTx) CreateReturnRequest(ctx context.Context, rr *models.ReturnRequest) (bool, error) {
	inserted := false
	err := t.mutate(func() (func(), error) {
		for _, existing := range t.returns {
			if existing.OrderID == rr.OrderID && existing.UserID == rr.UserID {
				return nil, nil
			}
		}
		rr.ID = t.id()
		rr.CreatedAt = time.Now()
		rr.UpdatedAt = rr.CreatedAt
		cp := *rr
		t.returns[rr.ID] = &cp
		inserted = true
		return func() { delete(t.returns, cp.ID) }, nil
	})
	return inserted, err
}

func (t *memTx) LockReturnRequest(ctx context.Context, id int64) (*models.ReturnRequest, error) {
	t.lock(fmt.Sprintf("return:%d", id))
	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()
	rr, ok := t.returns[id]
	if !ok {
		return nil, fmt.Errorf("return %d: %w", id, ErrNotFound)
	}
	cp := *rr
	return &cp, nil
}

func (t *memTx) UpdateReturnRequest(ctx context.Context, id int64, status, note string) error {
	return t.mutate(func() (func(), error) {
		rr, ok := t.returns[id]
		if !ok {
			return nil, fmt.Errorf("return %d: %w", id, ErrNotFound)
		}
		before := *rr
		rr.Status = status
		rr.AdminNote = note
		rr.UpdatedAt = time.Now()
		return func() { *rr = before }, nil
	})
}

func (t *memTx) InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error {
	return t.mutate(func() (func(), error) {
		rec.ID = t.id()
		rec.CreatedAt = time.Now()
		cp := *rec
		t.outbox = append(t.outbox, &cp)
		return func() {
			for i, r := range t.outbox {
				if r.ID == cp.ID {
					t.outbox = append(t.outbox[:i], t.outbox[i+1:]...)
					return
				}
			}
		}, nil
	})
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
