package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTopic = "order-events"

type staticSettings struct {
	st models.SiteSettings
}

func (s *staticSettings) Get(ctx context.Context) (models.SiteSettings, error) {
	return s.st, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	repo     *store.MemoryStore
	settings *staticSettings
	ledger   *Ledger
	orders   *OrderService
	states   *OrderStateMachine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	util.SetLogger(zaptest.NewLogger(t))

	repo := store.NewMemoryStore()
	settings := &staticSettings{st: models.DefaultSiteSettings()}
	ledger := NewLedger()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	orders := NewOrderService(repo, ledger, settings, decimal.NewFromInt(3), testTopic)
	orders.now = func() time.Time { return now }

	return &fixture{
		t:        t,
		ctx:      context.Background(),
		repo:     repo,
		settings: settings,
		ledger:   ledger,
		orders:   orders,
		states:   NewOrderStateMachine(repo, ledger, settings, testTopic),
		now:      now,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

// variant seeds an active product with one variant and returns the variant id
func (f *fixture) variant(name, price string, stock int) int64 {
	f.t.Helper()
	pid, err := f.repo.AddProduct(models.Product{Name: name, Price: dec(price), IsActive: true})
	require.NoError(f.t, err)
	return f.repo.AddVariant(models.ProductVariant{ProductID: pid, Size: "M", Stock: stock})
}

func (f *fixture) stock(variantID int64) int {
	f.t.Helper()
	v, ok := f.repo.Variant(variantID)
	require.True(f.t, ok)
	return v.Stock
}

func (f *fixture) coupon(c models.Coupon) int64 {
	if c.ExpiryDate.IsZero() {
		c.ExpiryDate = f.now.Add(24 * time.Hour)
	}
	if c.UsageLimit == 0 {
		c.UsageLimit = 100
	}
	c.IsActive = true
	return f.repo.AddCoupon(c)
}

func inlineAddress() *AddressInput {
	return &AddressInput{
		Name:        "Asha Rao",
		Phone:       "9876543210",
		Pincode:     "560001",
		City:        "Bengaluru",
		State:       "KA",
		FullAddress: "12 MG Road",
	}
}

func (f *fixture) request(userID int64, method string) CheckoutRequest {
	return CheckoutRequest{
		UserID:          userID,
		DeliveryAddress: inlineAddress(),
		PaymentMethod:   method,
	}
}

func (f *fixture) checkout(req CheckoutRequest) *CheckoutResult {
	f.t.Helper()
	res, err := f.orders.Checkout(f.ctx, req)
	require.NoError(f.t, err)
	return res
}

// placeOrder puts qty units of each variant in a fresh cart and checks out
func (f *fixture) placeOrder(userID int64, method string, lines map[int64]int) models.Order {
	f.t.Helper()
	for vid, qty := range lines {
		f.repo.AddCartItem(userID, vid, qty)
	}
	return f.checkout(f.request(userID, method)).Order
}

func (f *fixture) eventTypes() []string {
	f.t.Helper()
	var types []string
	for _, rec := range f.repo.OutboxRecords() {
		var base models.BaseEvent
		require.NoError(f.t, json.Unmarshal(rec.Payload, &base))
		types = append(types, base.EventType)
	}
	return types
}

func strPtr(s string) *string { return &s }

func countOf(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}
