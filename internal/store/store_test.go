package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// seeder writes catalog and cart fixtures that the Repository itself never creates
type seeder interface {
	product(t *testing.T, p models.Product) int64
	variant(t *testing.T, productID int64, size string, stock int) int64
	coupon(t *testing.T, c models.Coupon) int64
	cartItem(t *testing.T, userID, variantID int64, qty int) int64
	stock(t *testing.T, variantID int64) int
}

type RepositorySuite struct {
	suite.Suite
	ctx   context.Context
	repo  Repository
	seed  seeder
	reset func()
}

func (s *RepositorySuite) SetupTest() {
	s.ctx = context.Background()
	if s.reset != nil {
		s.reset()
	}
}

func (s *RepositorySuite) seedVariant(stock int) int64 {
	pid := s.seed.product(s.T(), models.Product{Name: "Tee", Price: decimal.NewFromInt(100), IsActive: true})
	return s.seed.variant(s.T(), pid, "M", stock)
}

func newTestOrder(userID int64, number string) *models.Order {
	hundred := decimal.NewFromInt(100)
	return &models.Order{
		OrderNumber:    number,
		UserID:         userID,
		SubtotalAmount: hundred,
		DiscountAmount: decimal.Zero,
		ShippingAmount: decimal.Zero,
		GSTPercentage:  decimal.Zero,
		GSTAmount:      decimal.Zero,
		TotalAmount:    hundred,
		PaymentMethod:  models.PaymentMethodOnline,
		PaymentStatus:  models.PaymentStatusPending,
		Status:         models.OrderStatusPending,
	}
}

func (s *RepositorySuite) insertOrder(o *models.Order) {
	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("order number %s taken", o.OrderNumber)
		}
		return nil
	})
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestLockVariantsAscendingAndSkipsMissing() {
	b := s.seedVariant(3)
	a := s.seedVariant(5)

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		variants, err := tx.LockVariants(ctx, []int64{b, 999999, a, b})
		s.Require().NoError(err)
		s.Require().Len(variants, 2)
		s.Less(variants[0].ID, variants[1].ID)
		return nil
	})
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestDecrementStockRefusesUnderflow() {
	vid := s.seedVariant(2)

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockVariants(ctx, []int64{vid}); err != nil {
			return err
		}
		s.Require().NoError(tx.DecrementStock(ctx, vid, 2))
		return tx.DecrementStock(ctx, vid, 1)
	})
	s.ErrorIs(err, ErrStockUnderflow)
	s.Equal(2, s.seed.stock(s.T(), vid))
}

func (s *RepositorySuite) TestRollbackDiscardsEveryWrite() {
	vid := s.seedVariant(4)
	cart := s.seed.cartItem(s.T(), 7, vid, 1)
	order := newTestOrder(7, "ODR00000001")
	boom := errors.New("boom")

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		addr := &models.Address{UserID: 7, Name: "A", Phone: "1", Pincode: "1", City: "C", FullAddress: "F", IsTemporary: true}
		s.Require().NoError(tx.CreateAddress(ctx, addr))
		order.AddressID = &addr.ID
		ok, err := tx.InsertOrder(ctx, order)
		s.Require().NoError(err)
		s.Require().True(ok)
		s.Require().NoError(tx.DecrementStock(ctx, vid, 3))
		s.Require().NoError(tx.DeleteCartItems(ctx, []int64{cart}))
		s.Require().NoError(tx.InsertOutbox(ctx, &models.OutboxRecord{
			EventID: "evt-rollback", Topic: "order-events", Key: "order-1", Payload: []byte(`{}`),
		}))
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.repo.GetOrder(s.ctx, order.ID)
	s.ErrorIs(err, ErrNotFound)
	s.Equal(4, s.seed.stock(s.T(), vid))

	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		items, err := tx.LockCartItems(ctx, 7)
		s.Len(items, 1)
		return err
	})
	s.Require().NoError(err)

	pending, err := s.repo.FetchPendingOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *RepositorySuite) TestInsertOrderReportsTakenNumber() {
	s.insertOrder(newTestOrder(1, "ODR12345678"))

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.InsertOrder(ctx, newTestOrder(2, "ODR12345678"))
		s.Require().NoError(err)
		s.False(ok)
		return nil
	})
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestIdempotencyKeyIsScopedToUser() {
	key := "idem-1"
	first := newTestOrder(1, "ODR00000010")
	first.IdempotencyKey = &key
	s.insertOrder(first)

	found, err := s.repo.GetOrderByIdempotencyKey(s.ctx, 1, key)
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(first.ID, found.ID)

	none, err := s.repo.GetOrderByIdempotencyKey(s.ctx, 2, key)
	s.Require().NoError(err)
	s.Nil(none)

	other := newTestOrder(2, "ODR00000011")
	other.IdempotencyKey = &key
	s.insertOrder(other)

	dup := newTestOrder(1, "ODR00000012")
	dup.IdempotencyKey = &key
	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertOrder(ctx, dup)
		return err
	})
	s.Error(err)
}

func (s *RepositorySuite) TestOrderReadsAreOwnerScoped() {
	older := newTestOrder(1, "ODR00000020")
	s.insertOrder(older)
	newer := newTestOrder(1, "ODR00000021")
	s.insertOrder(newer)

	_, err := s.repo.GetOrderForUser(s.ctx, 2, older.ID)
	s.ErrorIs(err, ErrNotFound)

	got, err := s.repo.GetOrderForUser(s.ctx, 1, older.ID)
	s.Require().NoError(err)
	s.Equal("ODR00000020", got.OrderNumber)
	s.True(decimal.NewFromInt(100).Equal(got.TotalAmount))

	list, err := s.repo.ListOrdersByUser(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(newer.ID, list[0].ID)
}

func (s *RepositorySuite) TestPaymentCorrelation() {
	order := newTestOrder(1, "ODR00000030")
	s.insertOrder(order)

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetRemoteOrderID(ctx, order.ID, "order_R1")
	})
	s.Require().NoError(err)

	payID := "pay_P1"
	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockOrderByRemoteID(ctx, "order_R1")
		if err != nil {
			return err
		}
		s.Equal(order.ID, locked.ID)
		if err := tx.UpdatePaymentStatus(ctx, locked.ID, models.PaymentStatusPaid, &payID); err != nil {
			return err
		}
		// a nil payment id keeps the stored one
		return tx.UpdatePaymentStatus(ctx, locked.ID, models.PaymentStatusPaid, nil)
	})
	s.Require().NoError(err)

	got, err := s.repo.GetOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(models.PaymentStatusPaid, got.PaymentStatus)
	s.Require().NotNil(got.RemotePaymentID)
	s.Equal(payID, *got.RemotePaymentID)

	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockOrderByRemoteID(ctx, "order_UNKNOWN")
		return err
	})
	s.ErrorIs(err, ErrNotFound)
}

func (s *RepositorySuite) TestReturnRequestIsUniquePerOrder() {
	order := newTestOrder(1, "ODR00000040")
	s.insertOrder(order)

	var first models.ReturnRequest
	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		first = models.ReturnRequest{OrderID: order.ID, UserID: 1, Reason: "size", Status: models.ReturnStatusRequested}
		ok, err := tx.CreateReturnRequest(ctx, &first)
		s.True(ok)
		if err != nil {
			return err
		}
		ok, err = tx.CreateReturnRequest(ctx, &models.ReturnRequest{OrderID: order.ID, UserID: 1, Reason: "again", Status: models.ReturnStatusRequested})
		s.False(ok)
		return err
	})
	s.Require().NoError(err)

	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockReturnRequest(ctx, first.ID); err != nil {
			return err
		}
		return tx.UpdateReturnRequest(ctx, first.ID, models.ReturnStatusApproved, "ok")
	})
	s.Require().NoError(err)

	rr, err := s.repo.GetReturnRequestForOrder(s.ctx, order.ID, 1)
	s.Require().NoError(err)
	s.Equal(models.ReturnStatusApproved, rr.Status)
	s.Equal("ok", rr.AdminNote)

	_, err = s.repo.GetReturnRequestForOrder(s.ctx, order.ID, 2)
	s.ErrorIs(err, ErrNotFound)
}

func (s *RepositorySuite) TestCouponLookupIgnoresCase() {
	id := s.seed.coupon(s.T(), models.Coupon{
		Code:          "Welcome10",
		DiscountType:  models.DiscountPercent,
		DiscountValue: decimal.NewFromInt(10),
		ExpiryDate:    time.Now().Add(time.Hour),
		IsActive:      true,
		UsageLimit:    5,
	})

	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCouponByCode(ctx, "WELCOME10")
		if err != nil {
			return err
		}
		s.Equal(id, c.ID)
		s.Equal(0, c.UsedCount)
		return tx.IncrementCouponUsage(ctx, c.ID)
	})
	s.Require().NoError(err)

	err = s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LockCouponByCode(ctx, "welcome10")
		if err != nil {
			return err
		}
		s.Equal(1, c.UsedCount)
		_, err = tx.LockCouponByCode(ctx, "NOPE")
		return err
	})
	s.ErrorIs(err, ErrNotFound)

	c, err := s.repo.GetCouponByCode(s.ctx, "wElCoMe10")
	s.Require().NoError(err)
	s.Equal(id, c.ID)
	s.Equal(1, c.UsedCount)

	_, err = s.repo.GetCouponByCode(s.ctx, "NOPE")
	s.ErrorIs(err, ErrNotFound)
}

func (s *RepositorySuite) TestOutboxRelayCursor() {
	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		for i := 1; i <= 3; i++ {
			rec := &models.OutboxRecord{
				EventID: fmt.Sprintf("evt-%d", i),
				Topic:   "order-events",
				Key:     fmt.Sprintf("order-%d", i),
				Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
			}
			if err := tx.InsertOutbox(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	s.Require().NoError(err)

	batch, err := s.repo.FetchPendingOutbox(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(batch, 2)
	s.Equal("evt-1", batch[0].EventID)
	s.JSONEq(`{"n":1}`, string(batch[0].Payload))

	for _, rec := range batch {
		s.Require().NoError(s.repo.MarkOutboxSent(s.ctx, rec.ID))
	}

	rest, err := s.repo.FetchPendingOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(rest, 1)
	s.Equal("evt-3", rest[0].EventID)
}

func (s *RepositorySuite) TestProcessedEvents() {
	seen, err := s.repo.IsEventProcessed(s.ctx, "evt-x")
	s.Require().NoError(err)
	s.False(seen)

	s.Require().NoError(s.repo.MarkEventProcessed(s.ctx, "evt-x", models.EventTypeOrderPlaced))
	s.Require().NoError(s.repo.MarkEventProcessed(s.ctx, "evt-x", models.EventTypeOrderPlaced))

	seen, err = s.repo.IsEventProcessed(s.ctx, "evt-x")
	s.Require().NoError(err)
	s.True(seen)
}

func (s *RepositorySuite) TestSiteSettingsUpsert() {
	st, err := s.repo.GetSiteSettings(s.ctx)
	s.Require().NoError(err)
	s.True(st.EnableCOD)

	st.EnableCOD = false
	st.ShippingCharge = decimal.RequireFromString("49.50")
	s.Require().NoError(s.repo.UpsertSiteSettings(s.ctx, st))

	got, err := s.repo.GetSiteSettings(s.ctx)
	s.Require().NoError(err)
	s.False(got.EnableCOD)
	s.Equal("49.50", got.ShippingCharge.StringFixed(2))
}

func (s *RepositorySuite) TestAddressOwnership() {
	var id int64
	err := s.repo.WithTx(s.ctx, func(ctx context.Context, tx Tx) error {
		a := &models.Address{UserID: 3, Name: "Home", Phone: "1", Pincode: "1", City: "C", FullAddress: "F"}
		err := tx.CreateAddress(ctx, a)
		id = a.ID
		return err
	})
	s.Require().NoError(err)

	got, err := s.repo.GetAddress(s.ctx, 3, id)
	s.Require().NoError(err)
	s.Equal("Home", got.Name)

	_, err = s.repo.GetAddress(s.ctx, 4, id)
	s.ErrorIs(err, ErrNotFound)
}

// memory

type memorySeeder struct{ m *MemoryStore }

func (ms memorySeeder) product(t *testing.T, p models.Product) int64 {
	id, err := ms.m.AddProduct(p)
	require.NoError(t, err)
	return id
}

func (ms memorySeeder) variant(t *testing.T, productID int64, size string, stock int) int64 {
	return ms.m.AddVariant(models.ProductVariant{ProductID: productID, Size: size, Stock: stock})
}

func (ms memorySeeder) coupon(t *testing.T, c models.Coupon) int64 { return ms.m.AddCoupon(c) }

func (ms memorySeeder) cartItem(t *testing.T, userID, variantID int64, qty int) int64 {
	return ms.m.AddCartItem(userID, variantID, qty)
}

func (ms memorySeeder) stock(t *testing.T, variantID int64) int {
	v, ok := ms.m.Variant(variantID)
	require.True(t, ok)
	return v.Stock
}

func TestMemoryStore(t *testing.T) {
	s := &RepositorySuite{}
	s.reset = func() {
		m := NewMemoryStore()
		s.repo = m
		s.seed = memorySeeder{m: m}
	}
	suite.Run(t, s)
}

func TestMemoryStoreRejectsConflictingOverride(t *testing.T) {
	m := NewMemoryStore()
	offer := m.AddOffer(models.Offer{Title: "Sale", DiscountType: models.DiscountFlat, DiscountValue: decimal.NewFromInt(5)})
	_, err := m.AddProduct(models.Product{
		Name:      "Tee",
		Price:     decimal.NewFromInt(100),
		SalePrice: decimal.NewNullDecimal(decimal.NewFromInt(90)),
		OfferID:   &offer,
	})
	require.ErrorIs(t, err, models.ErrConflictingOverride)
}

// postgres

type sqlSeeder struct{ s *Store }

func (ss sqlSeeder) product(t *testing.T, p models.Product) int64 {
	var id int64
	err := ss.s.GetDB().Get(&id,
		`INSERT INTO products (name, price, sale_price, offer_id, is_active) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.Name, p.Price, p.SalePrice, p.OfferID, p.IsActive)
	require.NoError(t, err)
	return id
}

func (ss sqlSeeder) variant(t *testing.T, productID int64, size string, stock int) int64 {
	var id int64
	err := ss.s.GetDB().Get(&id,
		`INSERT INTO product_variants (product_id, size, stock) VALUES ($1, $2, $3) RETURNING id`,
		productID, size, stock)
	require.NoError(t, err)
	return id
}

func (ss sqlSeeder) coupon(t *testing.T, c models.Coupon) int64 {
	var id int64
	err := ss.s.GetDB().Get(&id, `
		INSERT INTO coupons (code, discount_type, discount_value, min_purchase, max_discount, expiry_date, is_active, usage_limit, used_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		c.Code, c.DiscountType, c.DiscountValue, c.MinPurchase, c.MaxDiscount, c.ExpiryDate, c.IsActive, c.UsageLimit, c.UsedCount)
	require.NoError(t, err)
	return id
}

func (ss sqlSeeder) cartItem(t *testing.T, userID, variantID int64, qty int) int64 {
	var id int64
	err := ss.s.GetDB().Get(&id,
		`INSERT INTO cart_items (user_id, variant_id, quantity) VALUES ($1, $2, $3) RETURNING id`,
		userID, variantID, qty)
	require.NoError(t, err)
	return id
}

func (ss sqlSeeder) stock(t *testing.T, variantID int64) int {
	var stock int
	require.NoError(t, ss.s.GetDB().Get(&stock, `SELECT stock FROM product_variants WHERE id = $1`, variantID))
	return stock
}

const truncateAll = `TRUNCATE outbox, processed_events, return_requests, order_items, orders,
	cart_items, addresses, coupons, product_variants, products, offers RESTART IDENTITY CASCADE;
	UPDATE site_settings SET enable_cod = TRUE, allow_order_cancel = TRUE, allow_order_return = TRUE,
	shipping_charge = 0, free_shipping_min_amount = 0`

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "secret",
				"POSTGRES_DB":       "checkout_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://checkout:secret@%s:%s/checkout_test?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("STORE_INTEGRATION") != "1" {
		t.Skip("set STORE_INTEGRATION=1 to run against a Postgres container")
	}
	dsn := startPostgres(t)

	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			st, err := NewStore(driver, dsn)
			require.NoError(t, err)
			defer st.Close()
			require.NoError(t, st.Migrate(context.Background()))

			s := &RepositorySuite{repo: st, seed: sqlSeeder{s: st}}
			s.reset = func() {
				_, err := st.GetDB().Exec(truncateAll)
				require.NoError(s.T(), err)
			}
			suite.Run(t, s)
		})
	}
}
