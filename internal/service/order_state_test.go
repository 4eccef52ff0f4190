package service

import (
	"encoding/json"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.OrderStatusPending, models.OrderStatusProcessing, true},
		{models.OrderStatusPending, models.OrderStatusShipped, true},
		{models.OrderStatusPacked, models.OrderStatusDelivered, true},
		{models.OrderStatusShipped, models.OrderStatusPacked, false},
		{models.OrderStatusDelivered, models.OrderStatusDelivered, false},
		{models.OrderStatusPending, models.OrderStatusCancelled, true},
		{models.OrderStatusProcessing, models.OrderStatusCancelled, true},
		{models.OrderStatusPacked, models.OrderStatusCancelled, false},
		{models.OrderStatusShipped, models.OrderStatusCancelled, false},
		{models.OrderStatusDelivered, models.OrderStatusCancelled, false},
		{models.OrderStatusCancelled, models.OrderStatusCancelled, false},
		{models.OrderStatusCancelled, models.OrderStatusProcessing, false},
		{models.OrderStatusPending, "LOST", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCancelRestoresStock(t *testing.T) {
	for _, method := range []string{models.PaymentMethodCOD, models.PaymentMethodOnline} {
		t.Run(method, func(t *testing.T) {
			f := newFixture(t)
			tee := f.variant("Tee", "300", 10)
			hat := f.variant("Cap", "150", 4)
			order := f.placeOrder(1, method, map[int64]int{tee: 3, hat: 1})
			require.Equal(t, 7, f.stock(tee))
			paymentStatus := order.PaymentStatus

			cancelled, err := f.states.Cancel(f.ctx, 1, order.ID)
			require.NoError(t, err)

			assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
			assert.Equal(t, paymentStatus, cancelled.PaymentStatus)
			assert.Equal(t, 10, f.stock(tee))
			assert.Equal(t, 4, f.stock(hat))

			_, err = f.states.Cancel(f.ctx, 1, order.ID)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			assert.Equal(t, 10, f.stock(tee), "second cancel must not restock again")

			assert.Equal(t, []string{models.EventTypeOrderPlaced, models.EventTypeOrderCancelled}, f.eventTypes())
		})
	}
}

func TestCancelPolicy(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodOnline, map[int64]int{vid: 2})

	_, err := f.states.Cancel(f.ctx, 2, order.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	_, err = f.states.Cancel(f.ctx, 1, 9999)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	f.settings.st.AllowOrderCancel = false
	_, err = f.states.Cancel(f.ctx, 1, order.ID)
	assert.ErrorIs(t, err, apperr.ErrCancellationDisabled)
	assert.Equal(t, 8, f.stock(vid))

	cancelled, err := f.states.AdminCancel(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(vid))
}

func TestCancelAfterPackingIsRejected(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodCOD, map[int64]int{vid: 2})

	_, err := f.states.Advance(f.ctx, order.ID, models.OrderStatusShipped)
	require.NoError(t, err)

	_, err = f.states.Cancel(f.ctx, 1, order.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Contains(t, apperr.Fields(err)["status"], "shipped")

	_, err = f.states.AdminCancel(f.ctx, order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 8, f.stock(vid))
}

func TestCancelSkipsDeletedVariants(t *testing.T) {
	f := newFixture(t)
	kept := f.variant("Tee", "300", 10)
	gone := f.variant("Cap", "150", 5)
	order := f.placeOrder(1, models.PaymentMethodOnline, map[int64]int{kept: 1, gone: 2})

	f.repo.DeleteVariant(gone)

	_, err := f.states.Cancel(f.ctx, 1, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(kept))
	_, exists := f.repo.Variant(gone)
	assert.False(t, exists)
}

func TestAdvance(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodOnline, map[int64]int{vid: 1})

	for _, next := range []string{"processing", models.OrderStatusPacked, models.OrderStatusOutForDelivery} {
		_, err := f.states.Advance(f.ctx, order.ID, next)
		require.NoError(t, err, next)
	}

	_, err := f.states.Advance(f.ctx, order.ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.states.Advance(f.ctx, order.ID, "TELEPORTED")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.states.Advance(f.ctx, 9999, models.OrderStatusDelivered)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	delivered, err := f.states.Advance(f.ctx, order.ID, models.OrderStatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)
	assert.Equal(t, models.PaymentStatusPending, delivered.PaymentStatus)

	types := f.eventTypes()
	assert.Equal(t, 4, countOf(types, models.EventTypeOrderStatusChanged))

	recs := f.repo.OutboxRecords()
	var last models.OrderStatusChangedEvent
	require.NoError(t, json.Unmarshal(recs[len(recs)-1].Payload, &last))
	assert.Equal(t, models.OrderStatusOutForDelivery, last.FromStatus)
	assert.Equal(t, models.OrderStatusDelivered, last.ToStatus)
}

func TestAdvanceToCancelledRestocks(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodOnline, map[int64]int{vid: 4})
	f.settings.st.AllowOrderCancel = false

	cancelled, err := f.states.Advance(f.ctx, order.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(vid))
}

func deliver(t *testing.T, f *fixture, orderID int64) {
	t.Helper()
	_, err := f.states.Advance(f.ctx, orderID, models.OrderStatusDelivered)
	require.NoError(t, err)
}

func TestRequestReturn(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodCOD, map[int64]int{vid: 1})

	_, err := f.states.RequestReturn(f.ctx, 1, order.ID, "too small")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	deliver(t, f, order.ID)

	_, err = f.states.RequestReturn(f.ctx, 1, order.ID, "  ")
	assert.ErrorIs(t, err, apperr.ErrReturnReasonRequired)

	_, err = f.states.RequestReturn(f.ctx, 2, order.ID, "not mine")
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	rr, err := f.states.RequestReturn(f.ctx, 1, order.ID, " too small ")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusRequested, rr.Status)
	assert.Equal(t, "too small", rr.Reason)

	_, err = f.states.RequestReturn(f.ctx, 1, order.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrReturnExists)

	detail, err := f.orders.GetOrder(f.ctx, 1, order.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Return)
	assert.Equal(t, rr.ID, detail.Return.ID)
	assert.Equal(t, 9, f.stock(vid), "returns do not restock on request")
}

func TestRequestReturnDisabled(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodCOD, map[int64]int{vid: 1})
	deliver(t, f, order.ID)

	f.settings.st.AllowOrderReturn = false
	_, err := f.states.RequestReturn(f.ctx, 1, order.ID, "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrReturnsDisabled)
}

func TestDecideReturn(t *testing.T) {
	f := newFixture(t)
	vid := f.variant("Tee", "300", 10)
	order := f.placeOrder(1, models.PaymentMethodCOD, map[int64]int{vid: 1})
	deliver(t, f, order.ID)

	rr, err := f.states.RequestReturn(f.ctx, 1, order.ID, "defective")
	require.NoError(t, err)

	_, err = f.states.DecideReturn(f.ctx, 9999, true, "")
	assert.ErrorIs(t, err, apperr.ErrReturnNotFound)

	decided, err := f.states.DecideReturn(f.ctx, rr.ID, true, "pickup scheduled")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusApproved, decided.Status)
	assert.Equal(t, "pickup scheduled", decided.AdminNote)

	_, err = f.states.DecideReturn(f.ctx, rr.ID, false, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	assert.Equal(t, []string{
		models.EventTypeOrderPlaced,
		models.EventTypeOrderStatusChanged,
		models.EventTypeReturnRequested,
		models.EventTypeReturnDecided,
	}, f.eventTypes())
}
