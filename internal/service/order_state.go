package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// fulfillment is the forward-only progression; CANCELLED sits outside it
var fulfillment = []string{
	models.OrderStatusPending,
	models.OrderStatusProcessing,
	models.OrderStatusPacked,
	models.OrderStatusShipped,
	models.OrderStatusOutForDelivery,
	models.OrderStatusDelivered,
}

func fulfillmentRank(status string) int {
	for i, s := range fulfillment {
		if s == status {
			return i
		}
	}
	return -1
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to string) bool {
	if to == models.OrderStatusCancelled {
		return from == models.OrderStatusPending || from == models.OrderStatusProcessing
	}
	fromRank, toRank := fulfillmentRank(from), fulfillmentRank(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank > fromRank
}

// OrderStateMachine applies status changes and return requests to committed orders
type OrderStateMachine struct {
	repo     store.Repository
	ledger   *Ledger
	settings SettingsSource
	events   eventStager
	logger   *zap.Logger
}

// NewOrderStateMachine creates a new order state machine
func NewOrderStateMachine(repo store.Repository, ledger *Ledger, settings SettingsSource, topic string) *OrderStateMachine {
	return &OrderStateMachine{
		repo:     repo,
		ledger:   ledger,
		settings: settings,
		events:   eventStager{topic: topic, now: time.Now},
		logger:   util.GetLogger(),
	}
}

// Cancel cancels a user's own order and restores its stock
func (m *OrderStateMachine) Cancel(ctx context.Context, userID, orderID int64) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.Cancel", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	settings, err := m.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.AllowOrderCancel {
		return nil, apperr.ErrCancellationDisabled
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if locked.UserID != userID {
			return apperr.ErrOrderNotFound
		}
		order, err = m.cancelLocked(ctx, tx, locked)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.WithLabelValues("user").Inc()
	m.logger.Info("Order cancelled by user", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
	return order, nil
}

// AdminCancel cancels any order regardless of the cancellation policy flag
func (m *OrderStateMachine) AdminCancel(ctx context.Context, orderID int64) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.AdminCancel", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order, err = m.cancelLocked(ctx, tx, locked)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.WithLabelValues("admin").Inc()
	m.logger.Info("Order cancelled by admin", zap.Int64("order_id", orderID))
	return order, nil
}

// cancelLocked cancels an order whose row is already locked. Variants are
// locked in ascending id order before their stock is restored.
func (m *OrderStateMachine) cancelLocked(ctx context.Context, tx store.Tx, order *models.Order) (*models.Order, error) {
	if !CanTransition(order.Status, models.OrderStatusCancelled) {
		return nil, apperr.ErrInvalidTransition.Withf("Order cannot be cancelled once %s", humanStatus(order.Status))
	}

	items, err := tx.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	restock := make(map[int64]int)
	for _, item := range items {
		if item.VariantID != nil {
			restock[*item.VariantID] += item.Quantity
		}
	}
	variantIDs := make([]int64, 0, len(restock))
	for id := range restock {
		variantIDs = append(variantIDs, id)
	}
	sort.Slice(variantIDs, func(i, j int) bool { return variantIDs[i] < variantIDs[j] })

	if _, err := m.ledger.Lock(ctx, tx, variantIDs); err != nil {
		return nil, err
	}
	for _, id := range variantIDs {
		if err := m.ledger.Restore(ctx, tx, id, restock[id]); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	order.Status = models.OrderStatusCancelled

	base := m.events.base(models.EventTypeOrderCancelled)
	event := &models.OrderCancelledEvent{
		BaseEvent:   base,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       itemData(items),
	}
	if err := m.events.stage(ctx, tx, order.ID, base, event); err != nil {
		return nil, err
	}
	return order, nil
}

// Advance moves an order forward along the fulfillment path. Moving to
// CANCELLED is delegated to AdminCancel.
func (m *OrderStateMachine) Advance(ctx context.Context, orderID int64, next string) (order *models.Order, err error) {
	next = strings.ToUpper(strings.TrimSpace(next))
	if next == models.OrderStatusCancelled {
		return m.AdminCancel(ctx, orderID)
	}

	ctx, span := util.StartSpan(ctx, "OrderStateMachine.Advance",
		attribute.Int64("order_id", orderID), attribute.String("to", next))
	defer func() { util.EndSpan(span, err) }()

	if fulfillmentRank(next) < 0 {
		return nil, apperr.ErrInvalidTransition.Withf("Unknown order status %q", next)
	}

	var from string
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from = locked.Status
		if !CanTransition(from, next) {
			return apperr.ErrInvalidTransition.Withf("Order cannot move from %s to %s", humanStatus(from), humanStatus(next))
		}

		if err := tx.UpdateOrderStatus(ctx, orderID, next); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		locked.Status = next
		order = locked

		base := m.events.base(models.EventTypeOrderStatusChanged)
		return m.events.stage(ctx, tx, orderID, base, &models.OrderStatusChangedEvent{
			BaseEvent:  base,
			OrderID:    orderID,
			UserID:     locked.UserID,
			FromStatus: from,
			ToStatus:   next,
		})
	})
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(next).Inc()
	m.logger.Info("Order status advanced",
		zap.Int64("order_id", orderID),
		zap.String("from", from),
		zap.String("to", next))
	return order, nil
}

// RequestReturn opens a return request on a delivered order
func (m *OrderStateMachine) RequestReturn(ctx context.Context, userID, orderID int64, reason string) (rr *models.ReturnRequest, err error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.RequestReturn", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	settings, err := m.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.AllowOrderReturn {
		return nil, apperr.ErrReturnsDisabled
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.ErrReturnReasonRequired
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return apperr.ErrOrderNotFound
		}
		if order.Status != models.OrderStatusDelivered {
			return apperr.ErrInvalidTransition.Withf("Only delivered orders can be returned")
		}

		rr = &models.ReturnRequest{
			OrderID: orderID,
			UserID:  userID,
			Reason:  reason,
			Status:  models.ReturnStatusRequested,
		}
		created, err := tx.CreateReturnRequest(ctx, rr)
		if err != nil {
			return err
		}
		if !created {
			return apperr.ErrReturnExists
		}

		base := m.events.base(models.EventTypeReturnRequested)
		return m.events.stage(ctx, tx, orderID, base, &models.ReturnEvent{
			BaseEvent: base,
			ReturnID:  rr.ID,
			OrderID:   orderID,
			UserID:    userID,
			Status:    rr.Status,
			Reason:    reason,
		})
	})
	if err != nil {
		return nil, err
	}

	util.ReturnRequestsTotal.WithLabelValues(models.ReturnStatusRequested).Inc()
	m.logger.Info("Return requested", zap.Int64("order_id", orderID), zap.Int64("return_id", rr.ID))
	return rr, nil
}

// DecideReturn approves or rejects a pending return request
func (m *OrderStateMachine) DecideReturn(ctx context.Context, returnID int64, approve bool, note string) (rr *models.ReturnRequest, err error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.DecideReturn", attribute.Int64("return_id", returnID))
	defer func() { util.EndSpan(span, err) }()

	status := models.ReturnStatusRejected
	if approve {
		status = models.ReturnStatusApproved
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockReturnRequest(ctx, returnID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrReturnNotFound
		}
		if err != nil {
			return err
		}
		if locked.Status != models.ReturnStatusRequested {
			return apperr.ErrInvalidTransition.Withf("Return request is already %s", strings.ToLower(locked.Status))
		}

		if err := tx.UpdateReturnRequest(ctx, returnID, status, note); err != nil {
			return fmt.Errorf("failed to update return request: %w", err)
		}
		locked.Status = status
		locked.AdminNote = note
		rr = locked

		base := m.events.base(models.EventTypeReturnDecided)
		return m.events.stage(ctx, tx, locked.OrderID, base, &models.ReturnEvent{
			BaseEvent: base,
			ReturnID:  returnID,
			OrderID:   locked.OrderID,
			UserID:    locked.UserID,
			Status:    status,
		})
	})
	if err != nil {
		return nil, err
	}

	util.ReturnRequestsTotal.WithLabelValues(status).Inc()
	m.logger.Info("Return decided", zap.Int64("return_id", returnID), zap.String("status", status))
	return rr, nil
}

func lockOrder(ctx context.Context, tx store.Tx, orderID int64) (*models.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrOrderNotFound
	}
	return order, err
}

func humanStatus(status string) string {
	return strings.ToLower(strings.ReplaceAll(status, "_", " "))
}
