package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/pricing"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Webhook outcomes reported back to the gateway
const (
	WebhookOK      = "ok"
	WebhookIgnored = "ignored"
)

// Locker is a short-lived cross-instance mutex
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// PaymentConfig holds gateway credentials and the intent lock lifetime
type PaymentConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	LockTTL       time.Duration
}

// PaymentService reconciles an order's payment status with the gateway
type PaymentService struct {
	repo    store.Repository
	gateway payment.Gateway
	locker  Locker
	cfg     PaymentConfig
	events  eventStager
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service. locker may be nil.
func NewPaymentService(repo store.Repository, gateway payment.Gateway, locker Locker, cfg PaymentConfig, topic string) *PaymentService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Second
	}
	return &PaymentService{
		repo:    repo,
		gateway: gateway,
		locker:  locker,
		cfg:     cfg,
		events:  eventStager{topic: topic, now: time.Now},
		logger:  util.GetLogger(),
	}
}

// Intent is what the client needs to open the gateway checkout
type Intent struct {
	OrderID       int64  `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	RemoteOrderID string `json:"remote_order_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	KeyID         string `json:"key_id"`
}

// VerifyRequest is the client callback after a gateway checkout
type VerifyRequest struct {
	OrderID         int64  `json:"order_id"`
	RemoteOrderID   string `json:"remote_order_id"`
	RemotePaymentID string `json:"remote_payment_id"`
	Signature       string `json:"signature"`
}

// CreateIntent creates the remote payment object for an online order.
// The remote id is stored last, so a gateway failure leaves the order untouched.
func (ps *PaymentService) CreateIntent(ctx context.Context, userID, orderID int64) (intent *Intent, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateIntent", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	order, err := ps.payableOrder(ctx, userID, orderID)
	if err != nil {
		util.PaymentIntentsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if order.RemoteOrderID != nil {
		util.PaymentIntentsTotal.WithLabelValues("reused").Inc()
		return ps.intentFor(order, *order.RemoteOrderID), nil
	}

	if ps.locker != nil {
		lockKey := fmt.Sprintf("payment-intent:%d", orderID)
		token, ok, err := ps.locker.AcquireLock(ctx, lockKey, ps.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire payment intent lock: %w", err)
		}
		if !ok {
			util.PaymentIntentsTotal.WithLabelValues("in_flight").Inc()
			return nil, apperr.ErrPaymentIntentInFlight
		}
		defer func() {
			if err := ps.locker.ReleaseLock(context.Background(), lockKey, token); err != nil {
				ps.logger.Warn("Failed to release payment intent lock", zap.Int64("order_id", orderID), zap.Error(err))
			}
		}()

		// another request may have finished while we waited for the lock
		if order, err = ps.payableOrder(ctx, userID, orderID); err != nil {
			return nil, err
		}
		if order.RemoteOrderID != nil {
			util.PaymentIntentsTotal.WithLabelValues("reused").Inc()
			return ps.intentFor(order, *order.RemoteOrderID), nil
		}
	}

	amount := pricing.ToMinorUnits(order.TotalAmount)
	start := time.Now()
	remoteID, err := ps.gateway.CreateOrder(ctx, amount, ps.cfg.Currency, order.OrderNumber)
	util.PaymentGatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.PaymentIntentsTotal.WithLabelValues("gateway_error").Inc()
		ps.logger.Error("Payment gateway create order failed",
			zap.Int64("order_id", orderID),
			zap.Int64("amount", amount),
			zap.Error(err))
		return nil, apperr.ErrGatewayUnavailable.Wrap(err)
	}

	err = ps.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus == models.PaymentStatusPaid {
			return apperr.ErrPaymentNotAllowed.Withf("Order is already paid")
		}
		if err := tx.SetRemoteOrderID(ctx, orderID, remoteID); err != nil {
			return fmt.Errorf("failed to store remote order id: %w", err)
		}
		locked.RemoteOrderID = &remoteID
		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentIntentsTotal.WithLabelValues("created").Inc()
	ps.logger.Info("Payment intent created",
		zap.Int64("order_id", orderID),
		zap.String("remote_order_id", remoteID),
		zap.Int64("amount", amount))
	return ps.intentFor(order, remoteID), nil
}

func (ps *PaymentService) payableOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := ps.repo.GetOrderForUser(ctx, userID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case order.PaymentMethod == models.PaymentMethodCOD:
		return nil, apperr.ErrPaymentNotAllowed.Withf("Cash on delivery orders are not paid online")
	case order.PaymentStatus == models.PaymentStatusPaid:
		return nil, apperr.ErrPaymentNotAllowed.Withf("Order is already paid")
	case order.Status == models.OrderStatusCancelled:
		return nil, apperr.ErrPaymentNotAllowed.Withf("Order is cancelled")
	}
	return order, nil
}

func (ps *PaymentService) intentFor(order *models.Order, remoteID string) *Intent {
	return &Intent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RemoteOrderID: remoteID,
		Amount:        pricing.ToMinorUnits(order.TotalAmount),
		Currency:      ps.cfg.Currency,
		KeyID:         ps.cfg.KeyID,
	}
}

// Verify checks the client callback signature and marks the order paid.
// A repeated call on a paid order succeeds without side effects. A bad
// signature marks the payment FAILED, unless the order is already paid.
func (ps *PaymentService) Verify(ctx context.Context, userID int64, req VerifyRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Verify", attribute.Int64("order_id", req.OrderID))
	defer func() { util.EndSpan(span, err) }()

	var rejected error
	err = ps.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if locked.UserID != userID {
			return apperr.ErrOrderNotFound
		}
		if locked.PaymentMethod == models.PaymentMethodCOD {
			return apperr.ErrPaymentNotAllowed.Withf("Cash on delivery orders are not paid online")
		}
		if locked.RemoteOrderID == nil || *locked.RemoteOrderID != req.RemoteOrderID {
			return apperr.ErrRemoteOrderMismatch
		}
		order = locked

		valid := payment.VerifyCheckoutSignature(ps.cfg.KeySecret, req.RemoteOrderID, req.RemotePaymentID, req.Signature)

		if locked.PaymentStatus == models.PaymentStatusPaid {
			if !valid {
				return apperr.ErrSignatureMismatch
			}
			return nil
		}

		if !valid {
			// committed before the rejection is reported
			rejected = apperr.ErrSignatureMismatch
			if locked.PaymentStatus == models.PaymentStatusFailed {
				return nil
			}
			return ps.setPaymentStatus(ctx, tx, locked, models.PaymentStatusFailed, req.RemotePaymentID, "verify")
		}
		return ps.setPaymentStatus(ctx, tx, locked, models.PaymentStatusPaid, req.RemotePaymentID, "verify")
	})
	if err != nil {
		util.PaymentVerificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if rejected != nil {
		util.PaymentVerificationsTotal.WithLabelValues("signature_mismatch").Inc()
		ps.logger.Warn("Payment signature mismatch", zap.Int64("order_id", req.OrderID))
		return nil, rejected
	}

	util.PaymentVerificationsTotal.WithLabelValues("paid").Inc()
	ps.logger.Info("Payment verified",
		zap.Int64("order_id", req.OrderID),
		zap.String("remote_payment_id", req.RemotePaymentID))
	return order, nil
}

// HandleWebhook reconciles an asynchronous gateway event. Unknown orders,
// COD orders and repeated events are acknowledged as ignored.
func (ps *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (result string, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer func() { util.EndSpan(span, err) }()

	if !payment.VerifyWebhookSignature(ps.cfg.WebhookSecret, body, signature) {
		util.WebhookEventsTotal.WithLabelValues("unknown", "signature_mismatch").Inc()
		return "", apperr.ErrSignatureMismatch
	}

	ev, err := payment.ParseWebhook(body)
	if err != nil {
		ps.logger.Warn("Unparseable payment webhook", zap.Error(err))
		util.WebhookEventsTotal.WithLabelValues("unknown", WebhookIgnored).Inc()
		return WebhookIgnored, nil
	}

	var target string
	switch ev.Event {
	case payment.EventPaymentCaptured:
		target = models.PaymentStatusPaid
	case payment.EventPaymentFailed:
		target = models.PaymentStatusFailed
	default:
		util.WebhookEventsTotal.WithLabelValues(ev.Event, WebhookIgnored).Inc()
		return WebhookIgnored, nil
	}

	remoteOrderID := ev.RemoteOrderID()
	if remoteOrderID == "" {
		util.WebhookEventsTotal.WithLabelValues(ev.Event, WebhookIgnored).Inc()
		return WebhookIgnored, nil
	}

	result = WebhookIgnored
	err = ps.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrderByRemoteID(ctx, remoteOrderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case order.PaymentMethod == models.PaymentMethodCOD:
			return nil
		case order.PaymentStatus == target:
			return nil
		case order.PaymentStatus == models.PaymentStatusPaid:
			// a late failure never downgrades a captured payment
			return nil
		}

		result = WebhookOK
		return ps.setPaymentStatus(ctx, tx, order, target, ev.RemotePaymentID(), "webhook")
	})
	if err != nil {
		return "", err
	}

	util.WebhookEventsTotal.WithLabelValues(ev.Event, result).Inc()
	ps.logger.Info("Payment webhook handled",
		zap.String("event", ev.Event),
		zap.String("remote_order_id", remoteOrderID),
		zap.String("result", result))
	return result, nil
}

func (ps *PaymentService) setPaymentStatus(ctx context.Context, tx store.Tx, order *models.Order, status, remotePaymentID, source string) error {
	var paymentID *string
	if remotePaymentID != "" {
		paymentID = &remotePaymentID
	}
	if err := tx.UpdatePaymentStatus(ctx, order.ID, status, paymentID); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	order.PaymentStatus = status
	if paymentID != nil {
		order.RemotePaymentID = paymentID
	}

	eventType := models.EventTypePaymentCaptured
	if status == models.PaymentStatusFailed {
		eventType = models.EventTypePaymentFailed
	}
	base := ps.events.base(eventType)
	remoteOrderID := ""
	if order.RemoteOrderID != nil {
		remoteOrderID = *order.RemoteOrderID
	}
	return ps.events.stage(ctx, tx, order.ID, base, &models.PaymentEvent{
		BaseEvent:       base,
		OrderID:         order.ID,
		RemoteOrderID:   remoteOrderID,
		RemotePaymentID: remotePaymentID,
		Source:          source,
	})
}
