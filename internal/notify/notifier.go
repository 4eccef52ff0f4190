package notify

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Notifier turns committed order events into invoices and emails. Each step is
// attempted even when an earlier one fails; the joined error is returned.
type Notifier struct {
	invoices   *InvoiceRenderer
	mailer     Mailer
	adminEmail string
	logger     *zap.Logger
}

// NewNotifier creates a notifier. An empty adminEmail disables admin alerts.
func NewNotifier(invoices *InvoiceRenderer, mailer Mailer, adminEmail string) *Notifier {
	return &Notifier{
		invoices:   invoices,
		mailer:     mailer,
		adminEmail: adminEmail,
		logger:     util.GetLogger(),
	}
}

// OrderPlaced renders the invoice, mails it to the customer and alerts the admin
func (n *Notifier) OrderPlaced(ctx context.Context, ev *models.OrderPlacedEvent) error {
	var errs []error

	path, invoice, err := n.invoices.Save(ev)
	if err != nil {
		errs = append(errs, err)
	} else if path != "" {
		n.logger.Info("Invoice written", zap.String("order_number", ev.OrderNumber), zap.String("path", path))
	}

	if ev.CustomerEmail != "" {
		if err := n.mailer.Send(ctx, OrderConfirmation(ev, invoice)); err != nil {
			errs = append(errs, fmt.Errorf("order confirmation: %w", err))
		}
	}

	if n.adminEmail != "" {
		if err := n.mailer.Send(ctx, AdminNewOrder(n.adminEmail, ev)); err != nil {
			errs = append(errs, fmt.Errorf("admin alert: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OrderCancelled alerts the admin
func (n *Notifier) OrderCancelled(ctx context.Context, ev *models.OrderCancelledEvent) error {
	if n.adminEmail == "" {
		return nil
	}
	return n.mailer.Send(ctx, AdminOrderCancelled(n.adminEmail, ev))
}

// ReturnRequested alerts the admin
func (n *Notifier) ReturnRequested(ctx context.Context, ev *models.ReturnEvent) error {
	if n.adminEmail == "" {
		return nil
	}
	return n.mailer.Send(ctx, AdminReturnRequested(n.adminEmail, ev))
}
