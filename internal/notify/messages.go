package notify

import (
	"fmt"
	"strings"

	"checkout-service/internal/models"
)

// OrderConfirmation is the customer's receipt with the invoice attached
func OrderConfirmation(ev *models.OrderPlacedEvent, invoice []byte) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order %s.\n\n", ev.OrderNumber)
	for _, it := range ev.Items {
		fmt.Fprintf(&b, "  %d x %s  %s\n", it.Quantity, it.ProductName, money(it.TotalPrice))
	}
	fmt.Fprintf(&b, "\nTotal: %s\nPayment: %s\n", money(ev.TotalAmount), ev.PaymentMethod)
	if ev.ShipTo != "" {
		fmt.Fprintf(&b, "Shipping to: %s\n", ev.ShipTo)
	}

	msg := Message{
		To:      []string{ev.CustomerEmail},
		Subject: fmt.Sprintf("Order Confirmation - %s", ev.OrderNumber),
		Body:    b.String(),
	}
	if len(invoice) > 0 {
		msg.Attachments = []Attachment{{Name: InvoiceFilename(ev.OrderNumber), Data: invoice}}
	}
	return msg
}

// AdminNewOrder alerts the store admin about a placed order
func AdminNewOrder(admin string, ev *models.OrderPlacedEvent) Message {
	return Message{
		To:      []string{admin},
		Subject: fmt.Sprintf("New Order Received - %s", ev.OrderNumber),
		Body: fmt.Sprintf("Order %s was placed by user %d.\nItems: %d\nTotal: %s\nPayment: %s (%s)\n",
			ev.OrderNumber, ev.UserID, len(ev.Items), money(ev.TotalAmount), ev.PaymentMethod, ev.PaymentStatus),
	}
}

// AdminOrderCancelled alerts the store admin that stock was returned by a cancellation
func AdminOrderCancelled(admin string, ev *models.OrderCancelledEvent) Message {
	units := 0
	for _, it := range ev.Items {
		units += it.Quantity
	}
	return Message{
		To:      []string{admin},
		Subject: fmt.Sprintf("Order Cancelled - %s", ev.OrderNumber),
		Body:    fmt.Sprintf("Order %s was cancelled. %d unit(s) returned to stock.\n", ev.OrderNumber, units),
	}
}

// AdminReturnRequested asks the store admin to review a return
func AdminReturnRequested(admin string, ev *models.ReturnEvent) Message {
	return Message{
		To:      []string{admin},
		Subject: fmt.Sprintf("Return Requested - order %d", ev.OrderID),
		Body:    fmt.Sprintf("User %d requested a return for order %d.\nReason: %s\n", ev.UserID, ev.OrderID, ev.Reason),
	}
}
