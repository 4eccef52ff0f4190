package notify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func placedEvent() *models.OrderPlacedEvent {
	d := decimal.RequireFromString
	variant := int64(3)
	return &models.OrderPlacedEvent{
		BaseEvent:      models.NewBaseEvent("evt-1", models.EventTypeOrderPlaced, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		OrderID:        1,
		OrderNumber:    "ODR12345678",
		UserID:         42,
		CustomerEmail:  "asha@example.com",
		ShipTo:         "Asha, 12 MG Road, Pune, Maharashtra 411001",
		PaymentMethod:  models.PaymentMethodOnline,
		PaymentStatus:  models.PaymentStatusPending,
		SubtotalAmount: d("500.00"),
		DiscountAmount: d("50.00"),
		ShippingAmount: d("50.00"),
		GSTPercentage:  d("18"),
		GSTAmount:      d("72.00"),
		TotalAmount:    d("572.00"),
		Items: []models.OrderItemData{{
			VariantID:   &variant,
			ProductName: "Cotton Kurta",
			Quantity:    2,
			UnitPrice:   d("250.00"),
			TotalPrice:  d("500.00"),
		}},
	}
}

func TestRenderInvoice(t *testing.T) {
	r := NewInvoiceRenderer("Acme Apparel", "")
	data, err := r.Render(placedEvent())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestSaveInvoice(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "invoices")
	r := NewInvoiceRenderer("Acme Apparel", dir)

	path, data, err := r.Save(placedEvent())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "invoice_ODR12345678.pdf"), path)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestSMTPMessageCarriesAttachment(t *testing.T) {
	m := NewSMTPMailer("localhost", 25, "", "", "orders@example.com")
	msg := OrderConfirmation(placedEvent(), []byte("%PDF-1.3 fake"))

	var buf bytes.Buffer
	_, err := m.build(msg).WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "From: orders@example.com")
	assert.Contains(t, raw, "To: asha@example.com")
	assert.Contains(t, raw, "Subject: Order Confirmation - ODR12345678")
	assert.Contains(t, raw, "Content-Disposition: attachment")
	assert.Contains(t, raw, "invoice_ODR12345678.pdf")
}

func TestSMTPMailerHonoursCancelledContext(t *testing.T) {
	m := NewSMTPMailer("localhost", 25, "", "", "orders@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{To: []string{"a@example.com"}}), context.Canceled)
}

func TestOrderConfirmationWithoutInvoice(t *testing.T) {
	msg := OrderConfirmation(placedEvent(), nil)
	assert.Empty(t, msg.Attachments)
	assert.Contains(t, msg.Body, "2 x Cotton Kurta  Rs. 500.00")
	assert.Contains(t, msg.Body, "Total: Rs. 572.00")
}

func TestNotifierOrderPlaced(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	mailer := &recordingMailer{}
	n := NewNotifier(NewInvoiceRenderer("Acme Apparel", t.TempDir()), mailer, "admin@example.com")

	require.NoError(t, n.OrderPlaced(context.Background(), placedEvent()))

	require.Len(t, mailer.sent, 2)
	assert.Equal(t, []string{"asha@example.com"}, mailer.sent[0].To)
	require.Len(t, mailer.sent[0].Attachments, 1)
	assert.True(t, bytes.HasPrefix(mailer.sent[0].Attachments[0].Data, []byte("%PDF-")))
	assert.Equal(t, []string{"admin@example.com"}, mailer.sent[1].To)
	assert.Equal(t, "New Order Received - ODR12345678", mailer.sent[1].Subject)
}

func TestNotifierSkipsMissingRecipients(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	mailer := &recordingMailer{}
	n := NewNotifier(NewInvoiceRenderer("Acme Apparel", ""), mailer, "")

	ev := placedEvent()
	ev.CustomerEmail = ""
	require.NoError(t, n.OrderPlaced(context.Background(), ev))
	require.NoError(t, n.OrderCancelled(context.Background(), &models.OrderCancelledEvent{OrderNumber: "ODR1"}))
	require.NoError(t, n.ReturnRequested(context.Background(), &models.ReturnEvent{OrderID: 1}))
	assert.Empty(t, mailer.sent)
}

func TestNotifierReportsSendFailures(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	boom := errors.New("relay down")
	n := NewNotifier(NewInvoiceRenderer("Acme Apparel", ""), &recordingMailer{err: boom}, "admin@example.com")

	err := n.OrderPlaced(context.Background(), placedEvent())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "order confirmation")
	assert.Contains(t, err.Error(), "admin alert")
}

func TestAdminAlerts(t *testing.T) {
	cancelled := AdminOrderCancelled("admin@example.com", &models.OrderCancelledEvent{
		OrderNumber: "ODR1",
		Items:       []models.OrderItemData{{Quantity: 2}, {Quantity: 1}},
	})
	assert.Equal(t, "Order Cancelled - ODR1", cancelled.Subject)
	assert.Contains(t, cancelled.Body, "3 unit(s) returned to stock")

	ret := AdminReturnRequested("admin@example.com", &models.ReturnEvent{OrderID: 7, UserID: 42, Reason: "wrong size"})
	assert.Equal(t, "Return Requested - order 7", ret.Subject)
	assert.Contains(t, ret.Body, "wrong size")
}
