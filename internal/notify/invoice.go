// Package notify renders invoices and sends order notifications after checkout commits.
package notify

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"checkout-service/internal/models"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

// InvoiceRenderer draws an A4 invoice for a placed order
type InvoiceRenderer struct {
	company string
	dir     string
}

// NewInvoiceRenderer creates a renderer. dir may be empty when invoices are
// only attached to email and never written to disk.
func NewInvoiceRenderer(company, dir string) *InvoiceRenderer {
	return &InvoiceRenderer{company: company, dir: dir}
}

// InvoiceFilename is the attachment and on-disk name for an order's invoice
func InvoiceFilename(orderNumber string) string {
	return fmt.Sprintf("invoice_%s.pdf", orderNumber)
}

// Render returns the PDF bytes
func (r *InvoiceRenderer) Render(ev *models.OrderPlacedEvent) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Invoice "+ev.OrderNumber, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr(r.company))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 6, "Invoice for order "+ev.OrderNumber)
	pdf.Ln(6)
	pdf.Cell(0, 6, "Date: "+ev.Timestamp.Format("02 Jan 2006"))
	pdf.Ln(6)
	pdf.Cell(0, 6, "Payment: "+ev.PaymentMethod)
	pdf.Ln(6)
	if ev.ShipTo != "" {
		pdf.MultiCell(0, 6, tr("Ship to: "+ev.ShipTo), "", "L", false)
	}
	pdf.Ln(4)

	widths := []float64{90, 20, 35, 35}
	pdf.SetFont("Helvetica", "B", 11)
	for i, h := range []string{"Item", "Qty", "Unit price", "Total"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(widths[i], 8, h, "B", 0, align, false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 11)
	for _, it := range ev.Items {
		pdf.CellFormat(widths[0], 7, tr(it.ProductName), "", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", it.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 7, money(it.UnitPrice), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, money(it.TotalPrice), "", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(4)

	summary := []struct {
		label string
		value string
	}{
		{"Subtotal", money(ev.SubtotalAmount)},
		{"Discount", "-" + money(ev.DiscountAmount)},
		{"Shipping", money(ev.ShippingAmount)},
		{fmt.Sprintf("GST (%s%%)", ev.GSTPercentage.String()), money(ev.GSTAmount)},
	}
	for _, row := range summary {
		pdf.CellFormat(145, 7, row.label, "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, row.value, "", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(145, 9, "Total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(35, 9, money(ev.TotalAmount), "T", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render invoice %s: %w", ev.OrderNumber, err)
	}
	return buf.Bytes(), nil
}

// Save renders the invoice and writes it under the renderer's directory
func (r *InvoiceRenderer) Save(ev *models.OrderPlacedEvent) (string, []byte, error) {
	data, err := r.Render(ev)
	if err != nil {
		return "", nil, err
	}
	if r.dir == "" {
		return "", data, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create invoice dir: %w", err)
	}
	path := filepath.Join(r.dir, InvoiceFilename(ev.OrderNumber))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("failed to write invoice: %w", err)
	}
	return path, data, nil
}

func money(d decimal.Decimal) string {
	return "Rs. " + d.StringFixed(2)
}
