// Package payment adapts the remote payment gateway and verifies its signatures.
package payment

import (
	"context"
	"fmt"

	razorpay "github.com/razorpay/razorpay-go"
)

// Gateway creates remote payment objects sized in minor currency units
type Gateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error)
}

// Razorpay is the production Gateway
type Razorpay struct {
	client *razorpay.Client
}

var _ Gateway = (*Razorpay)(nil)

// NewRazorpay creates a gateway client from API credentials
func NewRazorpay(keyID, keySecret string) *Razorpay {
	return &Razorpay{client: razorpay.NewClient(keyID, keySecret)}
}

// CreateOrder creates a remote order and returns its id
func (r *Razorpay) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body, err := r.client.Order.Create(map[string]interface{}{
		"amount":          amountMinor,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("razorpay create order: %w", err)
	}

	id, _ := body["id"].(string)
	if id == "" {
		return "", fmt.Errorf("razorpay create order: response has no id")
	}
	return id, nil
}
