package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sign returns the hex HMAC-SHA256 of message under secret
func Sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckoutSignature is what the gateway returns to the client after a payment
func CheckoutSignature(secret, remoteOrderID, remotePaymentID string) string {
	return Sign(secret, []byte(remoteOrderID+"|"+remotePaymentID))
}

// VerifyCheckoutSignature checks a client callback signature in constant time
func VerifyCheckoutSignature(secret, remoteOrderID, remotePaymentID, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := CheckoutSignature(secret, remoteOrderID, remotePaymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWebhookSignature checks the X-Signature header over the raw body
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Webhook event names acted upon
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// WebhookEvent is the subset of the gateway's webhook body that reconciliation needs
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseWebhook decodes a webhook body
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RemoteOrderID is the gateway order the event refers to
func (e *WebhookEvent) RemoteOrderID() string { return e.Payload.Payment.Entity.OrderID }

// RemotePaymentID is the gateway payment the event refers to
func (e *WebhookEvent) RemotePaymentID() string { return e.Payload.Payment.Entity.ID }
