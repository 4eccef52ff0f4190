// Package apperr defines the user-facing error taxonomy shared by services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindPaymentVerification
	KindConflict
	KindGateway
)

// Error is a classified failure carrying a field-attributable message.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels survive Withf and Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Withf returns a copy with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

var (
	ErrInvalidAddress         = &Error{Kind: KindValidation, Code: "invalid_address", Field: "delivery_address", Message: "Invalid delivery address"}
	ErrEmptyCart              = &Error{Kind: KindValidation, Code: "empty_cart", Field: "cart", Message: "Your cart is empty"}
	ErrInsufficientStock      = &Error{Kind: KindValidation, Code: "insufficient_stock", Field: "cart", Message: "Not enough stock"}
	ErrProductUnavailable     = &Error{Kind: KindValidation, Code: "product_unavailable", Field: "cart", Message: "Product is no longer available"}
	ErrInvalidQuantity        = &Error{Kind: KindValidation, Code: "invalid_quantity", Field: "cart", Message: "Quantity must be at least 1"}
	ErrInvalidCoupon          = &Error{Kind: KindValidation, Code: "invalid_coupon", Field: "coupon_code", Message: "Invalid coupon code"}
	ErrCouponInactive         = &Error{Kind: KindValidation, Code: "coupon_inactive", Field: "coupon_code", Message: "Coupon is not active"}
	ErrCouponExpired          = &Error{Kind: KindValidation, Code: "coupon_expired", Field: "coupon_code", Message: "Coupon expired"}
	ErrUsageLimitExceeded     = &Error{Kind: KindValidation, Code: "usage_limit_exceeded", Field: "coupon_code", Message: "Coupon usage limit exceeded"}
	ErrMinimumPurchaseNotMet  = &Error{Kind: KindValidation, Code: "minimum_purchase_not_met", Field: "coupon_code", Message: "Minimum purchase not met"}
	ErrInvalidAmount          = &Error{Kind: KindValidation, Code: "invalid_amount", Field: "amount", Message: "Amount must not be negative"}
	ErrCodDisabled            = &Error{Kind: KindValidation, Code: "cod_disabled", Field: "payment_method", Message: "Cash on delivery is not available"}
	ErrInvalidPaymentMethod   = &Error{Kind: KindValidation, Code: "invalid_payment_method", Field: "payment_method", Message: "Payment method must be COD or ONLINE"}
	ErrReturnReasonRequired   = &Error{Kind: KindValidation, Code: "return_reason_required", Field: "reason", Message: "Reason is required"}
	ErrInvalidSetting         = &Error{Kind: KindValidation, Code: "invalid_setting", Field: "settings", Message: "Invalid setting"}
	ErrPaymentNotAllowed      = &Error{Kind: KindValidation, Code: "payment_not_allowed", Field: "order_id", Message: "Order does not accept online payment"}
	ErrOrderNotFound          = &Error{Kind: KindNotFound, Code: "order_not_found", Field: "order_id", Message: "Order not found"}
	ErrAddressNotFound        = &Error{Kind: KindNotFound, Code: "address_not_found", Field: "address_id", Message: "Address not found"}
	ErrReturnNotFound         = &Error{Kind: KindNotFound, Code: "return_not_found", Field: "return_id", Message: "Return request not found"}
	ErrCancellationDisabled   = &Error{Kind: KindForbidden, Code: "cancellation_disabled", Field: "order_id", Message: "Order cancellation is disabled"}
	ErrReturnsDisabled        = &Error{Kind: KindForbidden, Code: "returns_disabled", Field: "order_id", Message: "Order returns are disabled"}
	ErrInvalidTransition      = &Error{Kind: KindConflict, Code: "invalid_transition", Field: "status", Message: "Order cannot move to the requested status"}
	ErrReturnExists           = &Error{Kind: KindConflict, Code: "return_exists", Field: "order_id", Message: "Return already requested"}
	ErrSignatureMismatch      = &Error{Kind: KindPaymentVerification, Code: "signature_mismatch", Field: "signature", Message: "Payment verification failed"}
	ErrRemoteOrderMismatch    = &Error{Kind: KindPaymentVerification, Code: "remote_order_mismatch", Field: "remote_order_id", Message: "Payment verification failed"}
	ErrGatewayUnavailable     = &Error{Kind: KindGateway, Code: "gateway_unavailable", Field: "payment", Message: "Payment gateway unavailable, please retry"}
	ErrPaymentIntentInFlight  = &Error{Kind: KindConflict, Code: "payment_intent_in_flight", Field: "order_id", Message: "Payment is already being initiated"}
)

// As extracts the *Error from a chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error to its response status. Unclassified errors are 500.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindPaymentVerification:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Fields renders the field-keyed error map. Internal errors never expose their text.
func Fields(err error) map[string]string {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return map[string]string{"non_field_errors": "Something went wrong, please try again"}
	}
	field := e.Field
	if field == "" {
		field = "non_field_errors"
	}
	return map[string]string{field: e.Message}
}
