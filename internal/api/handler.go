package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 1 << 20

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	states   *service.OrderStateMachine
	payments *service.PaymentService
	settings *service.SettingsProvider
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	states *service.OrderStateMachine,
	payments *service.PaymentService,
	settings *service.SettingsProvider,
) *Handler {
	return &Handler{
		orders:   orders,
		states:   states,
		payments: payments,
		settings: settings,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(tracingMiddleware())
	router.Use(loggingMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	// signed by the gateway, not called by a user
	v1.POST("/payments/webhook", h.paymentWebhook)

	user := v1.Group("", principalMiddleware())
	{
		user.POST("/checkout", h.checkout)
		user.POST("/coupons/apply", h.applyCoupon)
		user.GET("/orders", h.listOrders)
		user.GET("/orders/:id", h.getOrder)
		user.POST("/orders/:id/cancel", h.cancelOrder)
		user.POST("/orders/:id/return", h.requestReturn)
		user.POST("/payments/intent", h.createPaymentIntent)
		user.POST("/payments/verify", h.verifyPayment)
	}

	admin := v1.Group("/admin", principalMiddleware(), adminMiddleware())
	{
		admin.PUT("/orders/:id/status", h.updateOrderStatus)
		admin.PUT("/returns/:id", h.decideReturn)
		admin.GET("/settings", h.getSettings)
		admin.PUT("/settings", h.updateSettings)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once site settings can be read
func (h *Handler) readinessCheck(c *gin.Context) {
	if _, err := h.settings.Get(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError writes the field-keyed error body with the mapped status
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(apperr.HTTPStatus(err), gin.H{"errors": apperr.Fields(err)})
}

func badRequest(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{field: message}})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id", "Invalid id")
		return 0, false
	}
	return id, true
}

// checkout places the caller's cart as an order
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "non_field_errors", "Invalid request body")
		return
	}

	p := principal(c)
	req.UserID = p.UserID
	req.CustomerEmail = p.Email
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	result, err := h.orders.Checkout(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, newCheckoutResponse(result))
}

// checkoutResponse is the flat 201 body. Amounts are fixed to two places.
type checkoutResponse struct {
	OrderID       int64              `json:"order_id"`
	OrderNumber   string             `json:"order_number"`
	Subtotal      string             `json:"subtotal"`
	Discount      string             `json:"discount"`
	Shipping      string             `json:"shipping"`
	GSTAmount     string             `json:"gst_amount"`
	TotalAmount   string             `json:"total_amount"`
	PaymentStatus string             `json:"payment_status"`
	PaymentMethod string             `json:"payment_method"`
	Status        string             `json:"status"`
	Items         []models.OrderItem `json:"items"`
}

func newCheckoutResponse(result *service.CheckoutResult) checkoutResponse {
	o := result.Order
	return checkoutResponse{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Subtotal:      o.SubtotalAmount.StringFixed(2),
		Discount:      o.DiscountAmount.StringFixed(2),
		Shipping:      o.ShippingAmount.StringFixed(2),
		GSTAmount:     o.GSTAmount.StringFixed(2),
		TotalAmount:   o.TotalAmount.StringFixed(2),
		PaymentStatus: o.PaymentStatus,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
		Items:         result.Items,
	}
}

type couponApplyRequest struct {
	Code   string           `json:"code" binding:"required"`
	Amount *decimal.Decimal `json:"amount" binding:"required"`
}

// applyCoupon previews a coupon against an amount. It never consumes a use.
func (h *Handler) applyCoupon(c *gin.Context) {
	var req couponApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "non_field_errors", "code and amount are required")
		return
	}

	quote, err := h.orders.QuoteCoupon(c.Request.Context(), req.Code, *req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "Coupon applied successfully",
		"coupon":       quote.Code,
		"discount":     quote.Discount.StringFixed(2),
		"final_amount": quote.FinalAmount.StringFixed(2),
	})
}

// listOrders lists the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	detail, err := h.orders.GetOrder(c.Request.Context(), principal(c).UserID, orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.states.Cancel(c.Request.Context(), principal(c).UserID, orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type returnRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) requestReturn(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "non_field_errors", "Invalid request body")
		return
	}

	rr, err := h.states.RequestReturn(c.Request.Context(), principal(c).UserID, orderID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"return_request": rr})
}

type intentRequest struct {
	OrderID int64 `json:"order_id"`
}

func (h *Handler) createPaymentIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderID <= 0 {
		badRequest(c, "order_id", "order_id is required")
		return
	}

	intent, err := h.payments.CreateIntent(c.Request.Context(), principal(c).UserID, req.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderID <= 0 {
		badRequest(c, "order_id", "order_id is required")
		return
	}

	order, err := h.payments.Verify(c.Request.Context(), principal(c).UserID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// paymentWebhook verifies the signature over the raw body before parsing it
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"errors": gin.H{"non_field_errors": "Payload too large"}})
			return
		}
		badRequest(c, "non_field_errors", "Invalid request body")
		return
	}

	result, err := h.payments.HandleWebhook(c.Request.Context(), body, c.GetHeader("X-Signature"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": result})
}

type statusUpdate struct {
	Status string `json:"status" binding:"required"`
}

// updateOrderStatus moves an order along fulfillment, or cancels it
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req statusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status", "status is required")
		return
	}

	order, err := h.states.Advance(c.Request.Context(), orderID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type returnDecision struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

func (h *Handler) decideReturn(c *gin.Context) {
	returnID, ok := pathID(c)
	if !ok {
		return
	}

	var req returnDecision
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "approve", "approve is required")
		return
	}

	rr, err := h.states.DecideReturn(c.Request.Context(), returnID, *req.Approve, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"return_request": rr})
}

func (h *Handler) getSettings(c *gin.Context) {
	st, err := h.settings.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) updateSettings(c *gin.Context) {
	var patch service.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "non_field_errors", "Invalid request body")
		return
	}

	st, err := h.settings.Update(c.Request.Context(), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
