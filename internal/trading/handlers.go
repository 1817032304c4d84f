package trading

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/pkg/response"
)

// GinHandlers exposes the coordinator over HTTP
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// Register mounts the order routes on an authenticated group
func (h *GinHandlers) Register(rg *gin.RouterGroup) {
	rg.POST("/orders", h.PlaceOrderHandler())
	rg.POST("/orders/preview", h.PreviewOrderHandler())
	rg.POST("/orders/cancel", h.CancelOrdersHandler())
	rg.GET("/orders/open", h.OpenOrdersHandler())
	rg.GET("/orders/:order_id", h.OrderStatusHandler())
	rg.DELETE("/orders/:order_id", h.CancelOrderHandler())
	rg.GET("/orders/:order_id/audit", h.AuditTrailHandler())
}

func caller(c *gin.Context) (string, bool) {
	clientID := c.GetString("clientID")
	if clientID == "" {
		response.Unauthorized(c, "Invalid client ID in token")
		return "", false
	}
	return clientID, true
}

func bindOrder(c *gin.Context) (types.OrderRequest, bool) {
	var req types.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return req, false
	}
	// the header wins over a key in the body
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	return req, true
}

// PlaceOrderHandler handles POST /orders. Identical requests inside one id
// bucket, or sharing an Idempotency-Key, return the first outcome.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := caller(c)
		if !ok {
			return
		}
		req, ok := bindOrder(c)
		if !ok {
			return
		}

		outcome, err := h.service.PlaceOrder(c.Request.Context(), clientID, req)
		response.Handle(c, outcome, err)
	}
}

// PreviewOrderHandler handles POST /orders/preview
func (h *GinHandlers) PreviewOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOrder(c)
		if !ok {
			return
		}
		preview, err := h.service.PreviewOrder(c.Request.Context(), req)
		response.Handle(c, preview, err)
	}
}

// CancelOrdersHandler handles POST /orders/cancel
func (h *GinHandlers) CancelOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := caller(c)
		if !ok {
			return
		}
		var req CancelOrdersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		outcomes, err := h.service.CancelOrders(c.Request.Context(), clientID, req.OrderIDs)
		response.Handle(c, outcomes, err)
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := caller(c)
		if !ok {
			return
		}
		outcomes, err := h.service.CancelOrders(c.Request.Context(), clientID, []string{c.Param("order_id")})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if outcomes[0].Status == types.CancelNotFound {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, outcomes[0])
	}
}

// OrderStatusHandler handles GET /orders/:order_id
func (h *GinHandlers) OrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.service.GetOrderStatus(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, snap, err)
	}
}

// OpenOrdersHandler handles GET /orders/open
func (h *GinHandlers) OpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		open, err := h.service.GetOpenOrders(c.Request.Context())
		response.Handle(c, open, err)
	}
}

// AuditTrailHandler handles GET /orders/:order_id/audit
func (h *GinHandlers) AuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := h.service.AuditTrail(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, events, err)
	}
}
