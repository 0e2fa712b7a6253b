package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/httperr"
	"github.com/mbd888/careline/internal/validation"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new payment handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payment/create-intent", h.CreateIntent)
	r.GET("/payment/:id", h.GetPayment)
}

type createIntentBody struct {
	ServiceOfferID int64 `json:"serviceOfferId"`
}

// CreateIntent handles POST /payment/create-intent
func (h *Handler) CreateIntent(c *gin.Context) {
	var body createIntentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if body.ServiceOfferID <= 0 {
		httperr.BadRequest(c, "serviceOfferId is required")
		return
	}

	intent, err := h.coordinator.AuthorizePayment(c.Request.Context(), body.ServiceOfferID, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// GetPayment handles GET /payment/:id
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	p, err := h.coordinator.GetPayment(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}
