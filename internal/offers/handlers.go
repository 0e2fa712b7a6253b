package offers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/httperr"
	"github.com/mbd888/careline/internal/pagination"
	"github.com/mbd888/careline/internal/validation"
)

// Handler provides HTTP endpoints for service offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/service-requests/:id/offers", h.Create)
	r.GET("/service-requests/:id/offers", h.ListForRequest)
	r.GET("/service-offers/mine", h.ListMine)
	r.GET("/service-offers/:id", h.Get)
	r.POST("/service-offers/:id/accept", h.Accept)
	r.POST("/service-offers/:id/reject", h.Reject)
	r.POST("/service-offers/:id/withdraw", h.Withdraw)
	r.POST("/service/:id/complete", h.MarkComplete)
}

// Create handles POST /service-requests/:id/offers
func (h *Handler) Create(c *gin.Context) {
	requestID, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}

	offer, err := h.service.Create(c.Request.Context(), requestID, auth.UserID(c), in)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// ListForRequest handles GET /service-requests/:id/offers
func (h *Handler) ListForRequest(c *gin.Context) {
	requestID, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	offers, err := h.service.ListForRequest(c.Request.Context(), requestID, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

// ListMine handles GET /service-offers/mine
func (h *Handler) ListMine(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		httperr.BadRequest(c, err.Error())
		return
	}
	page, err := h.service.ListMine(c.Request.Context(), auth.UserID(c), cursor, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get handles GET /service-offers/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	offer, err := h.service.Get(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// Accept handles POST /service-offers/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	offer, req, err := h.service.Accept(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer, "serviceRequest": req})
}

// Reject handles POST /service-offers/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	offer, err := h.service.Reject(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// Withdraw handles POST /service-offers/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	offer, err := h.service.Withdraw(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

type completeBody struct {
	Notes string `json:"notes"`
}

// MarkComplete handles POST /service/:id/complete where :id is the offer.
func (h *Handler) MarkComplete(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	var body completeBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}

	result, err := h.service.MarkComplete(c.Request.Context(), id, auth.UserID(c), body.Notes)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
