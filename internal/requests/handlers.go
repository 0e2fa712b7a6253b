package requests

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/httperr"
	"github.com/mbd888/careline/internal/pagination"
	"github.com/mbd888/careline/internal/validation"
)

// Handler provides HTTP endpoints for service requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/categories", h.ListCategories)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/service-requests", h.Create)
	r.GET("/service-requests", h.ListOpen)
	r.GET("/service-requests/mine", h.ListMine)
	r.GET("/service-requests/:id", h.Get)
	r.DELETE("/service-requests/:id", h.Cancel)
}

// Create handles POST /service-requests
func (h *Handler) Create(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}

	req, err := h.service.Create(c.Request.Context(), auth.UserID(c), in)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceRequest": req})
}

// Cancel handles DELETE /service-requests/:id
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	req, err := h.service.Cancel(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceRequest": req})
}

// Get handles GET /service-requests/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	req, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceRequest": req})
}

// ListOpen handles GET /service-requests?category=&cursor=&limit=
func (h *Handler) ListOpen(c *gin.Context) {
	var category domain.Category
	if q := c.Query("category"); q != "" {
		parsed, err := domain.ParseCategory(q)
		if err != nil {
			httperr.Write(c, err)
			return
		}
		category = parsed
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		httperr.BadRequest(c, err.Error())
		return
	}

	page, err := h.service.ListOpen(c.Request.Context(), category, cursor, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListMine handles GET /service-requests/mine
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

// ListCategories handles GET /categories
func (h *Handler) ListCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": domain.Categories()})
}
