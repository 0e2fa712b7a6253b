package notifications

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/httperr"
	"github.com/mbd888/careline/internal/pagination"
	"github.com/mbd888/careline/internal/validation"
)

// Handler provides HTTP endpoints for the notification inbox.
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required notification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /notifications?unread=true&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		httperr.BadRequest(c, err.Error())
		return
	}

	page, err := h.service.List(c.Request.Context(), auth.UserID(c),
		c.Query("unread") == "true", cursor, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// MarkRead handles POST /notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := validation.IDParam(c, "id")
	if !ok {
		return
	}
	n, err := h.service.MarkRead(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}
