package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/httperr"
)

// SignatureHeader carries the processor's HMAC signature.
const SignatureHeader = "Stripe-Signature"

// Handler exposes the processor webhook endpoint.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up the unauthenticated webhook route. The signature
// header is the only credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payment/webhook", h.Receive)
}

// Receive handles POST /payment/webhook
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httperr.BadRequest(c, "Unable to read request body")
		return
	}

	if err := h.reconciler.HandleEvent(c.Request.Context(), body, c.GetHeader(SignatureHeader)); err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
