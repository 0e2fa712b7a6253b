package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/httperr"
	"github.com/mbd888/careline/internal/idgen"
	"github.com/mbd888/careline/internal/processor"
)

type settleRequest struct {
	Outcome string `json:"outcome"` // "succeeded" (default) or "failed"
	Reason  string `json:"reason"`
}

// settleSandboxPayment handles POST /sandbox/payments/:reference/settle.
// It settles a sandbox authorization and delivers the matching signed event
// through the normal webhook path, standing in for the processor in
// development.
func (s *Server) settleSandboxPayment(c *gin.Context) {
	ref := c.Param("reference")

	var req settleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httperr.BadRequest(c, "Invalid request body")
			return
		}
	}

	kind, eventType := processor.EventSucceeded, "payment_intent.succeeded"
	switch req.Outcome {
	case "", "succeeded":
	case "failed":
		kind, eventType = processor.EventFailed, "payment_intent.payment_failed"
		if req.Reason == "" {
			req.Reason = "Your card was declined."
		}
	default:
		httperr.BadRequest(c, "outcome must be succeeded or failed")
		return
	}

	switch err := s.sandbox.Settle(ref, kind, req.Reason); {
	case errors.Is(err, processor.ErrUnknownReference):
		httperr.Write(c, fmt.Errorf("%w: sandbox payment %s", domain.ErrNotFound, ref))
		return
	case errors.Is(err, processor.ErrCanceled):
		httperr.Write(c, fmt.Errorf("%w: sandbox payment %s was canceled", domain.ErrInvalidState, ref))
		return
	case err != nil:
		httperr.Write(c, err)
		return
	}

	payload := processor.EventPayload(idgen.WithPrefix("evt_sandbox_"), eventType, ref, req.Reason)
	signature := processor.SignPayload(s.cfg.StripeWebhookSecret, payload)
	if err := s.reconciler.HandleEvent(c.Request.Context(), payload, signature); err != nil {
		httperr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference": ref,
		"outcome":   kind,
	})
}
