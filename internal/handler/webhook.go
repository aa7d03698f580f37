package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/venue-ticketing/internal/webhook"
)

// maxWebhookBody caps gateway payloads.
const maxWebhookBody = 1 << 20

// Gate is the webhook ingestion gate.
type Gate interface {
	Handle(ctx context.Context, in webhook.Inbound) webhook.Response
}

// WebhookHandler passes raw gateway deliveries to the gate.  The body must
// reach the gate byte for byte since the signature covers it.
type WebhookHandler struct {
	gate Gate
}

func NewWebhookHandler(g Gate) *WebhookHandler {
	if g == nil {
		panic("nil gate passed to NewWebhookHandler")
	}
	return &WebhookHandler{gate: g}
}

// Payments handles POST /v1/webhooks/payments.
func (h *WebhookHandler) Payments(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "payload too large"})
	}
	resp := h.gate.Handle(c.Request().Context(), webhook.Inbound{
		Body:      body,
		Signature: c.Request().Header.Get(webhook.SignatureHeader),
		Source:    c.RealIP(),
	})
	return c.JSONBlob(resp.Status, resp.Body)
}
