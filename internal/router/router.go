package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/venue-ticketing/internal/handler"
)

// RegisterRoutes registers unauthenticated operational routes: the health
// check and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterWebhooks mounts the payment gateway webhook.  guard runs before
// the handler so blocked sources never reach signature verification.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler, guard ...echo.MiddlewareFunc) {
	e.POST("/v1/webhooks/payments", h.Payments, guard...)
}
