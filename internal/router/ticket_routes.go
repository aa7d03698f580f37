package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/venue-ticketing/internal/handler"
	"github.com/iliyamo/venue-ticketing/internal/middleware"
	"github.com/iliyamo/venue-ticketing/internal/utils"
)

// RegisterTickets registers ticket verification and the door scanner
// endpoints.  Admission and the offline manifest require a STAFF or ADMIN
// token.  limiter may be nil; public verification is limited per client IP
// and the scanner per staff id.
func RegisterTickets(e *echo.Echo, h *handler.TicketHandler, jwtSecret string, limiter *middleware.RateLimiter) {
	e.POST("/v1/tickets/verify", h.Verify, limiter.Middleware("verify"))

	g := e.Group(
		"/v1/scanner",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleStaff, utils.RoleAdmin),
		limiter.Middleware("scanner"),
	)
	g.POST("/admit", h.Admit)
	g.GET("/manifest", h.Manifest)
}

// RegisterAdmin registers the operator failure queue.  ADMIN only.
func RegisterAdmin(e *echo.Echo, h *handler.FailureHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleAdmin),
	)
	g.GET("/payment-failures", h.List)
	g.POST("/payment-failures/:id/resolve", h.Resolve)
}
