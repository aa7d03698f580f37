package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/venue-ticketing/internal/middleware"
	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// FailureStore is the payment failure queue.
type FailureStore interface {
	List(ctx context.Context, includeResolved bool) ([]model.PaymentFailure, error)
	Resolve(ctx context.Context, id uint64, by string, at time.Time) error
}

// FailureHandler exposes escalated payments to operators.
type FailureHandler struct {
	store FailureStore
}

func NewFailureHandler(s FailureStore) *FailureHandler {
	if s == nil {
		panic("nil store passed to NewFailureHandler")
	}
	return &FailureHandler{store: s}
}

// List handles GET /v1/admin/payment-failures[?all=true].
func (h *FailureHandler) List(c echo.Context) error {
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	items, err := h.store.List(c.Request().Context(), all)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

// Resolve handles POST /v1/admin/payment-failures/:id/resolve.  The
// resolver defaults to the authenticated operator.
func (h *FailureHandler) Resolve(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var body struct {
		By string `json:"by"`
	}
	_ = c.Bind(&body)
	by := body.By
	if by == "" {
		by = middleware.StaffID(c)
	}
	if by == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "by is required"})
	}
	err = h.store.Resolve(c.Request().Context(), id, by, time.Now().UTC())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"id": id, "resolved": true, "resolved_by": by})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment failure not found"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "already resolved"})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
}
