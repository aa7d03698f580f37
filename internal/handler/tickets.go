package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/middleware"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/utils"
	"github.com/iliyamo/venue-ticketing/internal/verification"
)

// TicketVerifier is the server-side verifier.
type TicketVerifier interface {
	Verify(ctx context.Context, token, signature string) bool
	Admit(ctx context.Context, token, signature string, method verification.Method, staffID string) (verification.Admission, error)
}

// ManifestLister lists issued tickets of an event for scanner sync.
type ManifestLister interface {
	ListManifest(ctx context.Context, venueEventID uint64) ([]repository.ManifestEntry, error)
}

// TicketHandler serves ticket verification, door admission and the offline
// scanner manifest.
type TicketHandler struct {
	verifier TicketVerifier
	manifest ManifestLister
	pinHash  string // bcrypt hash of the manual entry PIN; empty disables it
	log      *zap.Logger
}

func NewTicketHandler(v TicketVerifier, m ManifestLister, manualPINHash string, log *zap.Logger) *TicketHandler {
	if v == nil || m == nil {
		panic("nil dependency passed to NewTicketHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketHandler{verifier: v, manifest: m, pinHash: manualPINHash, log: log}
}

// Verify handles POST /v1/tickets/verify.  Every well-formed request gets
// 200 with {"valid": bool}; the reason for a rejection is never disclosed.
func (h *TicketHandler) Verify(c echo.Context) error {
	var req verification.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ok := h.verifier.Verify(c.Request().Context(), req.Token, req.Signature)
	return c.JSON(http.StatusOK, verification.VerifyResponse{Valid: ok})
}

type admitRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	Method    string `json:"method"`
	PIN       string `json:"pin"`
}

// Admit handles POST /v1/scanner/admit for authenticated door staff.
// Manual entry additionally needs the staff PIN.
func (h *TicketHandler) Admit(c echo.Context) error {
	var req admitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	method := verification.Method(req.Method)
	if !method.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "method must be camera, tap or manual"})
	}
	staffID := middleware.StaffID(c)
	if method == verification.MethodManual {
		if h.pinHash == "" {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "manual entry disabled"})
		}
		if !utils.VerifyPIN(h.pinHash, req.PIN) {
			h.log.Warn("manual entry with wrong PIN", zap.String("staff_id", staffID))
			return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid pin"})
		}
	}
	adm, err := h.verifier.Admit(c.Request().Context(), req.Token, req.Signature, method, staffID)
	if err != nil {
		h.log.Error("admission failed", zap.String("staff_id", staffID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, adm)
}

// Manifest handles GET /v1/scanner/manifest?event_id=.
func (h *TicketHandler) Manifest(c echo.Context) error {
	eventID, err := strconv.ParseUint(c.QueryParam("event_id"), 10, 64)
	if err != nil || eventID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event_id"})
	}
	entries, err := h.manifest.ListManifest(c.Request().Context(), eventID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, verification.Manifest{EventID: eventID, Tickets: entries})
}
