package hipaa

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medscribe/medscribe/internal/platform/auth"
)

// AuditHandler exposes the ledger to administrators.
type AuditHandler struct {
	ledger *Ledger
}

func NewAuditHandler(ledger *Ledger) *AuditHandler {
	return &AuditHandler{ledger: ledger}
}

// RegisterAuditRoutes registers GET /audit-log on the authenticated API group.
func RegisterAuditRoutes(api *echo.Group, ledger *Ledger) {
	h := NewAuditHandler(ledger)
	api.GET("/audit-log", h.HandleRecent, auth.RequireRole(auth.RoleAdmin))
}

// HandleRecent handles GET /api/audit-log?limit=N.
func (h *AuditHandler) HandleRecent(c echo.Context) error {
	limit := DefaultRecentLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	entries := h.ledger.Recent(c.Request().Context(), limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
