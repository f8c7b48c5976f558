package encounter

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the encounter endpoints on a group that carries
// bearer authentication.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/save-note", h.SaveNote)
	api.GET("/encounters", h.ListEncounters)
	api.GET("/encounters/:id", h.GetEncounter)
	api.PATCH("/encounters/:id/status", h.UpdateStatus)
}

type saveNoteRequest struct {
	EncounterID string `json:"encounter_id" validate:"omitempty,max=64"`
	Note        string `json:"note" validate:"required"`
	Transcript  string `json:"transcript"`
	PatientID   string `json:"patient_id" validate:"omitempty,max=64"`
	Template    string `json:"template" validate:"omitempty,oneof=soap hp consult procedure"`
	Specialty   string `json:"specialty" validate:"omitempty,max=100"`
	// Edits is accepted for compatibility and not stored.
	Edits string `json:"edits"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft final amended"`
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func (h *Handler) SaveNote(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var req saveNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return sentinel.HTTPError(err)
	}

	enc, err := h.svc.SaveNote(c.Request().Context(), actor, SaveNoteInput{
		EncounterID: req.EncounterID,
		Note:        req.Note,
		Transcript:  req.Transcript,
		PatientID:   req.PatientID,
		Template:    req.Template,
		Specialty:   req.Specialty,
	}, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"saved":        true,
		"encounter_id": enc.ID,
		"status":       enc.Status,
		"updated_at":   enc.UpdatedAt,
	})
}

func (h *Handler) ListEncounters(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	limit := DefaultListLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	items, err := h.svc.List(c.Request().Context(), actor, limit)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), actor, c.Param("id"), c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return sentinel.HTTPError(err)
	}

	enc, err := h.svc.UpdateStatus(c.Request().Context(), actor, c.Param("id"), req.Status, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, enc)
}
