package scribe

import (
	"net/http"

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

// RegisterRoutes registers the generation endpoints on a group that
// carries bearer authentication.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/generate-note", h.GenerateNote)
	api.POST("/patient-summary", h.PatientSummary)
	api.POST("/transcribe", h.Transcribe)
}

type noteRequest struct {
	Transcript  string `json:"transcript" validate:"required"`
	Template    string `json:"template" validate:"omitempty,max=32"`
	Specialty   string `json:"specialty" validate:"omitempty,max=100"`
	EncounterID string `json:"encounter_id" validate:"omitempty,max=64"`
}

func (h *Handler) bind(c echo.Context) (auth.Identity, noteRequest, error) {
	var req noteRequest
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return id, req, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := c.Bind(&req); err != nil {
		return id, req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return id, req, sentinel.HTTPError(err)
	}
	return id, req, nil
}

func (h *Handler) GenerateNote(c echo.Context) error {
	actor, req, err := h.bind(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GenerateNote(c.Request().Context(), actor, NoteInput{
		Transcript: req.Transcript,
		Template:   req.Template,
		Specialty:  req.Specialty,
	}, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PatientSummary(c echo.Context) error {
	actor, req, err := h.bind(c)
	if err != nil {
		return err
	}
	res, err := h.svc.PatientSummary(c.Request().Context(), actor, NoteInput{
		Transcript: req.Transcript,
		Template:   req.Template,
		Specialty:  req.Specialty,
	}, req.EncounterID, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Transcribe(c echo.Context) error {
	actor, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"audio\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio upload")
	}
	defer f.Close()

	res, err := h.svc.Transcribe(c.Request().Context(), actor, fh.Filename, f, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
