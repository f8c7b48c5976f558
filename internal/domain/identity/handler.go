package identity

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

// RegisterRoutes registers the auth endpoints on public and the profile and
// admin endpoints on protected, which must carry bearer authentication.
// loginLimit may be nil.
func (h *Handler) RegisterRoutes(public, protected *echo.Group, loginLimit echo.MiddlewareFunc) {
	public.POST("/auth/register", h.Register)
	if loginLimit != nil {
		public.POST("/auth/login", h.Login, loginLimit)
	} else {
		public.POST("/auth/login", h.Login)
	}

	protected.GET("/auth/me", h.Me)
	protected.PATCH("/admin/users/:id", h.UpdateAccess, auth.RequireRole(auth.RoleAdmin))
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,pwd"`
	FullName  string `json:"full_name" validate:"required,max=200"`
	Role      string `json:"role" validate:"omitempty,oneof=physician scribe"`
	Specialty string `json:"specialty" validate:"omitempty,max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
}

type accessRequest struct {
	Role      *string `json:"role" validate:"omitempty,oneof=physician scribe admin"`
	Specialty *string `json:"specialty" validate:"omitempty,min=1,max=100"`
	IsActive  *bool   `json:"is_active"`
}

func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(dst); err != nil {
		return sentinel.HTTPError(err)
	}
	return nil
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Register(c.Request().Context(), RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FullName:  req.FullName,
		Role:      req.Role,
		Specialty: req.Specialty,
	})
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Login(c.Request().Context(), req.Email, req.Password, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c echo.Context) error {
	u, err := h.svc.Me(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateAccess(c echo.Context) error {
	var req accessRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := h.svc.UpdateAccess(ctx, auth.UserIDFromContext(ctx), c.Param("id"), AccessUpdate{
		Role:      req.Role,
		Specialty: req.Specialty,
		IsActive:  req.IsActive,
	}, c.RealIP())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, u)
}
