package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/middleware"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	e.Validator = middleware.NewRequestValidator()
	return h, svc, e
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_Register(t *testing.T) {
	h, _, e := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/auth/register",
		`{"email":"doc@example.com","password":"password1","full_name":"Doc"}`), rec)

	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res AuthResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.AccessToken == "" || res.FullName != "Doc" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Register_Validation(t *testing.T) {
	h, _, e := newTestHandler()

	tests := []struct {
		name string
		body string
	}{
		{"missing email", `{"password":"password1","full_name":"Doc"}`},
		{"bad email", `{"email":"nope","password":"password1","full_name":"Doc"}`},
		{"short password", `{"email":"a@example.com","password":"short","full_name":"Doc"}`},
		{"admin role", `{"email":"a@example.com","password":"password1","full_name":"Doc","role":"admin"}`},
		{"malformed json", `{"email":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, "/api/auth/register", tt.body), httptest.NewRecorder())
			if code := httpStatus(t, h.Register(c)); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestHandler_Register_Duplicate(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"email":"doc@example.com","password":"password1","full_name":"Doc"}`

	if err := h.Register(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())); err != nil {
		t.Fatal(err)
	}
	err := h.Register(e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder()))
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Login(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.Register(context.Background(), RegisterInput{Email: "doc@example.com", Password: "password1", FullName: "Doc"})

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email":"doc@example.com","password":"password1"}`), rec)
	if err := h.Login(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email":"doc@example.com","password":"password2"}`), httptest.NewRecorder())
	if code := httpStatus(t, h.Login(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_Me(t *testing.T) {
	h, svc, e := newTestHandler()
	reg, _ := svc.Register(context.Background(), RegisterInput{Email: "doc@example.com", Password: "password1", FullName: "Doc"})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: reg.UserID, Role: reg.Role}))
	rec := httptest.NewRecorder()

	if err := h.Me(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "hashed_password") || strings.Contains(rec.Body.String(), "$2a$") {
		t.Errorf("password digest leaked: %s", rec.Body.String())
	}
	var u User
	json.Unmarshal(rec.Body.Bytes(), &u)
	if u.Email != "doc@example.com" {
		t.Errorf("expected doc@example.com, got %s", u.Email)
	}
}

func TestHandler_UpdateAccess(t *testing.T) {
	h, svc, e := newTestHandler()
	reg, _ := svc.Register(context.Background(), RegisterInput{Email: "doc@example.com", Password: "password1", FullName: "Doc"})

	req := jsonRequest(http.MethodPatch, "/api/admin/users/"+reg.UserID, `{"role":"admin"}`)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(reg.UserID)

	if err := h.UpdateAccess(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var u User
	json.Unmarshal(rec.Body.Bytes(), &u)
	if u.Role != auth.RoleAdmin {
		t.Errorf("expected admin, got %s", u.Role)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	public := e.Group("/api")
	protected := e.Group("/api")

	h.RegisterRoutes(public, protected, nil)

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"POST:/api/auth/register",
		"POST:/api/auth/login",
		"GET:/api/auth/me",
		"PATCH:/api/admin/users/:id",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}

func TestHandler_AdminRouteRequiresAdmin(t *testing.T) {
	h, _, e := newTestHandler()
	issuer := auth.NewIssuer("test-secret")
	h.RegisterRoutes(e.Group("/api"), e.Group("/api", auth.BearerMiddleware(issuer)), nil)

	token, _ := issuer.Issue("u-1", "doc@example.com", auth.RolePhysician, time.Hour)
	req := jsonRequest(http.MethodPatch, "/api/admin/users/u-2", `{"role":"admin"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
