package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lsmic/dispatch/internal/core/domain"
)

type stubAuthService struct {
	loginToken string
	loginUser  *domain.User
	loginErr   error

	registered  *domain.User
	registerErr error
	gotIsAdmin  bool
}

func (s *stubAuthService) Login(_ context.Context, username, password string) (string, *domain.User, error) {
	if s.loginErr != nil {
		return "", nil, s.loginErr
	}
	return s.loginToken, s.loginUser, nil
}

func (s *stubAuthService) Register(_ context.Context, username, password, phone, bank string, isAdmin bool) (*domain.User, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	s.gotIsAdmin = isAdmin
	return s.registered, nil
}

func (s *stubAuthService) Verify(string) (domain.Identity, error) {
	return domain.Identity{}, domain.ErrInvalidToken
}

func doRequest(t *testing.T, h echo.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Validator = NewValidator()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestLogin_Success(t *testing.T) {
	svc := &stubAuthService{
		loginToken: "signed-token",
		loginUser:  &domain.User{ID: "u1", Username: "alice"},
	}
	h := NewAuthHandler(svc)

	rec := doRequest(t, h.Login, `{"username":"alice","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token string       `json:"token"`
		User  *domain.User `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "signed-token" || resp.User == nil || resp.User.ID != "u1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	for _, loginErr := range []error{domain.ErrInvalidCredentials, domain.ErrUserNotFound} {
		h := NewAuthHandler(&stubAuthService{loginErr: loginErr})
		rec := doRequest(t, h.Login, `{"username":"alice","password":"wrong-password"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%v: code = %d, want 401", loginErr, rec.Code)
		}
	}
}

func TestLogin_MissingFields(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{})
	rec := doRequest(t, h.Login, `{"username":"alice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "password is required") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRegister_Success(t *testing.T) {
	svc := &stubAuthService{registered: &domain.User{ID: "u2", Username: "bob", IsAdmin: true}}
	h := NewAuthHandler(svc)

	rec := doRequest(t, h.Register, `{"username":"bob","password":"longenough","isAdmin":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !svc.gotIsAdmin {
		t.Fatalf("isAdmin flag not forwarded to the service")
	}
}

func TestRegister_ShortPassword(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{})
	rec := doRequest(t, h.Register, `{"username":"bob","password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{registerErr: domain.ErrUserExists})
	rec := doRequest(t, h.Register, `{"username":"bob","password":"longenough"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}
}
