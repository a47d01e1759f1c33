package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T, password string) *Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	a, err := New("test-secret", string(hash), time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("", "", 0); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("New without secret = %v", err)
	}
}

func TestLogin(t *testing.T) {
	a := newTestAuthenticator(t, "hunter2")

	if _, err := a.Login("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password = %v", err)
	}

	token, err := a.Login("hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := a.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if claims["role"] != RoleAdmin {
		t.Fatalf("role = %v", claims["role"])
	}
}

func TestLoginWithoutHash(t *testing.T) {
	a, err := New("secret", "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Login("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login without hash = %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	a := newTestAuthenticator(t, "pw")
	issued := time.Now()
	a.WithClock(func() time.Time { return issued })

	token, err := a.IssueAdminToken()
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}

	a.WithClock(func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := a.ValidateJWT(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token = %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	a := newTestAuthenticator(t, "pw")
	token, err := a.IssueAdminToken()
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	userToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}

	handler := a.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + userToken, http.StatusForbidden},
		{"admin", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/dashboard/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
