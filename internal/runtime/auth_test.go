package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/fivediag/config"
)

func serveWithAuth(t *testing.T, secret []byte, header string, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	chain := append([]echo.MiddlewareFunc{EchoAuthMiddleware(secret)}, mw...)
	e.GET("/x", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, chain...)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLoadJWTSecret(t *testing.T) {
	if _, err := LoadJWTSecret(&config.Config{}); !errors.Is(err, ErrNoJWTSecret) {
		t.Fatalf("expected missing secret, got %v", err)
	}
	cfg := &config.Config{Server: config.ServerConfig{JWTSecret: " s3cret "}}
	secret, err := LoadJWTSecret(cfg)
	if err != nil || string(secret) != "s3cret" {
		t.Fatalf("unexpected secret %q %v", secret, err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("clinician-1", secret, time.Minute, ScopeOps)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := serveWithAuth(t, secret, "Bearer "+tok, RequireScopes(ScopeOps))
	if rec.Code != http.StatusOK || rec.Body.String() != "clinician-1" {
		t.Fatalf("expected 200 with subject, got %d %q", rec.Code, rec.Body.String())
	}

	if rec := serveWithAuth(t, secret, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serveWithAuth(t, []byte("other"), "Bearer "+tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	plain, _ := SignJWT("clinician-2", secret, time.Minute)
	if rec := serveWithAuth(t, secret, "Bearer "+plain, RequireScopes(ScopeOps)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without scope, got %d", rec.Code)
	}

	expired, _ := SignJWT("clinician-3", secret, -time.Minute)
	if rec := serveWithAuth(t, secret, "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Minute).Unix()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if rec := serveWithAuth(t, secret, "Bearer "+unsigned); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned token, got %d", rec.Code)
	}
}

func TestExtractScopes(t *testing.T) {
	if got := extractScopes(jwt.MapClaims{"scope": "ops read"}); len(got) != 2 {
		t.Fatalf("expected space separated scopes, got %v", got)
	}
	if got := extractScopes(jwt.MapClaims{"scopes": []interface{}{"ops", " "}}); len(got) != 1 {
		t.Fatalf("expected blank scopes dropped, got %v", got)
	}
}
