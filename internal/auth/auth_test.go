package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testService creates a Service with a known secret. Revocation needs Redis
// and is left to integration tests.
func testService() *Service {
	return NewService(nil, "test-secret-key", 24*time.Hour)
}

func TestIssueAndValidateJWT(t *testing.T) {
	svc := testService()

	token, err := svc.Issue("publisher", RoleService)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.ValidateJWT(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}

	if claims.Subject != "publisher" || claims.Role != RoleService {
		t.Errorf("claims = %+v", claims)
	}
	if claims.TokenID == "" {
		t.Error("TokenID should be set")
	}
	diff := claims.ExpiresAt.Sub(claims.IssuedAt)
	if diff < 23*time.Hour || diff > 25*time.Hour {
		t.Errorf("token TTL = %v, want ~24h", diff)
	}
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	svc := testService()
	if _, err := svc.Issue("publisher", "admin"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := svc.Issue("", RoleService); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	svc := testService()
	svc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	tokenStr, _ := svc.Issue("publisher", RoleService)
	svc.now = time.Now

	_, err := svc.ValidateJWT(context.Background(), tokenStr)
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_MissingRole(t *testing.T) {
	svc := testService()
	claims := jwt.MapClaims{
		"sub": "publisher",
		"jti": "abc",
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tokenStr, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(svc.jwtSecret)

	if _, err := svc.ValidateJWT(context.Background(), tokenStr); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	svc := testService()
	other := NewService(nil, "wrong-secret", time.Hour)
	tokenStr, _ := other.Issue("publisher", RoleOperator)

	if _, err := svc.ValidateJWT(context.Background(), tokenStr); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRevoke_WithoutRedis(t *testing.T) {
	svc := testService()
	if err := svc.Revoke(context.Background(), &Claims{TokenID: "x", ExpiresAt: time.Now().Add(time.Hour)}); err == nil {
		t.Error("expected error when no revocation store is configured")
	}
}

func TestJWTMiddleware_NoHeader(t *testing.T) {
	svc := testService()
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	svc := testService()
	tokenStr, _ := svc.Issue("publisher", RoleService)

	var gotClaims *Claims
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if gotClaims == nil || gotClaims.Subject != "publisher" {
		t.Errorf("claims mismatch, got %+v", gotClaims)
	}
}

func TestRequireRole(t *testing.T) {
	svc := testService()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := svc.JWTMiddleware(RequireRole(RoleOperator)(ok))

	for role, want := range map[string]int{RoleService: http.StatusForbidden, RoleOperator: http.StatusOK} {
		tokenStr, _ := svc.Issue("caller", role)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %s: status = %d, want %d", role, rec.Code, want)
		}
	}
}

func TestHandleIssue(t *testing.T) {
	svc := testService()
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/tokens", strings.NewReader(`{"subject":"hook"}`))
	rec := httptest.NewRecorder()
	h.HandleIssue(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	claims, err := svc.ValidateJWT(context.Background(), resp.Token)
	if err != nil || claims.Role != RoleService || claims.Subject != "hook" {
		t.Fatalf("issued token invalid: %+v, %v", claims, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/tokens", strings.NewReader(`{"subject":"hook","role":"root"}`))
	rec = httptest.NewRecorder()
	h.HandleIssue(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestClaimsFromContext_NoClaims(t *testing.T) {
	claims := ClaimsFromContext(context.Background())
	if claims != nil {
		t.Errorf("expected nil claims, got %+v", claims)
	}
}
