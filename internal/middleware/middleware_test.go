package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := &Claims{
		Role: "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, "authenticated", logger.Discard())
	handler := auth.Handler(echoUser())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "anonymous", wantStatus: http.StatusOK},
		{name: "valid", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, "user-1", time.Hour), wantStatus: http.StatusOK, wantUser: "user-1"},
		{name: "expired", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, "user-1", -time.Hour), wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-another"), "user-1", time.Hour), wantStatus: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, "user-1", time.Hour), wantStatus: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, "", time.Hour), wantStatus: http.StatusUnauthorized},
		{name: "bad scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/feed", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantUser {
				t.Fatalf("user = %q, want %q", rec.Body.String(), tt.wantUser)
			}
		})
	}
}

func TestRequireUserID(t *testing.T) {
	handler := RequireUserID(echoUser())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/posts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/posts", nil)
	req = req.WithContext(WithUserID(req.Context(), "user-1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logger.Discard())
	handler := rl.Handler(echoUser())

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/posts/1/reactions", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req = req.WithContext(WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("alice"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Fatalf("other users keep their own budget, got %d", code)
	}
	if code := do(""); code != http.StatusOK {
		t.Fatalf("anonymous requests are keyed by address, got %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example"}).Handler(echoUser())

	req := httptest.NewRequest(http.MethodOptions, "/feed", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestRequestLoggerSetsID(t *testing.T) {
	handler := NewRequestLogger(logger.Discard()).Handler(echoUser())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}
