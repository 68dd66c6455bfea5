package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dujiao-next/transaction/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "test-secret"

func signTestToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "ops-1",
		Issuer:    "shop",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func decodeStatusCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v body=%s", err, w.Body.String())
	}
	return resp.StatusCode
}

func TestBuildCORSConfig(t *testing.T) {
	cfg := buildCORSConfig(config.CORSConfig{})
	if !cfg.AllowAllOrigins {
		t.Fatalf("empty origins should allow all")
	}
	if len(cfg.AllowMethods) == 0 || len(cfg.AllowHeaders) == 0 {
		t.Fatalf("default methods and headers should be filled")
	}

	cfg = buildCORSConfig(config.CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true})
	if cfg.AllowAllOrigins || cfg.AllowOriginFunc == nil || !cfg.AllowOriginFunc("https://example.com") {
		t.Fatalf("wildcard with credentials should echo origin")
	}

	cfg = buildCORSConfig(config.CORSConfig{AllowedOrigins: []string{"https://a.example.com"}, MaxAge: 600})
	if cfg.AllowAllOrigins || len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://a.example.com" {
		t.Fatalf("allow-list should be kept, got %+v", cfg.AllowOrigins)
	}
	if cfg.MaxAge != 10*time.Minute {
		t.Fatalf("max age want 10m got %s", cfg.MaxAge)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(CORSMiddleware(config.CORSConfig{AllowedOrigins: []string{"https://a.example.com"}}))
	r.POST("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://a.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status want 204 got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://a.example.com" {
		t.Fatalf("allow origin want https://a.example.com got %s", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.Header.Set("Origin", "https://x.example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unlisted origin want 403 got %d", w.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": getRequestID(c)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-123")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("response request id want req-123 got %s", w.Header().Get(requestIDHeader))
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp["request_id"] != "req-123" {
		t.Fatalf("context request id want req-123 got %s", resp["request_id"])
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w2, req2)
	if generated := strings.TrimSpace(w2.Header().Get(requestIDHeader)); generated == "" {
		t.Fatalf("generated request id should not be empty")
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "other"

	cases := []struct {
		name   string
		cfg    config.APIJWTConfig
		header string
		want   int
	}{
		{name: "missing secret", cfg: config.APIJWTConfig{}, header: "Bearer " + signTestToken(t, testJWTSecret, validClaims()), want: 401},
		{name: "missing header", cfg: config.APIJWTConfig{Secret: testJWTSecret}, want: 401},
		{name: "bad scheme", cfg: config.APIJWTConfig{Secret: testJWTSecret}, header: "Token abc", want: 401},
		{name: "bad signature", cfg: config.APIJWTConfig{Secret: testJWTSecret}, header: "Bearer " + signTestToken(t, "other-secret", validClaims()), want: 401},
		{name: "expired", cfg: config.APIJWTConfig{Secret: testJWTSecret}, header: "Bearer " + signTestToken(t, testJWTSecret, expired), want: 401},
		{name: "no expiry", cfg: config.APIJWTConfig{Secret: testJWTSecret}, header: "Bearer " + signTestToken(t, testJWTSecret, noExpiry), want: 401},
		{name: "wrong issuer", cfg: config.APIJWTConfig{Secret: testJWTSecret, Issuer: "shop"}, header: "Bearer " + signTestToken(t, testJWTSecret, wrongIssuer), want: 401},
		{name: "valid", cfg: config.APIJWTConfig{Secret: testJWTSecret, Issuer: "shop"}, header: "Bearer " + signTestToken(t, testJWTSecret, validClaims()), want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(JWTAuthMiddleware(tc.cfg))
			r.GET("/api/ping", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status_code": 0, "operator": c.GetString(operatorContextKey)})
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status want 200 got %d", w.Code)
			}
			if got := decodeStatusCode(t, w); got != tc.want {
				t.Fatalf("status_code want %d got %d", tc.want, got)
			}
			if tc.want == 0 && !strings.Contains(w.Body.String(), `"operator":"ops-1"`) {
				t.Fatalf("operator should be set from subject, got %s", w.Body.String())
			}
		})
	}
}
