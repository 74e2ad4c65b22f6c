package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewCORS_AllowsConfiguredOrigin(t *testing.T) {
	h := NewCORS([]string{"https://app.mailsmith.io"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/organizations", nil)
	req.Header.Set("Origin", "https://app.mailsmith.io")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.mailsmith.io" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Access-Control-Max-Age = %q, want 600", got)
	}
}

func TestNewCORS_RejectsOtherOrigins(t *testing.T) {
	h := NewCORS([]string{"https://app.mailsmith.io"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/organizations", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin header, got %q", got)
	}
}

func TestNewCORS_ExposesRetryAfter(t *testing.T) {
	h := NewCORS([]string{"https://app.mailsmith.io"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/organizations", nil)
	req.Header.Set("Origin", "https://app.mailsmith.io")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After" {
		t.Errorf("Access-Control-Expose-Headers = %q", got)
	}
}

func TestNewCORS_EmptyListIsPassthrough(t *testing.T) {
	h := NewCORS(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/organizations", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS headers, got %q", got)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected passthrough body, got %q", rec.Body.String())
	}
}
