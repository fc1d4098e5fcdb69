package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	const secret = "test-secret"

	token := MintToken(secret, 7)
	factoryID, ok := VerifyToken(secret, token)
	if !ok || factoryID != 7 {
		t.Fatalf("VerifyToken = %d, %v", factoryID, ok)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	const secret = "test-secret"
	good := MintToken(secret, 7)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no_separator", "7abcdef"},
		{"bad_factory_id", "x." + strings.SplitN(good, ".", 2)[1]},
		{"zero_factory_id", MintToken(secret, 0)},
		{"tampered_signature", "7.deadbeef"},
		{"factory_swap", "8." + strings.SplitN(good, ".", 2)[1]},
		{"wrong_secret", MintToken("other-secret", 7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := VerifyToken(secret, tt.token); ok {
				t.Errorf("VerifyToken accepted %q", tt.token)
			}
		})
	}
}

func TestFactoryAuthMiddleware(t *testing.T) {
	const secret = "test-secret"

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]int{"factory_id": FactoryID(r.Context())})
	})
	handler := FactoryAuth(secret, true)(echo)

	t.Run("valid_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer "+MintToken(secret, 3))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"factory_id":3`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("missing_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("auth_disabled_uses_header", func(t *testing.T) {
		open := FactoryAuth("", false)(echo)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("X-Factory-ID", "9")
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"factory_id":9`) {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})
}

func TestRateLimiter(t *testing.T) {
	handler := RateLimiter(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// Burst of 2 passes, then the limiter kicks in.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst rejected: %v", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("limiter never engaged: %v", codes)
	}

	// A different IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second IP throttled: %d", rec.Code)
	}
}
