package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"riskguard/pkg/crypto"
)

// ============ BasicAuth Tests ============

func TestBasicAuth(t *testing.T) {
	hash, err := crypto.HashPasswordWithCost("correct-horse", 4)
	if err != nil {
		t.Fatalf("failed to hash test password: %v", err)
	}

	t.Run("passes through when credentials are not configured", func(t *testing.T) {
		handler := BasicAuth("", "")(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("rejects request without credentials", func(t *testing.T) {
		handler := BasicAuth("operator", hash)(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate challenge")
		}
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		handler := BasicAuth("operator", hash)(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
		req.SetBasicAuth("operator", "wrong-password")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
		}
	})

	t.Run("rejects wrong username", func(t *testing.T) {
		handler := BasicAuth("operator", hash)(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
		req.SetBasicAuth("intruder", "correct-horse")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
		}
	})

	t.Run("accepts valid credentials", func(t *testing.T) {
		handler := BasicAuth("operator", hash)(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
		req.SetBasicAuth("operator", "correct-horse")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("throttles rapid attempts", func(t *testing.T) {
		handler := BasicAuth("operator", hash)(okHandler())

		throttled := false
		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", nil)
			req.SetBasicAuth("operator", "wrong-password")
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code == http.StatusTooManyRequests {
				throttled = true
				break
			}
		}

		if !throttled {
			t.Error("expected at least one throttled attempt in a burst of 10")
		}
	})
}
