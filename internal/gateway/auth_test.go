package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dmms-ai/dmms-ai/internal/gateway"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"Bearer   abc  ", "abc"},
		{"Basic abc", ""},
		{"bearer abc", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := gateway.BearerToken(req); got != tc.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestRequireToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := gateway.RequireToken("s3cret-token", inner)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid", "/ws", "Bearer s3cret-token", http.StatusOK},
		{"wrong", "/ws", "Bearer nope", http.StatusUnauthorized},
		{"missing", "/ws", "", http.StatusUnauthorized},
		{"healthz open", "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRequireToken_EmptyDisablesAuth(t *testing.T) {
	called := false
	handler := gateway.RequireToken("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws", nil))
	if !called {
		t.Fatal("expected handler to run without a configured token")
	}
}
