package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(okHandler)
	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantOrigin  string
		wantMethods string
	}{
		{"allowed read", http.MethodGet, "https://dash.example", false, http.StatusOK, "https://dash.example", ""},
		{"allowed preflight", http.MethodOptions, "https://dash.example", true, http.StatusNoContent, "https://dash.example", readOnlyMethods},
		{"foreign read gets no grant", http.MethodGet, "https://evil.example", false, http.StatusOK, "", ""},
		{"foreign preflight refused", http.MethodOptions, "https://evil.example", true, http.StatusForbidden, "", ""},
		{"same origin", http.MethodGet, "", false, http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status=%d, expected %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin=%q, expected %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethods {
				t.Fatalf("allow-methods=%q, expected %q", got, tt.wantMethods)
			}
			if tt.origin != "" && rec.Header().Get("Vary") != "Origin" {
				t.Fatalf("vary=%q, expected Origin", rec.Header().Get("Vary"))
			}
		})
	}
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health", "/metrics")(okHandler)
	tests := []struct {
		name     string
		method   string
		path     string
		header   string
		value    string
		wantCode int
	}{
		{"public path", http.MethodGet, "/api/health", "", "", http.StatusOK},
		{"public subtree", http.MethodGet, "/metrics/extra", "", "", http.StatusOK},
		{"prefix is not a subtree", http.MethodGet, "/metricsx", "", "", http.StatusUnauthorized},
		{"preflight passes", http.MethodOptions, "/api/positions", "", "", http.StatusOK},
		{"missing key", http.MethodGet, "/api/positions", "", "", http.StatusUnauthorized},
		{"wrong bearer", http.MethodGet, "/api/positions", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", http.MethodGet, "/api/positions", "Authorization", "bearer secret", http.StatusOK},
		{"api key header", http.MethodGet, "/api/positions", "X-API-Key", "secret", http.StatusOK},
		{"basic scheme ignored", http.MethodGet, "/api/positions", "Authorization", "Basic secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status=%d, expected %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected a WWW-Authenticate challenge")
			}
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d with auth disabled, expected 200", rec.Code)
	}
}
