package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/lifecycle"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/ratelimit"
	"github.com/ferro-labs/model-proxy/internal/retry"
)

func TestCredentialsMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		status int
		key    string
	}{
		{"bearer", "Bearer abc123", http.StatusOK, "abc123"},
		{"none", "", http.StatusOK, ""},
		{"basic", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := CredentialsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = CredentialsFromContext(r.Context()).APIKey
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("got status %d, want %d", rr.Code, tt.status)
			}
			if got != tt.key {
				t.Fatalf("api key = %q, want %q", got, tt.key)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	handler := CORS("https://app.example.com")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/request", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestStatusOf(t *testing.T) {
	exhausted := &retry.ExhaustedError{Attempts: 3, Last: proxyerr.Upstream("perspective", errors.New("503"))}
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad key", proxyerr.ErrAuth), http.StatusUnauthorized},
		{fmt.Errorf("%w: not admin", proxyerr.ErrPermission), http.StatusForbidden},
		{fmt.Errorf("%w: daily", proxyerr.ErrQuotaExceeded), http.StatusTooManyRequests},
		{proxyerr.Configuration("unknown model %q", "x"), http.StatusBadRequest},
		{accounts.ErrAccountNotFound, http.StatusNotFound},
		{exhausted, http.StatusServiceUnavailable},
		{proxyerr.Upstream("openai", errors.New("boom")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusOf(tt.err); got != tt.status {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestRateLimit_Keys(t *testing.T) {
	resolve := func(apiKey string) (string, bool) {
		if apiKey == "good-key" {
			return "acct-1", true
		}
		return "", false
	}
	store := ratelimit.NewStore(0.001, 1)
	handler := CredentialsMiddleware(RateLimit(store, resolve)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	call := func(apiKey, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	tests := []struct {
		name   string
		apiKey string
		addr   string
		status int
	}{
		{"keyless caller", "", "10.0.0.1:1000", http.StatusOK},
		{"same host on a new port", "", "10.0.0.1:2000", http.StatusTooManyRequests},
		{"other host", "", "10.0.0.2:1000", http.StatusOK},
		{"unknown key uses the host bucket", "bogus-1", "10.0.0.3:1000", http.StatusOK},
		{"another unknown key from that host", "bogus-2", "10.0.0.3:2000", http.StatusTooManyRequests},
		{"known key from a limited host", "good-key", "10.0.0.3:3000", http.StatusOK},
		{"known key from another host", "good-key", "10.0.0.9:1000", http.StatusTooManyRequests},
		{"address without port", "", "10.0.0.4", http.StatusOK},
		{"same address with port", "", "10.0.0.4:5000", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if got := call(tt.apiKey, tt.addr); got != tt.status {
			t.Fatalf("%s: got %d, want %d", tt.name, got, tt.status)
		}
	}
	if got := store.Len(); got != 5 {
		t.Fatalf("store holds %d limiters, want 5", got)
	}
}

func TestDraining(t *testing.T) {
	lc := lifecycle.New(func() error { return nil })
	handler := Draining(lc)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	serve := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/request", nil))
		return rr
	}

	if rr := serve(); rr.Code != http.StatusOK {
		t.Fatalf("running: got %d", rr.Code)
	}
	lc.Shutdown("test")
	rr := serve()
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("after shutdown: expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
}
