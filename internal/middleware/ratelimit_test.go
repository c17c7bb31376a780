package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	l := NewRateLimiter(2, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("phone") {
		t.Fatal("first request should pass")
	}
	if !l.Allow("phone") {
		t.Fatal("second request should pass")
	}
	if l.Allow("phone") {
		t.Fatal("third request should be rate limited")
	}
	if !l.Allow("laptop") {
		t.Error("another device should have its own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("phone") {
		t.Error("bucket should refill after a second")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("phone")
	now = now.Add(2 * time.Minute)
	l.Allow("laptop")

	if _, ok := l.entries["phone"]; ok {
		t.Error("idle bucket was not evicted")
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Minute)
	h := RequirePrincipal(l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name       string
		device     string
		wantStatus int
	}{
		{name: "first request from device", device: "phone", wantStatus: http.StatusNoContent},
		{name: "second request from same device", device: "phone", wantStatus: http.StatusTooManyRequests},
		{name: "other device", device: "laptop", wantStatus: http.StatusNoContent},
		{name: "no device header falls back to principal", device: "", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/relay/ledger", nil)
			req.Header.Set(HeaderPrincipalID, "alice")
			if tt.device != "" {
				req.Header.Set(HeaderDeviceID, tt.device)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequirePrincipal(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid principal", header: "alice@example.com", wantStatus: http.StatusOK},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "invalid characters", header: "alice bob", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RequirePrincipal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = PrincipalFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderPrincipalID, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && got != tt.header {
				t.Errorf("principal = %q, want %q", got, tt.header)
			}
		})
	}
}
