package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/websocket/health", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recover(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/notify", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "boom")
}

func TestAdmissionBlocksExcessiveTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAdmission(ctx, AdmissionConfig{RequestsPerMin: 60, BurstSize: 3})
	h := a.Middleware(okHandler())

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/websocket", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}

func TestAdmissionSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAdmission(ctx, AdmissionConfig{RequestsPerMin: 60, BurstSize: 1})

	for _, addr := range []string{"192.0.2.1:1", "192.0.2.2:1", "[2001:db8::1]:1"} {
		req := httptest.NewRequest("GET", "/websocket", nil)
		req.RemoteAddr = addr
		assert.True(t, a.Allow(req), addr)
		assert.False(t, a.Allow(req), addr)
	}
	assert.Equal(t, 3, a.tracked())
}

func TestAdmissionSweepDropsIdleClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAdmission(ctx, AdmissionConfig{RequestsPerMin: 60, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	req := httptest.NewRequest("GET", "/", nil)
	a.Allow(req)
	require.Equal(t, 1, a.tracked())

	now = now.Add(2 * time.Minute)
	a.sweep()
	assert.Equal(t, 0, a.tracked())
}

func TestClientIP(t *testing.T) {
	proxies := []string{"10.0.0.1"}
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"direct", "192.0.2.9:5555", nil, "192.0.2.9"},
		{"ipv6", "[2001:db8::2]:80", nil, "2001:db8::2"},
		{"spoofed xff ignored", "192.0.2.9:5555", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "192.0.2.9"},
		{"trusted xff", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "1.2.3.4"},
		{"trusted real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": " 5.6.7.8 "}, "5.6.7.8"},
		{"trusted no headers", "10.0.0.1:80", nil, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, proxies))
		})
	}
}
