package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimited(perMin, burst int, trusted ...string) http.Handler {
	nets, err := ParseTrustedProxies(trusted)
	if err != nil {
		panic(err)
	}
	return RateLimit(perMin, burst, nets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimit_RejectsAfterBurst(t *testing.T) {
	handler := rateLimited(1, 2)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/job", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	}

	req := httptest.NewRequest(http.MethodPost, "/job", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited_error", body.Code)

	// Another client has its own bucket.
	req = httptest.NewRequest(http.MethodPost, "/job", nil)
	req.RemoteAddr = "198.51.100.8:5555"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Exemptions(t *testing.T) {
	handler := rateLimited(1, 1)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/job", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
		req.RemoteAddr = "198.51.100.9:5555"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := rateLimited(0, 0)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/job", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientIP_IgnoresHeadersFromUntrustedPeers(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/job", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	assert.Equal(t, "203.0.113.1", clientIP(req, nil))

	req.Header.Set("X-Real-IP", "127.0.0.1")
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	assert.Equal(t, "203.0.113.1", clientIP(req, nil))
}

func TestClientIP_TrustedProxy(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/job", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	req.Header.Set("X-Real-IP", "203.0.113.2")
	assert.Equal(t, "203.0.113.2", clientIP(req, trusted))

	// The rightmost untrusted hop is the client; anything left of it is client-supplied.
	req.Header.Set("X-Forwarded-For", "127.0.0.1, 203.0.113.3, 192.0.2.10")
	assert.Equal(t, "203.0.113.3", clientIP(req, trusted))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "10.1.2.3", clientIP(req, trusted))

	req.RemoteAddr = "198.51.100.7:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.3")
	assert.Equal(t, "198.51.100.7", clientIP(req, trusted))
}

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", "", "2001:db8::/32", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 4)
	assert.True(t, isTrusted(net.ParseIP("192.0.2.10"), nets))
	assert.False(t, isTrusted(net.ParseIP("192.0.2.11"), nets))
	assert.True(t, isTrusted(net.ParseIP("2001:db8::5"), nets))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}

func TestRateLimit_SpoofedForwardingHeadersDoNotHelp(t *testing.T) {
	handler := rateLimited(1, 1)

	send := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/job", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// No loopback exemption through a forged header.
	assert.Equal(t, http.StatusOK, send("203.0.113.66:4000", "127.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.66:4000", "127.0.0.1"))

	// Claiming another client's address drains only the caller's own bucket.
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.66:4000", "198.51.100.7"))
	assert.Equal(t, http.StatusOK, send("198.51.100.7:5555", ""))
}

func TestRateLimit_TrustedProxyForwardsClientAddress(t *testing.T) {
	handler := rateLimited(1, 1, "10.0.0.0/8")

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/job", nil)
		req.RemoteAddr = "10.0.0.2:4000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.7"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.7"))
	assert.Equal(t, http.StatusOK, send("198.51.100.8"))
}

func TestAPIRateLimiter_SweepsIdleClients(t *testing.T) {
	l := newAPIRateLimiter(60, 1)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	for i := 0; i < maxTrackedClients; i++ {
		l.get(time.Duration(i).String())
	}
	require.Len(t, l.clients, maxTrackedClients)

	now = now.Add(time.Hour)
	l.get("fresh")
	assert.Len(t, l.clients, 1)
}
