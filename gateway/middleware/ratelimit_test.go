package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) int {
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res.Code
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"actions": {RatePerSecond: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("actions")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/1/withdraw", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, serve(handler, req))
}

func TestRateLimiterSeparatesGroupsAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"reads":   {RatePerSecond: 1, Burst: 1},
		"actions": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	reads := limiter.Middleware("reads")(okHandler())
	actions := limiter.Middleware("actions")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/streams/1", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	reqB := httptest.NewRequest(http.MethodGet, "/v1/streams/1", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")

	require.Equal(t, http.StatusOK, serve(reads, reqA))
	require.Equal(t, http.StatusOK, serve(actions, reqA))
	require.Equal(t, http.StatusOK, serve(reads, reqB))
	require.Equal(t, http.StatusTooManyRequests, serve(reads, reqA))
}

func TestRateLimiterUnknownGroupPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(handler, req))
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"reads": {RatePerSecond: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("reads")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	serve(handler, req)
	require.Equal(t, 1, limiter.visitorCount())

	now = now.Add(2 * visitorTTL)
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	serve(handler, other)
	require.Equal(t, 1, limiter.visitorCount())
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	require.Equal(t, "192.0.2.1", clientID(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientID(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	require.Equal(t, "198.51.100.7", clientID(req))

	req.Header.Set("X-API-Key", "k1")
	require.Equal(t, "key:k1", clientID(req))
}
