package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/parkhold/internal/auth"
	"github.com/example/parkhold/internal/http/middleware"
)

func newLimiter(t *testing.T, budgets middleware.Budgets) (*middleware.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return middleware.NewRateLimiter(client, budgets), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func send(h http.Handler, method, path, clientID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScopeOf(t *testing.T) {
	cases := []struct {
		method, path string
		want         middleware.Scope
	}{
		{http.MethodGet, "/v1/lots/L/spots", middleware.ScopeRead},
		{http.MethodGet, "/v1/lots/L/watch", middleware.ScopeRead},
		{http.MethodPost, "/v1/lots/L/spots/7/reservations", middleware.ScopeHold},
		{http.MethodPost, "/v1/lots/L/reservations/random", middleware.ScopeHold},
		{http.MethodPost, "/v1/lots/L/reservations/random/", middleware.ScopeHold},
		{http.MethodPost, "/v1/reservations/abc/cancel", middleware.ScopeRelease},
		{http.MethodPost, "/v1/sensors/lots/L/spots/7/arrive", middleware.ScopeRelease},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, middleware.ScopeOf(httptest.NewRequest(tc.method, tc.path, nil)), tc.method+" "+tc.path)
	}
}

func TestHoldBudgetIsSeparateFromCancel(t *testing.T) {
	limiter, mr := newLimiter(t, middleware.Budgets{
		Read:    middleware.RateConfig{Rate: 100, Burst: 100},
		Hold:    middleware.RateConfig{Rate: 0.5, Burst: 2},
		Release: middleware.RateConfig{Rate: 0.5, Burst: 1},
	})
	h := limiter.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := send(h, http.MethodPost, "/v1/lots/L/reservations/random", "kiosk-1")
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			require.NotEmpty(t, rec.Header().Get("Retry-After"))
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, true, body["retryable"])
			require.Equal(t, "too many hold requests", body["error"])
		}
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a client out of hold tokens can still cancel and read
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/v1/reservations/r1/cancel", "kiosk-1").Code)
	require.Equal(t, http.StatusOK, send(h, http.MethodGet, "/v1/lots/L/spots", "kiosk-1").Code)
	require.Equal(t, http.StatusTooManyRequests, send(h, http.MethodPost, "/v1/reservations/r1/cancel", "kiosk-1").Code)

	require.True(t, mr.Exists("parking:rl:hold:client:kiosk-1"))
	require.True(t, mr.Exists("parking:rl:release:client:kiosk-1"))
}

func TestUnsetBudgetIsUnlimited(t *testing.T) {
	limiter, _ := newLimiter(t, middleware.Budgets{Hold: middleware.RateConfig{Rate: 0.1, Burst: 1}})
	h := limiter.Middleware(okHandler())
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, send(h, http.MethodGet, "/v1/lots/L/spots", "c").Code)
	}
}

func TestRateLimiterKeysByAuthenticatedUser(t *testing.T) {
	limiter, _ := newLimiter(t, middleware.Budgets{Hold: middleware.RateConfig{Rate: 0.1, Burst: 1}})
	h := limiter.Middleware(okHandler())

	reserve := func(userID, addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/lots/L/spots/1/reservations", nil)
		req.RemoteAddr = addr
		claims := &auth.Claims{}
		claims.Subject = userID
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, reserve("u1", "10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, reserve("u1", "10.0.0.2:1234"))
	require.Equal(t, http.StatusOK, reserve("u2", "10.0.0.1:1234"))
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var limiter *middleware.RateLimiter
	require.Nil(t, middleware.NewRateLimiter(nil, middleware.Budgets{}))
	h := limiter.Middleware(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
