package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/parkhold/internal/auth"
)

// RateConfig is a token bucket refilled at Rate tokens per second up to Burst.
// A zero Rate disables the bucket.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// Scope names the bucket a request draws from.
type Scope string

const (
	// ScopeRead covers spot listings, lookups and the lot watch.
	ScopeRead Scope = "read"
	// ScopeHold covers requests that place a new hold on a spot.
	ScopeHold Scope = "hold"
	// ScopeRelease covers cancellations and sensor signals, which only free
	// or settle holds.
	ScopeRelease Scope = "release"
)

// Budgets sets one bucket per scope. Holds get their own budget since a
// single client retrying reserve against a full lot is what contends spots.
type Budgets struct {
	Read    RateConfig
	Hold    RateConfig
	Release RateConfig
}

func (b Budgets) forScope(scope Scope) RateConfig {
	switch scope {
	case ScopeRead:
		return b.Read
	case ScopeHold:
		return b.Hold
	default:
		return b.Release
	}
}

func (b Budgets) enabled() bool {
	return b.Read.Rate > 0 || b.Hold.Rate > 0 || b.Release.Rate > 0
}

// RateLimiter throttles requests per caller with token buckets kept in
// Redis, so every replica shares one budget.
type RateLimiter struct {
	client    *redis.Client
	budgets   Budgets
	luaScript *redis.Script
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every request.
func NewRateLimiter(client *redis.Client, budgets Budgets) *RateLimiter {
	if client == nil {
		return nil
	}
	return &RateLimiter{client: client, budgets: budgets, luaScript: redis.NewScript(tokenBucketLua)}
}

// ScopeOf classifies a reservation API request.
func ScopeOf(r *http.Request) Scope {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopeRead
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if r.Method == http.MethodPost && (strings.HasSuffix(path, "/reservations") || strings.HasSuffix(path, "/reservations/random")) {
		return ScopeHold
	}
	return ScopeRelease
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || !l.budgets.enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeOf(r)
		cfg := l.budgets.forScope(scope)
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
		if err != nil {
			writeLimitError(w, http.StatusInternalServerError, "rate limit unavailable", false)
			return
		}

		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			}
			writeLimitError(w, http.StatusTooManyRequests, "too many "+string(scope)+" requests", true)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeLimitError uses the same body shape as the reservation handlers.
func writeLimitError(w http.ResponseWriter, status int, msg string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "retryable": retryable})
}

func (l *RateLimiter) allow(ctx context.Context, scope Scope, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	now := time.Now()
	key := strings.Join([]string{"parking", "rl", string(scope), identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, now.UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, err
	}

	// the script replies {allowed, tokens, wait}; numbers past the first are
	// strings so Redis does not truncate them to integers
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, errors.New("invalid redis response")
	}
	if allowed, _ := values[0].(int64); allowed == 1 {
		return true, 0, nil
	}
	raw, _ := values[2].(string)
	wait, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse bucket wait: %w", err)
	}
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond, nil
}

// clientIdentifier prefers the authenticated user so one user cannot spread
// hold attempts across addresses.
func clientIdentifier(r *http.Request) string {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		return "user:" + userID
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return "client:" + id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 then
  return {1, tostring(capacity), '0'}
end

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait = 0
if allowed then
  tokens = tokens - requested
else
  wait = (requested - tokens) / rate
end

redis.call('HMSET', key, 'tokens', tokens, 'timestamp', last)
local ttl = math.ceil((capacity / rate) * 1000)
redis.call('PEXPIRE', key, ttl)

if allowed then
  return {1, tostring(tokens), '0'}
else
  return {0, tostring(tokens), tostring(wait)}
end
`
