package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/parkhold/internal/parking/domain"
)

type appConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	LogLevel       string
	StoreBackend   string
	RedisAddr      string
	PostgresDSN    string
	NATSURL        string
	JWTSecret      string
	Env            string
	HoldDuration   time.Duration
	RandomAttempts int
	RandomBackoff  time.Duration
	SweepInterval  time.Duration
	ClassPools     domain.ClassPools
	SeedFile       string
	ReadRate       float64
	ReadBurst      float64
	HoldRate       float64
	HoldBurst      float64
	ReleaseRate    float64
	ReleaseBurst   float64
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxRetry    int
}

func loadConfig() (appConfig, error) {
	pools, err := parseClassPools(os.Getenv("CLASS_POOLS"))
	if err != nil {
		return appConfig{}, err
	}
	cfg := appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("GRPC_ADDR", ":9090"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		StoreBackend:   getenv("STORE_BACKEND", "memory"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		NATSURL:        os.Getenv("NATS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		Env:            getenv("APP_ENV", "dev"),
		HoldDuration:   parseDurationEnv("HOLD_DURATION", 30*time.Minute),
		RandomAttempts: parseIntEnv("RANDOM_MAX_ATTEMPTS", 3),
		RandomBackoff:  parseDurationEnv("RANDOM_BACKOFF", 10*time.Millisecond),
		SweepInterval:  parseDurationEnv("SWEEP_INTERVAL", 30*time.Second),
		ClassPools:     pools,
		SeedFile:       os.Getenv("SEED_FILE"),
		ReadRate:       parseFloatEnv("RATE_READ_RPS", 0),
		ReadBurst:      parseFloatEnv("RATE_READ_BURST", 0),
		HoldRate:       parseFloatEnv("RATE_HOLD_RPS", 0),
		HoldBurst:      parseFloatEnv("RATE_HOLD_BURST", 0),
		ReleaseRate:    parseFloatEnv("RATE_RELEASE_RPS", 0),
		ReleaseBurst:   parseFloatEnv("RATE_RELEASE_BURST", 0),
		OutboxPoll:     time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:    parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:    parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
	if cfg.JWTSecret == "" {
		if cfg.Env != "dev" {
			return appConfig{}, fmt.Errorf("JWT_SECRET is required when APP_ENV=%s", cfg.Env)
		}
		cfg.JWTSecret = "dev-secret"
	}
	switch cfg.StoreBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return appConfig{}, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return appConfig{}, fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_DSN")
		}
	default:
		return appConfig{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}

// parseClassPools reads "general=general;staff=staff,general". Every class on
// either side must be known.
func parseClassPools(raw string) (domain.ClassPools, error) {
	pools := domain.ClassPools{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		requested, eligible, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("CLASS_POOLS entry %q: missing '='", entry)
		}
		class, err := domain.ParseSpotClass(strings.TrimSpace(requested))
		if err != nil {
			return nil, fmt.Errorf("CLASS_POOLS: %w", err)
		}
		for _, name := range strings.Split(eligible, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			member, err := domain.ParseSpotClass(name)
			if err != nil {
				return nil, fmt.Errorf("CLASS_POOLS: %w", err)
			}
			pools[class] = append(pools[class], member)
		}
	}
	return pools, nil
}

func loadSeed(path string) ([]domain.Spot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var spots []domain.Spot
	if err := json.Unmarshal(raw, &spots); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return spots, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
