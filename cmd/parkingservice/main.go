package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/parkhold/internal/http/middleware"
	outboxworker "github.com/example/parkhold/internal/outbox"
	"github.com/example/parkhold/internal/parking/allocation"
	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/handler"
	"github.com/example/parkhold/internal/parking/repository"
	"github.com/example/parkhold/internal/parking/rpc"
	"github.com/example/parkhold/internal/parking/service"
	"github.com/example/parkhold/internal/parking/sweeper"
	"github.com/example/parkhold/pkg/observability"
	outboxpkg "github.com/example/parkhold/pkg/outbox"
)

const idempotencyTTL = 24 * time.Hour

type stores struct {
	spots        domain.SpotStore
	reservations domain.ReservationStore
	idempotency  domain.IdempotencyRepository
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := loadConfig()
	logger := observability.SetupLogger("parking-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "parking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var db *sql.DB
	if cfg.StoreBackend == "postgres" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		checks["postgres"] = db.PingContext
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("parkingservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	st := buildStores(cfg, redisClient, db)

	var events domain.EventPublisher
	if db == nil {
		events = outboxpkg.NewPublisher(natsConn, outboxpkg.DefaultSubject)
	}

	svc := service.New(service.Deps{
		Spots:        st.spots,
		Reservations: st.reservations,
		Events:       events,
		Clock:        domain.SystemClock{},
		Idempotency:  st.idempotency,
		Logger:       logger,
		HoldDuration: cfg.HoldDuration,
		Random: allocation.RandomConfig{
			MaxAttempts: cfg.RandomAttempts,
			Backoff:     cfg.RandomBackoff,
			Pools:       cfg.ClassPools,
		},
	})

	if cfg.SeedFile != "" {
		spots, err := loadSeed(cfg.SeedFile)
		if err != nil {
			logger.Fatal("load seed", zap.Error(err))
		}
		n, err := svc.SeedSpots(ctx, spots)
		if err != nil {
			logger.Fatal("seed spots", zap.Error(err))
		}
		logger.Info("seeded spots", zap.Int("inserted", n), zap.Int("total", len(spots)))
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if db != nil {
		logger.Warn("outbox relay disabled without NATS; events stay in the outbox table")
	}

	if cfg.SweepInterval > 0 {
		sweep := sweeper.NewWorker(svc.Reclaimer(), cfg.SweepInterval, logger.Named("sweeper"))
		go func() {
			if err := sweep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper stopped", zap.Error(err))
			}
		}()
	}

	limiter := middleware.NewRateLimiter(redisClient, middleware.Budgets{
		Read:    middleware.RateConfig{Rate: cfg.ReadRate, Burst: cfg.ReadBurst},
		Hold:    middleware.RateConfig{Rate: cfg.HoldRate, Burst: cfg.HoldBurst},
		Release: middleware.RateConfig{Rate: cfg.ReleaseRate, Burst: cfg.ReleaseBurst},
	})

	parkingHTTP := handler.NewHTTP(svc, handler.Options{
		Secret: cfg.JWTSecret,
		Limit:  limiter.Middleware,
		Logger: logger.Named("http"),
	})

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", parkingHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("parking service listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	if cfg.GRPCAddr != "" {
		grpcSrv := rpc.NewGRPCServer(svc, cfg.JWTSecret, logger.Named("grpc"))
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		go func() {
			logger.Info("parking grpc listening", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildStores(cfg appConfig, redisClient *redis.Client, db *sql.DB) stores {
	switch cfg.StoreBackend {
	case "redis":
		return stores{
			spots:        repository.NewRedisSpotStore(redisClient, ""),
			reservations: repository.NewRedisReservationStore(redisClient, ""),
			idempotency:  repository.NewRedisIdempotencyRepo(redisClient, "", idempotencyTTL),
		}
	case "postgres":
		st := stores{
			spots:        repository.NewPostgresSpotStore(db),
			reservations: repository.NewPostgresReservationStore(db, outboxpkg.DefaultSubject),
			idempotency:  repository.NewMemoryIdempotencyRepo(idempotencyTTL),
		}
		if redisClient != nil {
			st.idempotency = repository.NewRedisIdempotencyRepo(redisClient, "", idempotencyTTL)
		}
		return st
	default:
		return stores{
			spots:        repository.NewMemorySpotStore(),
			reservations: repository.NewMemoryReservationStore(),
			idempotency:  repository.NewMemoryIdempotencyRepo(idempotencyTTL),
		}
	}
}
