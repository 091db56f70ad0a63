package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tokosync/backend/internal/config"
	"tokosync/backend/internal/httpapi"
	"tokosync/backend/internal/janitor"
	"tokosync/backend/internal/logger"
	"tokosync/backend/internal/nonce"
	"tokosync/backend/internal/service"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/store/memory"
	pgstore "tokosync/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("invalid logger configuration: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Info("repository: in-memory")
	}

	// The nonce store and the sweep lock share one redis. Without redis
	// the replay guarantee only holds per instance, which is fine for the
	// single-instance dev setup the memory repository targets.
	var nonceStore nonce.Store = nonce.NewMemoryStore()
	var locker *redislock.Client
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		redisNonces := nonce.NewRedisStore(client)
		if err := redisNonces.Ping(ctx); err != nil {
			zlog.Fatal("redis unavailable and REDIS_ADDR is set; refusing to start without shared replay protection", zap.Error(err))
		}
		nonceStore = redisNonces
		locker = redislock.New(client)
		closers = append(closers, redisNonces.Close)
		zlog.Info("nonce store: redis")
	} else {
		zlog.Info("nonce store: in-memory")
	}

	svc := service.New(repo, zlog, service.Config{
		VerificationURI:     cfg.VerificationURI,
		PairingTTL:          time.Duration(cfg.PairingTTLMinutes) * time.Minute,
		PollIntervalSeconds: cfg.PollIntervalSeconds,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	metrics := httpapi.NewMetrics()
	devices := httpapi.NewDeviceAuthenticator(repo, nonceStore, zlog, metrics, httpapi.DeviceAuthConfig{
		LockThreshold: cfg.LockThreshold,
		NonceTTL:      time.Duration(cfg.NonceTTLSeconds) * time.Second,
		MaxAge:        time.Duration(cfg.MaxTimestampAgeSeconds) * time.Second,
		ClockDrift:    time.Duration(cfg.ClockDriftSeconds) * time.Second,
	})
	api := httpapi.New(svc, auth, devices, metrics, zlog, cfg.AllowedOrigin, time.Duration(cfg.PollIntervalSeconds)*time.Second)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := janitor.New(svc, locker, zlog, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	go sweeper.Run(sweepCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("sync backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweep()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Warn("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
