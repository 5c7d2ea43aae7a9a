package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"nexa-erp.dev/internal/access"
	"nexa-erp.dev/internal/audit"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/authz"
	"nexa-erp.dev/internal/config"
	"nexa-erp.dev/internal/httpapi"
	"nexa-erp.dev/internal/obs"
	"nexa-erp.dev/internal/store/memory"
	"nexa-erp.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// readiness fails on the first unhealthy dependency.
type readiness []httpapi.ReadinessChecker

func (r readiness) Check(ctx context.Context) error {
	for _, c := range r {
		if err := c.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

type repository interface {
	auth.Store
	access.Store
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) Check(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (метрики, build_info, трейсинг)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, cfg.OTLPEndpoint, "nexa-auth", version)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	var (
		store  repository
		checks readiness
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		checks = append(checks, pgStore)
	} else {
		obs.Warn("using in-memory store", map[string]any{"env": cfg.Env})
		store = memory.New()
	}

	var limiter auth.AttemptLimiter = auth.NewMemoryLimiter(cfg.LimiterPolicy(), time.Now)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = auth.NewRedisLimiter(rdb, cfg.LimiterPolicy())
		checks = append(checks, checkFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	hub := audit.NewHub()
	events := audit.Multi(audit.LogPublisher{}, hub)
	engine, err := access.NewEngine(store, access.NewCache(cfg.PermissionCacheSize))
	if err != nil {
		log.Fatalf("permission engine: %v", err)
	}
	admin, err := access.NewAdmin(store, engine, events)
	if err != nil {
		log.Fatalf("access admin: %v", err)
	}
	go engine.Follow(hub.Subscribe(ctx))

	svc, err := auth.NewService(store, tokens,
		auth.WithLimiter(limiter),
		auth.WithModuleResolver(engine),
		auth.WithPublisher(events),
		auth.WithTOTP(auth.NewTOTP(cfg.MFAIssuer)),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Auth:      svc,
		Tenants:   authz.NewTenantResolver(store, engine),
		Engine:    engine,
		Admin:     admin,
		Ready:     checks,
		Version:   version,
		Cookie:    httpapi.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain},
		Origins:   cfg.Origins(),
		RateBurst: cfg.RateLimitBurst,
		RateRPS:   cfg.RateLimitRPS,
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		obs.Info("http_listen", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthSvc := httpapi.NewGRPCHealth(checks)
		healthSvc.Register(grpcSrv)
		go healthSvc.Run(ctx, 10*time.Second)
		go func() {
			obs.Info("grpc_listen", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		obs.Info("shutting_down", nil)
	case err := <-errc:
		obs.Error("server_failed", err, nil)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown", err, nil)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Error("tracing_shutdown", err, nil)
	}
	obs.Info("stopped", nil)
}
