package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/boxdhq/boxd-control-plane/internal/allocator"
	"github.com/boxdhq/boxd-control-plane/internal/api"
	"github.com/boxdhq/boxd-control-plane/internal/compute"
	"github.com/boxdhq/boxd-control-plane/internal/config"
	"github.com/boxdhq/boxd-control-plane/internal/gateway"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/quota"
	"github.com/boxdhq/boxd-control-plane/internal/session"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("init compute backend: %v", err)
	}
	broker := buildBroker(cfg)

	ledger := quota.NewLedger(st, quotaForTier(cfg), cfg.SessionTTL)
	alloc := allocator.New(st, backend, maxPoolSize(cfg))
	manager := session.NewManager(st, alloc, broker, ledger, session.Options{
		SessionTTL:        cfg.SessionTTL,
		MaxSessionsPer:    cfg.MaxSessionsPer,
		AllocationTimeout: cfg.AllocationTimeout,
		ReuseInstances:    cfg.ReuseInstances,
	})
	handler := api.NewRouter(cfg, manager, ledger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("boxd-control-plane listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func buildBackend(ctx context.Context, cfg config.Config) (compute.Backend, error) {
	if cfg.ComputeProvider == "aws" {
		asgByTier := make(map[model.Tier]string, len(cfg.Tiers))
		for tier, tc := range cfg.Tiers {
			asgByTier[tier] = tc.ASGName
		}
		return compute.NewAWSBackend(ctx, compute.AWSBackendOptions{
			Region:    cfg.AWSRegion,
			ASGByTier: asgByTier,
		})
	}
	return compute.NewFakeBackend(), nil
}

func buildBroker(cfg config.Config) gateway.Broker {
	if cfg.GatewayURL != "" {
		return gateway.NewHTTPBroker(cfg.GatewayURL, cfg.GatewaySharedKey)
	}
	return gateway.NewFakeBroker()
}

func quotaForTier(cfg config.Config) func(model.Tier) int {
	return func(tier model.Tier) int {
		return cfg.Tiers[tier].QuotaMinutes
	}
}

func maxPoolSize(cfg config.Config) func(model.Tier) int {
	return func(tier model.Tier) int {
		return cfg.Tiers[tier].MaxPoolSize
	}
}
