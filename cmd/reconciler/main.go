package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/boxdhq/boxd-control-plane/internal/allocator"
	"github.com/boxdhq/boxd-control-plane/internal/compute"
	"github.com/boxdhq/boxd-control-plane/internal/config"
	"github.com/boxdhq/boxd-control-plane/internal/gateway"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/quota"
	"github.com/boxdhq/boxd-control-plane/internal/reconciler"
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

	// Expiry runs through the same manager path as a user-initiated
	// terminate, so quota and instance release stay exactly-once.
	ledger := quota.NewLedger(st, func(tier model.Tier) int { return cfg.Tiers[tier].QuotaMinutes }, cfg.SessionTTL)
	alloc := allocator.New(st, backend, func(tier model.Tier) int { return cfg.Tiers[tier].MaxPoolSize })
	manager := session.NewManager(st, alloc, broker, ledger, session.Options{
		SessionTTL:        cfg.SessionTTL,
		MaxSessionsPer:    cfg.MaxSessionsPer,
		AllocationTimeout: cfg.AllocationTimeout,
		ReuseInstances:    cfg.ReuseInstances,
	})

	reconciler.NewRunner(st, backend, manager, cfg).Start(ctx)

	log.Printf("boxd-reconciler started interval=%s", cfg.ReconcileInterval)
	<-ctx.Done()
	log.Printf("boxd-reconciler stopping")
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
