package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

type TierConfig struct {
	QuotaMinutes  int
	PoolLowWater  int
	PoolHighWater int
	MaxPoolSize   int
	ASGName       string
}

type Config struct {
	ListenAddr        string
	DatabaseURL       string
	JWTSecret         string
	GatewayURL        string
	GatewaySharedKey  string
	ComputeProvider   string
	AWSRegion         string
	SessionTTL        time.Duration
	MaxSessionsPer    int
	AllocationTimeout time.Duration
	ReconcileInterval time.Duration
	ScaleDownCooldown time.Duration
	ReuseInstances    bool
	Tiers             map[model.Tier]TierConfig
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:        envOrDefault("BOXD_LISTEN_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("BOXD_DATABASE_URL"),
		JWTSecret:         os.Getenv("BOXD_JWT_SECRET"),
		GatewayURL:        os.Getenv("BOXD_GATEWAY_URL"),
		GatewaySharedKey:  os.Getenv("BOXD_GATEWAY_SHARED_KEY"),
		ComputeProvider:   envOrDefault("BOXD_COMPUTE_PROVIDER", "fake"),
		AWSRegion:         envOrDefault("BOXD_AWS_REGION", "us-east-1"),
		SessionTTL:        envDuration("BOXD_SESSION_TTL", 2*time.Hour),
		MaxSessionsPer:    ParsePositiveIntEnv("BOXD_MAX_SESSIONS_PER_USER", 1),
		AllocationTimeout: envDuration("BOXD_ALLOCATION_TIMEOUT", 5*time.Minute),
		ReconcileInterval: envDuration("BOXD_RECONCILE_INTERVAL", time.Minute),
		ScaleDownCooldown: envDuration("BOXD_SCALE_DOWN_COOLDOWN", 10*time.Minute),
		ReuseInstances:    envBool("BOXD_REUSE_INSTANCES", true),
		Tiers:             defaultTiers(),
	}

	for tier := range cfg.Tiers {
		tc := cfg.Tiers[tier]
		upper := strings.ToUpper(string(tier))
		tc.QuotaMinutes = ParseNonNegativeIntEnv("BOXD_TIER_"+upper+"_QUOTA_MINUTES", tc.QuotaMinutes)
		tc.PoolLowWater = ParseNonNegativeIntEnv("BOXD_TIER_"+upper+"_POOL_LOW_WATER", tc.PoolLowWater)
		tc.PoolHighWater = ParseNonNegativeIntEnv("BOXD_TIER_"+upper+"_POOL_HIGH_WATER", tc.PoolHighWater)
		tc.MaxPoolSize = ParsePositiveIntEnv("BOXD_TIER_"+upper+"_MAX_POOL_SIZE", tc.MaxPoolSize)
		if raw := os.Getenv("BOXD_TIER_" + upper + "_ASG_NAME"); raw != "" {
			tc.ASGName = raw
		}
		cfg.Tiers[tier] = tc
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("BOXD_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("BOXD_JWT_SECRET is required")
	}
	if cfg.ComputeProvider != "fake" && cfg.ComputeProvider != "aws" {
		return Config{}, fmt.Errorf("BOXD_COMPUTE_PROVIDER must be one of fake|aws")
	}
	if cfg.ComputeProvider == "aws" {
		for tier, tc := range cfg.Tiers {
			if tc.ASGName == "" {
				return Config{}, fmt.Errorf("BOXD_TIER_%s_ASG_NAME is required for aws compute provider", strings.ToUpper(string(tier)))
			}
		}
	}
	if cfg.GatewayURL != "" && cfg.GatewaySharedKey == "" {
		return Config{}, fmt.Errorf("BOXD_GATEWAY_SHARED_KEY is required when BOXD_GATEWAY_URL is set")
	}
	return cfg, nil
}

func defaultTiers() map[model.Tier]TierConfig {
	return map[model.Tier]TierConfig{
		model.TierBasic:    {QuotaMinutes: 300, PoolLowWater: 1, PoolHighWater: 4, MaxPoolSize: 10},
		model.TierStandard: {QuotaMinutes: 600, PoolLowWater: 2, PoolHighWater: 6, MaxPoolSize: 20},
		model.TierPremium:  {QuotaMinutes: 0, PoolLowWater: 1, PoolHighWater: 3, MaxPoolSize: 5},
	}
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func envDuration(k string, d time.Duration) time.Duration {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return d
	}
	return parsed
}

func envBool(k string, d bool) bool {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return d
	}
	return parsed
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func ParseNonNegativeIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return d
	}
	return n
}
