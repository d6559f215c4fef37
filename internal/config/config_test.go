package config

import (
	"testing"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

func TestLoadFromEnv_DefaultsAndTierOverrides(t *testing.T) {
	t.Setenv("BOXD_DATABASE_URL", "postgres://localhost/boxd")
	t.Setenv("BOXD_JWT_SECRET", "test-secret")
	t.Setenv("BOXD_TIER_BASIC_QUOTA_MINUTES", "450")
	t.Setenv("BOXD_TIER_BASIC_MAX_POOL_SIZE", "12")
	t.Setenv("BOXD_SESSION_TTL", "90m")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.ComputeProvider != "fake" {
		t.Fatalf("unexpected provider: %s", cfg.ComputeProvider)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Fatalf("unexpected ttl: %s", cfg.SessionTTL)
	}

	basic := cfg.Tiers[model.TierBasic]
	if basic.QuotaMinutes != 450 {
		t.Fatalf("expected quota override, got %d", basic.QuotaMinutes)
	}
	if basic.MaxPoolSize != 12 {
		t.Fatalf("expected pool size override, got %d", basic.MaxPoolSize)
	}
	standard := cfg.Tiers[model.TierStandard]
	if standard.QuotaMinutes != 600 {
		t.Fatalf("expected standard default quota, got %d", standard.QuotaMinutes)
	}
	premium := cfg.Tiers[model.TierPremium]
	if premium.QuotaMinutes != 0 {
		t.Fatalf("expected premium unlimited quota, got %d", premium.QuotaMinutes)
	}
}

func TestLoadFromEnv_MissingDatabaseURLFails(t *testing.T) {
	t.Setenv("BOXD_DATABASE_URL", "")
	t.Setenv("BOXD_JWT_SECRET", "test-secret")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing database url")
	}
}

func TestLoadFromEnv_AWSProviderRequiresASGNames(t *testing.T) {
	t.Setenv("BOXD_DATABASE_URL", "postgres://localhost/boxd")
	t.Setenv("BOXD_JWT_SECRET", "test-secret")
	t.Setenv("BOXD_COMPUTE_PROVIDER", "aws")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing asg names")
	}

	t.Setenv("BOXD_TIER_BASIC_ASG_NAME", "boxd-basic")
	t.Setenv("BOXD_TIER_STANDARD_ASG_NAME", "boxd-standard")
	t.Setenv("BOXD_TIER_PREMIUM_ASG_NAME", "boxd-premium")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Tiers[model.TierBasic].ASGName != "boxd-basic" {
		t.Fatalf("unexpected asg name: %s", cfg.Tiers[model.TierBasic].ASGName)
	}
}

func TestLoadFromEnv_GatewayURLRequiresSharedKey(t *testing.T) {
	t.Setenv("BOXD_DATABASE_URL", "postgres://localhost/boxd")
	t.Setenv("BOXD_JWT_SECRET", "test-secret")
	t.Setenv("BOXD_GATEWAY_URL", "https://gateway.internal")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing shared key")
	}

	t.Setenv("BOXD_GATEWAY_SHARED_KEY", "shared-key")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("load config: %v", err)
	}
}

func TestEnvHelpers_IgnoreInvalidValues(t *testing.T) {
	t.Setenv("BOXD_TEST_POSITIVE", "-3")
	if got := ParsePositiveIntEnv("BOXD_TEST_POSITIVE", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("BOXD_TEST_NONNEG", "0")
	if got := ParseNonNegativeIntEnv("BOXD_TEST_NONNEG", 7); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	t.Setenv("BOXD_TEST_DURATION", "nope")
	if got := envDuration("BOXD_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback duration, got %s", got)
	}
}
