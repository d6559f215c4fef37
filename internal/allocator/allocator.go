package allocator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/compute"
	"github.com/boxdhq/boxd-control-plane/internal/metrics"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

// claimBudget bounds how many candidates one TryClaim walks before giving up
// to the slow path. Lost races retry a different record, never the same one.
const claimBudget = 4

type PoolStore interface {
	ListAvailableInstances(ctx context.Context, tier model.Tier, limit int) ([]*model.PoolInstance, error)
	ClaimInstance(ctx context.Context, instanceID, sessionID string) error
	UpsertInstance(ctx context.Context, instanceID string, tier model.Tier, address string) error
	GetInstance(ctx context.Context, instanceID string) (*model.PoolInstance, error)
}

// Allocator claims pool instances for sessions. All coordination is the
// store's conditional claim write; the allocator itself holds no locks and
// any number of replicas may run it concurrently.
type Allocator struct {
	store       PoolStore
	backend     compute.Backend
	maxPoolSize func(model.Tier) int
}

func New(st PoolStore, backend compute.Backend, maxPoolSize func(model.Tier) int) *Allocator {
	return &Allocator{store: st, backend: backend, maxPoolSize: maxPoolSize}
}

// TryClaim attempts to bind an available, verified-healthy instance to the
// session. A nil instance with a nil error is the expected slow path: no
// capacity yet, a scale-out request has been issued, poll again.
func (a *Allocator) TryClaim(ctx context.Context, tier model.Tier, sessionID string) (*model.PoolInstance, error) {
	start := time.Now()
	inst, err := a.tryClaim(ctx, tier, sessionID)
	outcome := "claimed"
	switch {
	case err != nil:
		outcome = "error"
	case inst == nil:
		outcome = "miss"
	}
	metrics.Default().ObserveHistogram("boxd_allocation_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{
		"tier":    string(tier),
		"outcome": outcome,
	})
	return inst, err
}

func (a *Allocator) tryClaim(ctx context.Context, tier model.Tier, sessionID string) (*model.PoolInstance, error) {
	candidates, err := a.store.ListAvailableInstances(ctx, tier, claimBudget)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		// Store and backend are only eventually consistent: never hand out
		// an instance whose health the backend will not vouch for.
		health, err := a.backend.DescribeHealth(ctx, cand.InstanceID)
		if err != nil || health != compute.Healthy {
			if err != nil {
				log.Printf("event=claim_health_skip tier=%s instance_id=%s err=%v", tier, cand.InstanceID, err)
			}
			a.countClaim(tier, "skipped_unhealthy")
			continue
		}
		if err := a.store.ClaimInstance(ctx, cand.InstanceID, sessionID); err != nil {
			if errors.Is(err, store.ErrClaimConflict) {
				a.countClaim(tier, "conflict")
				continue
			}
			return nil, err
		}
		a.countClaim(tier, "claimed")
		return a.claimedInstance(ctx, cand, sessionID)
	}

	// Store had nothing usable. Scan the backend directly: an instance can be
	// running and healthy while the store has not caught up yet.
	inst, err := a.claimFromBackendScan(ctx, tier, sessionID)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}

	a.countClaim(tier, "empty")
	if err := a.RequestScaleOut(ctx, tier); err != nil {
		log.Printf("event=scale_out_failed tier=%s err=%v", tier, err)
	}
	return nil, nil
}

func (a *Allocator) claimFromBackendScan(ctx context.Context, tier model.Tier, sessionID string) (*model.PoolInstance, error) {
	live, err := a.backend.ListInstances(ctx, tier)
	if err != nil {
		// Backend drift repair is an optimization; the reconciler will catch
		// up on its next pass.
		log.Printf("event=backend_scan_failed tier=%s err=%v", tier, err)
		return nil, nil
	}

	budget := claimBudget
	for _, cand := range live {
		if budget == 0 {
			break
		}
		if cand.State != compute.StateRunning {
			continue
		}
		health, err := a.backend.DescribeHealth(ctx, cand.ID)
		if err != nil || health != compute.Healthy {
			continue
		}
		budget--
		// Upsert keeps an existing record's allocation status, so the claim
		// below still loses cleanly if the instance is already assigned.
		if err := a.store.UpsertInstance(ctx, cand.ID, tier, cand.Address); err != nil {
			return nil, err
		}
		if err := a.store.ClaimInstance(ctx, cand.ID, sessionID); err != nil {
			if errors.Is(err, store.ErrClaimConflict) {
				a.countClaim(tier, "conflict")
				continue
			}
			return nil, err
		}
		a.countClaim(tier, "claimed")
		return a.store.GetInstance(ctx, cand.ID)
	}
	return nil, nil
}

// RequestScaleOut asks the backend for one more instance of the tier, capped
// at the configured pool maximum.
func (a *Allocator) RequestScaleOut(ctx context.Context, tier model.Tier) error {
	live, err := a.backend.ListInstances(ctx, tier)
	if err != nil {
		return err
	}
	maxSize := a.maxPoolSize(tier)
	if len(live) >= maxSize {
		log.Printf("event=scale_out_capped tier=%s live=%d max=%d", tier, len(live), maxSize)
		return nil
	}
	metrics.Default().IncCounter("boxd_scale_requests_total", map[string]string{"tier": string(tier), "direction": "out"})
	return a.backend.SetDesiredCapacity(ctx, tier, len(live)+1)
}

func (a *Allocator) claimedInstance(ctx context.Context, cand *model.PoolInstance, sessionID string) (*model.PoolInstance, error) {
	claimed := *cand
	claimed.Status = model.InstanceAssigned
	claimed.SessionID = &sessionID
	// Re-read for the fresh sync timestamp; the claim itself already
	// succeeded, so a read failure here falls back to the local copy.
	if fresh, err := a.store.GetInstance(ctx, cand.InstanceID); err == nil {
		return fresh, nil
	}
	return &claimed, nil
}

func (a *Allocator) countClaim(tier model.Tier, outcome string) {
	metrics.Default().IncCounter("boxd_claim_attempts_total", map[string]string{
		"tier":    string(tier),
		"outcome": outcome,
	})
}
