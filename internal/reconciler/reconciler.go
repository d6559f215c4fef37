package reconciler

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/compute"
	"github.com/boxdhq/boxd-control-plane/internal/config"
	"github.com/boxdhq/boxd-control-plane/internal/metrics"
	"github.com/boxdhq/boxd-control-plane/internal/model"
)

type Store interface {
	UpsertInstance(ctx context.Context, instanceID string, tier model.Tier, address string) error
	MarkInstanceTerminating(ctx context.Context, instanceID string) error
	DeleteInstance(ctx context.Context, instanceID string) error
	ListInstancesByTier(ctx context.Context, tier model.Tier) ([]*model.PoolInstance, error)
	ListTerminatingInstances(ctx context.Context) ([]*model.PoolInstance, error)
	ListOrphanedAssigned(ctx context.Context) ([]*model.PoolInstance, error)
	ReleaseInstance(ctx context.Context, instanceID string) error
	CountAvailable(ctx context.Context, tier model.Tier) (int, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error)
}

// Terminator is the session manager's termination path; expiry goes through
// it so quota and instance release happen exactly the same way as an
// explicit terminate.
type Terminator interface {
	Terminate(ctx context.Context, sessionID, reason string) (*model.Session, error)
}

// Runner is the scheduled self-healing pass over pool and session state.
// Every step is idempotent or CAS-guarded, so overlapping runs (or a second
// reconciler process) stay correct.
type Runner struct {
	store    Store
	backend  compute.Backend
	sessions Terminator
	cfg      config.Config
	now      func() time.Time

	// Scale-down bookkeeping is process-local; a second reconciler can at
	// worst issue one extra decrease, bounded by the low-water check.
	idleSince     map[model.Tier]time.Time
	lastScaleDown map[model.Tier]time.Time
}

func NewRunner(st Store, backend compute.Backend, sessions Terminator, cfg config.Config) *Runner {
	return &Runner{
		store:         st,
		backend:       backend,
		sessions:      sessions,
		cfg:           cfg,
		now:           time.Now,
		idleSince:     make(map[model.Tier]time.Time),
		lastScaleDown: make(map[model.Tier]time.Time),
	}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, r.cfg.ReconcileInterval)
}

func (r *Runner) runEvery(ctx context.Context, interval time.Duration) {
	r.RunOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one full reconciliation pass. Steps are best-effort: a
// failing step is logged and counted, and the rest still run.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, tier := range r.tiers() {
		r.runStep(ctx, "sync_pool", func(c context.Context) error { return r.syncPool(c, tier) })
	}
	r.runStep(ctx, "expire_sessions", r.expireSessions)
	r.runStep(ctx, "reclaim_orphans", r.reclaimOrphans)
	r.runStep(ctx, "drain_terminating", r.drainTerminating)
	for _, tier := range r.tiers() {
		r.runStep(ctx, "scale", func(c context.Context) error { return r.scale(c, tier) })
	}
}

func (r *Runner) tiers() []model.Tier {
	out := make([]model.Tier, 0, len(r.cfg.Tiers))
	for tier := range r.cfg.Tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Runner) runStep(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMS := float64(time.Since(start).Milliseconds())
	labels := map[string]string{"step": name}
	if err != nil {
		log.Printf("event=reconcile_step step=%s status=error duration_ms=%d err=%q", name, int64(durMS), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("boxd_reconcile_runs_total", labels)
		metrics.Default().ObserveHistogram("boxd_reconcile_duration_ms", durMS, map[string]string{"step": name})
		return
	}
	log.Printf("event=reconcile_step step=%s status=ok duration_ms=%d", name, int64(durMS))
	labels["status"] = "ok"
	metrics.Default().IncCounter("boxd_reconcile_runs_total", labels)
	metrics.Default().ObserveHistogram("boxd_reconcile_duration_ms", durMS, map[string]string{"step": name})
}

// syncPool folds the backend's view of the fleet into the store: live
// instances are upserted, vanished ones are marked terminating (if still
// assigned) or dropped. Upserts never touch allocation status, so syncing
// races safely with the claim path.
func (r *Runner) syncPool(ctx context.Context, tier model.Tier) error {
	live, err := r.backend.ListInstances(ctx, tier)
	if err != nil {
		return err
	}
	liveByID := make(map[string]compute.Instance, len(live))
	for _, inst := range live {
		if inst.State == compute.StateGone {
			continue
		}
		liveByID[inst.ID] = inst
		if err := r.store.UpsertInstance(ctx, inst.ID, tier, inst.Address); err != nil {
			return err
		}
	}

	stored, err := r.store.ListInstancesByTier(ctx, tier)
	if err != nil {
		return err
	}
	counts := map[model.InstanceStatus]int{}
	for _, rec := range stored {
		if _, ok := liveByID[rec.InstanceID]; !ok {
			if rec.Status == model.InstanceAssigned {
				if err := r.store.MarkInstanceTerminating(ctx, rec.InstanceID); err != nil {
					return err
				}
			} else if err := r.store.DeleteInstance(ctx, rec.InstanceID); err != nil {
				return err
			}
			continue
		}
		counts[rec.Status]++
	}
	for _, status := range []model.InstanceStatus{model.InstanceAvailable, model.InstanceAssigned, model.InstanceTerminating} {
		metrics.Default().SetGauge("boxd_pool_instances", float64(counts[status]), map[string]string{
			"tier":   string(tier),
			"status": string(status),
		})
	}
	return nil
}

// expireSessions terminates sessions past their TTL through the shared
// termination path. The session's own terminal-state check makes duplicate
// runs harmless.
func (r *Runner) expireSessions(ctx context.Context) error {
	expired, err := r.store.ListExpiredSessions(ctx, r.now().UTC(), 100)
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if _, err := r.sessions.Terminate(ctx, sess.ID, "ttl_expired"); err != nil {
			log.Printf("event=expire_failed session_id=%s err=%v", sess.ID, err)
		}
	}
	return nil
}

// reclaimOrphans releases assigned instances whose session no longer exists
// or already reached a terminal state (crashed clients, interrupted
// terminations).
func (r *Runner) reclaimOrphans(ctx context.Context) error {
	orphans, err := r.store.ListOrphanedAssigned(ctx)
	if err != nil {
		return err
	}
	for _, inst := range orphans {
		if err := r.store.ReleaseInstance(ctx, inst.InstanceID); err != nil {
			log.Printf("event=orphan_release_failed instance_id=%s err=%v", inst.InstanceID, err)
		}
	}
	return nil
}

// drainTerminating finishes off instances parked in terminating: terminate
// at the backend, then drop the record.
func (r *Runner) drainTerminating(ctx context.Context) error {
	draining, err := r.store.ListTerminatingInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range draining {
		if err := r.backend.TerminateInstance(ctx, inst.InstanceID); err != nil {
			log.Printf("event=drain_terminate_failed instance_id=%s err=%v", inst.InstanceID, err)
			continue
		}
		if err := r.store.DeleteInstance(ctx, inst.InstanceID); err != nil {
			log.Printf("event=drain_delete_failed instance_id=%s err=%v", inst.InstanceID, err)
		}
	}
	return nil
}

// scale keeps each tier's available count between its water marks: below the
// low-water mark requests one more instance (capped at the pool maximum),
// sustained idle above the high-water mark requests one fewer, behind a
// cooldown so the pool does not oscillate.
func (r *Runner) scale(ctx context.Context, tier model.Tier) error {
	tc, ok := r.cfg.Tiers[tier]
	if !ok {
		return nil
	}
	available, err := r.store.CountAvailable(ctx, tier)
	if err != nil {
		return err
	}
	live, err := r.backend.ListInstances(ctx, tier)
	if err != nil {
		return err
	}
	liveCount := 0
	for _, inst := range live {
		if inst.State == compute.StateRunning || inst.State == compute.StatePending {
			liveCount++
		}
	}
	now := r.now().UTC()

	if available < tc.PoolLowWater && liveCount < tc.MaxPoolSize {
		delete(r.idleSince, tier)
		metrics.Default().IncCounter("boxd_scale_requests_total", map[string]string{"tier": string(tier), "direction": "out"})
		return r.backend.SetDesiredCapacity(ctx, tier, liveCount+1)
	}

	if available > tc.PoolHighWater && liveCount > 0 {
		idleSince, tracking := r.idleSince[tier]
		if !tracking {
			r.idleSince[tier] = now
			return nil
		}
		if now.Sub(idleSince) < r.cfg.ScaleDownCooldown {
			return nil
		}
		if last, ok := r.lastScaleDown[tier]; ok && now.Sub(last) < r.cfg.ScaleDownCooldown {
			return nil
		}
		r.lastScaleDown[tier] = now
		delete(r.idleSince, tier)
		metrics.Default().IncCounter("boxd_scale_requests_total", map[string]string{"tier": string(tier), "direction": "in"})
		return r.backend.SetDesiredCapacity(ctx, tier, liveCount-1)
	}

	delete(r.idleSince, tier)
	return nil
}
