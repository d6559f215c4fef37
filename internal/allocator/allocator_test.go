package allocator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxdhq/boxd-control-plane/internal/compute"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

// fakePool mirrors the store's conditional-claim semantics under a mutex so
// concurrent TryClaim calls race the same way they do against postgres.
type fakePool struct {
	mu           sync.Mutex
	instances    map[string]*model.PoolInstance
	conflictOnce map[string]bool
}

func newFakePool() *fakePool {
	return &fakePool{
		instances:    make(map[string]*model.PoolInstance),
		conflictOnce: make(map[string]bool),
	}
}

func (p *fakePool) add(id string, tier model.Tier, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[id] = &model.PoolInstance{InstanceID: id, Tier: tier, Status: model.InstanceAvailable, Address: address}
}

func (p *fakePool) ListAvailableInstances(_ context.Context, tier model.Tier, limit int) ([]*model.PoolInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.PoolInstance, 0)
	for _, inst := range p.instances {
		if inst.Tier == tier && inst.Status == model.InstanceAvailable {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePool) ClaimInstance(_ context.Context, instanceID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conflictOnce[instanceID] {
		delete(p.conflictOnce, instanceID)
		return store.ErrClaimConflict
	}
	inst, ok := p.instances[instanceID]
	if !ok || inst.Status != model.InstanceAvailable {
		return store.ErrClaimConflict
	}
	inst.Status = model.InstanceAssigned
	inst.SessionID = &sessionID
	return nil
}

func (p *fakePool) UpsertInstance(_ context.Context, instanceID string, tier model.Tier, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[instanceID]; ok {
		inst.Tier = tier
		inst.Address = address
		return nil
	}
	p.instances[instanceID] = &model.PoolInstance{InstanceID: instanceID, Tier: tier, Status: model.InstanceAvailable, Address: address}
	return nil
}

func (p *fakePool) GetInstance(_ context.Context, instanceID string) (*model.PoolInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func maxPool(n int) func(model.Tier) int {
	return func(model.Tier) int { return n }
}

func TestTryClaim_ClaimsAvailableInstance(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()
	pool.add("i-0001", model.TierBasic, "10.0.0.11")
	backend.AddInstance("i-0001", model.TierBasic, "10.0.0.11")

	a := New(pool, backend, maxPool(10))
	inst, err := a.TryClaim(context.Background(), model.TierBasic, "ses_a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, "i-0001", inst.InstanceID)
	require.Equal(t, model.InstanceAssigned, inst.Status)
	require.NotNil(t, inst.SessionID)
	require.Equal(t, "ses_a", *inst.SessionID)
}

func TestTryClaim_SkipsUnhealthyCandidate(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()
	pool.add("i-0001", model.TierBasic, "10.0.0.11")
	pool.add("i-0002", model.TierBasic, "10.0.0.12")
	backend.AddInstance("i-0001", model.TierBasic, "10.0.0.11")
	backend.AddInstance("i-0002", model.TierBasic, "10.0.0.12")
	backend.SetUnhealthy("i-0001", true)

	a := New(pool, backend, maxPool(10))
	inst, err := a.TryClaim(context.Background(), model.TierBasic, "ses_a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, "i-0002", inst.InstanceID)

	first, err := pool.GetInstance(context.Background(), "i-0001")
	require.NoError(t, err)
	require.Equal(t, model.InstanceAvailable, first.Status)
}

func TestTryClaim_LostRace_MovesToNextCandidate(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()
	pool.add("i-0001", model.TierBasic, "10.0.0.11")
	pool.add("i-0002", model.TierBasic, "10.0.0.12")
	backend.AddInstance("i-0001", model.TierBasic, "10.0.0.11")
	backend.AddInstance("i-0002", model.TierBasic, "10.0.0.12")
	pool.conflictOnce["i-0001"] = true

	a := New(pool, backend, maxPool(10))
	inst, err := a.TryClaim(context.Background(), model.TierBasic, "ses_a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, "i-0002", inst.InstanceID)
}

func TestTryClaim_BackendScan_RecoversUnsyncedInstance(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()
	backend.AddInstance("i-0007", model.TierStandard, "10.0.0.17")

	a := New(pool, backend, maxPool(10))
	inst, err := a.TryClaim(context.Background(), model.TierStandard, "ses_a")
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, "i-0007", inst.InstanceID)
	require.Equal(t, model.InstanceAssigned, inst.Status)
}

func TestTryClaim_EmptyPool_RequestsScaleOut(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()

	a := New(pool, backend, maxPool(10))
	inst, err := a.TryClaim(context.Background(), model.TierBasic, "ses_a")
	require.NoError(t, err)
	require.Nil(t, inst)
	require.Equal(t, 1, backend.DesiredCapacity(model.TierBasic))
}

func TestRequestScaleOut_CappedAtMaxPoolSize(t *testing.T) {
	pool := newFakePool()
	backend := compute.NewFakeBackend()
	backend.AddInstance("i-0001", model.TierBasic, "10.0.0.11")
	backend.AddInstance("i-0002", model.TierBasic, "10.0.0.12")

	a := New(pool, backend, maxPool(2))
	require.NoError(t, a.RequestScaleOut(context.Background(), model.TierBasic))
	require.Equal(t, 0, backend.DesiredCapacity(model.TierBasic))
}

func TestTryClaim_Concurrent_NoInstanceClaimedTwice(t *testing.T) {
	const workers = 20
	const fleet = 4

	pool := newFakePool()
	backend := compute.NewFakeBackend()
	for i := 1; i <= fleet; i++ {
		id := fmt.Sprintf("i-%04d", i)
		addr := fmt.Sprintf("10.0.0.%d", 10+i)
		pool.add(id, model.TierBasic, addr)
		backend.AddInstance(id, model.TierBasic, addr)
	}

	a := New(pool, backend, maxPool(fleet))

	var wg sync.WaitGroup
	results := make([]*model.PoolInstance, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			inst, err := a.TryClaim(context.Background(), model.TierBasic, fmt.Sprintf("ses_%02d", w))
			if err != nil {
				t.Errorf("worker %d: unexpected error: %v", w, err)
				return
			}
			results[w] = inst
		}(w)
	}
	wg.Wait()

	claimedBy := make(map[string]string)
	claims := 0
	for w, inst := range results {
		if inst == nil {
			continue
		}
		claims++
		if prev, ok := claimedBy[inst.InstanceID]; ok {
			t.Fatalf("instance %s claimed by both %s and session of worker %d", inst.InstanceID, prev, w)
		}
		claimedBy[inst.InstanceID] = fmt.Sprintf("ses_%02d", w)
	}
	require.Equal(t, fleet, claims)

	for id, sessionID := range claimedBy {
		inst, err := pool.GetInstance(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, model.InstanceAssigned, inst.Status)
		require.NotNil(t, inst.SessionID)
		require.Equal(t, sessionID, *inst.SessionID)
	}
}
