package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

// FakeBackend is an in-memory fleet used in dev mode and tests. Raising
// desired capacity materializes running instances immediately.
type FakeBackend struct {
	mu        sync.Mutex
	seq       int
	instances map[string]Instance
	unhealthy map[string]bool
	desired   map[model.Tier]int
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		instances: make(map[string]Instance),
		unhealthy: make(map[string]bool),
		desired:   make(map[model.Tier]int),
	}
}

func (f *FakeBackend) ListInstances(_ context.Context, tier model.Tier) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Instance, 0)
	for _, inst := range f.instances {
		if inst.Tier == tier {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *FakeBackend) SetDesiredCapacity(_ context.Context, tier model.Tier, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired[tier] = n
	running := 0
	for _, inst := range f.instances {
		if inst.Tier == tier {
			running++
		}
	}
	for running < n {
		f.seq++
		id := fmt.Sprintf("i-fake-%s-%04d", tier, f.seq)
		f.instances[id] = Instance{
			ID:      id,
			Tier:    tier,
			State:   StateRunning,
			Address: fmt.Sprintf("10.0.%d.%d", f.seq/250, 10+f.seq%250),
		}
		running++
	}
	return nil
}

func (f *FakeBackend) DescribeHealth(_ context.Context, instanceID string) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return Unhealthy, nil
	}
	if f.unhealthy[instanceID] || inst.State != StateRunning {
		return Unhealthy, nil
	}
	return Healthy, nil
}

func (f *FakeBackend) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, instanceID)
	delete(f.unhealthy, instanceID)
	return nil
}

// AddInstance seeds a running instance, for tests and pre-warmed dev pools.
func (f *FakeBackend) AddInstance(id string, tier model.Tier, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id] = Instance{ID: id, Tier: tier, State: StateRunning, Address: address}
}

// SetUnhealthy flips an instance's health report without removing it.
func (f *FakeBackend) SetUnhealthy(id string, unhealthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[id] = unhealthy
}

// DesiredCapacity reports the last requested capacity for a tier.
func (f *FakeBackend) DesiredCapacity(tier model.Tier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desired[tier]
}
