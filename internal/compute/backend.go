package compute

import (
	"context"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

type InstanceState string

const (
	StateRunning InstanceState = "running"
	StatePending InstanceState = "pending"
	StateStopped InstanceState = "stopped"
	StateGone    InstanceState = "gone"
)

type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Instance is one fleet member as the backend reports it.
type Instance struct {
	ID      string
	Tier    model.Tier
	State   InstanceState
	Address string
}

// Backend is the control-plane contract with the compute fleet. The store is
// only eventually consistent with it; callers that are about to hand an
// instance to a user verify through DescribeHealth first.
type Backend interface {
	ListInstances(ctx context.Context, tier model.Tier) ([]Instance, error)
	SetDesiredCapacity(ctx context.Context, tier model.Tier, n int) error
	DescribeHealth(ctx context.Context, instanceID string) (Health, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}
