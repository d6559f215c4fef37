package model

import "time"

type SessionStatus string

const (
	SessionPending      SessionStatus = "pending"
	SessionProvisioning SessionStatus = "provisioning"
	SessionReady        SessionStatus = "ready"
	SessionActive       SessionStatus = "active"
	SessionTerminated   SessionStatus = "terminated"
	SessionError        SessionStatus = "error"
)

// Terminal reports whether no further status transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionTerminated || s == SessionError
}

type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

func ValidTier(t string) bool {
	switch Tier(t) {
	case TierBasic, TierStandard, TierPremium:
		return true
	}
	return false
}

// Session error sub-reasons, surfaced so clients can distinguish
// "no capacity" from "capacity found but unreachable".
const (
	ReasonAllocationTimeout  = "allocation_timeout"
	ReasonGatewayUnreachable = "gateway_unreachable"
)

type Session struct {
	ID              string
	UserID          string
	Tier            Tier
	Status          SessionStatus
	InstanceID      *string
	InstanceAddress string
	ConnectionInfo  []byte
	ErrorReason     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	TerminatedAt    *time.Time
}

type InstanceStatus string

const (
	InstanceAvailable   InstanceStatus = "available"
	InstanceAssigned    InstanceStatus = "assigned"
	InstanceTerminating InstanceStatus = "terminating"
)

// PoolInstance is the stored allocation state of one fleet instance,
// independent of whether the backend currently reports it running.
type PoolInstance struct {
	InstanceID   string
	Tier         Tier
	Status       InstanceStatus
	SessionID    *string
	Address      string
	LastSyncedAt time.Time
}

// UsageEntry is one (user, calendar month) consumption row.
// QuotaMinutes == 0 means unlimited.
type UsageEntry struct {
	UserID          string
	Period          string
	Plan            Tier
	ConsumedMinutes int
	QuotaMinutes    int
	ResetAt         time.Time
}
