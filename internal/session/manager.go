package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/gateway"
	"github.com/boxdhq/boxd-control-plane/internal/metrics"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/quota"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

var ErrInvalidTier = errors.New("invalid tier")

type Store interface {
	StartOrGetSession(ctx context.Context, in store.StartInput) (*model.Session, bool, error)
	GetActiveSessionForUser(ctx context.Context, userID string) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	MarkProvisioning(ctx context.Context, sessionID string) error
	BindInstance(ctx context.Context, in store.BindInput) (*model.Session, error)
	MarkActive(ctx context.Context, sessionID string) error
	MarkError(ctx context.Context, sessionID, reason string) (bool, error)
	TerminateSession(ctx context.Context, sessionID string) (*model.Session, bool, error)
	ReleaseInstance(ctx context.Context, instanceID string) error
	MarkInstanceTerminating(ctx context.Context, instanceID string) error
}

type Claimer interface {
	TryClaim(ctx context.Context, tier model.Tier, sessionID string) (*model.PoolInstance, error)
}

type QuotaLedger interface {
	Check(ctx context.Context, userID string, tier model.Tier) (*model.UsageEntry, error)
	RecordConsumption(ctx context.Context, userID string, tier model.Tier, createdAt, terminatedAt time.Time) error
}

type Options struct {
	SessionTTL        time.Duration
	MaxSessionsPer    int
	AllocationTimeout time.Duration
	ReuseInstances    bool
}

// Manager owns the session lifecycle. It is stateless: every replica and the
// reconciler drive the same transitions through the store's conditional
// writes, so any of them can pick up where another left off.
type Manager struct {
	store  Store
	alloc  Claimer
	broker gateway.Broker
	quota  QuotaLedger
	opts   Options
	now    func() time.Time
}

func NewManager(st Store, alloc Claimer, broker gateway.Broker, quota QuotaLedger, opts Options) *Manager {
	return &Manager{store: st, alloc: alloc, broker: broker, quota: quota, opts: opts, now: time.Now}
}

// Create starts a session for the user, claiming an instance synchronously
// when the pool has one (fast path). On a pool miss the session is returned
// in provisioning and subsequent polls complete the allocation.
func (m *Manager) Create(ctx context.Context, userID, tier string, metadata map[string]string) (*model.Session, bool, error) {
	if !model.ValidTier(tier) {
		return nil, false, ErrInvalidTier
	}

	// Idempotent-by-user: an existing live session is returned as-is, before
	// any quota decision.
	existing, err := m.store.GetActiveSessionForUser(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if _, err := m.quota.Check(ctx, userID, model.Tier(tier)); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.Default().IncCounter("boxd_quota_denials_total", map[string]string{"tier": tier})
		}
		return nil, false, err
	}

	sess, created, err := m.store.StartOrGetSession(ctx, store.StartInput{
		UserID:     userID,
		Tier:       model.Tier(tier),
		TTL:        m.opts.SessionTTL,
		MaxPerUser: m.opts.MaxSessionsPer,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return sess, false, nil
	}

	if err := m.store.MarkProvisioning(ctx, sess.ID); err != nil {
		return nil, false, err
	}
	sess.Status = model.SessionProvisioning

	out := m.driveAllocation(ctx, sess)
	path := "slow"
	if out.Status == model.SessionReady {
		path = "fast"
	}
	metrics.Default().IncCounter("boxd_sessions_created_total", map[string]string{"tier": tier, "path": path})
	return out, true, nil
}

// GetStatus returns the session, advancing it where polling is the driver:
// a provisioning session re-attempts its claim (or times out to error), and
// a ready session becomes active on first pickup.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case model.SessionPending, model.SessionProvisioning:
		if m.now().UTC().Sub(sess.CreatedAt) > m.opts.AllocationTimeout {
			if _, err := m.store.MarkError(ctx, sess.ID, model.ReasonAllocationTimeout); err != nil {
				return nil, err
			}
			return m.store.GetSession(ctx, sessionID)
		}
		return m.driveAllocation(ctx, sess), nil
	case model.SessionReady:
		if err := m.store.MarkActive(ctx, sess.ID); err != nil {
			return nil, err
		}
		return m.store.GetSession(ctx, sessionID)
	}
	return sess, nil
}

// Get returns the session without advancing any state.
func (m *Manager) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Terminate is idempotent: only the call that wins the terminal write
// releases the instance and books quota; every other call returns the
// already-terminal session unchanged.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	sess, won, err := m.store.TerminateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !won {
		return sess, nil
	}

	terminatedAt := m.now().UTC()
	if sess.TerminatedAt != nil {
		terminatedAt = *sess.TerminatedAt
	}
	if err := m.quota.RecordConsumption(ctx, sess.UserID, sess.Tier, sess.CreatedAt, terminatedAt); err != nil {
		// The terminal write already happened; consumption loss is preferable
		// to double-booking on retry.
		log.Printf("event=quota_record_failed session_id=%s user_id=%s err=%v", sess.ID, sess.UserID, err)
	}

	if sess.InstanceID != nil {
		if m.opts.ReuseInstances {
			err = m.store.ReleaseInstance(ctx, *sess.InstanceID)
		} else {
			err = m.store.MarkInstanceTerminating(ctx, *sess.InstanceID)
		}
		if err != nil {
			// The reconciler's orphan pass reclaims the instance within one
			// interval.
			log.Printf("event=instance_release_failed session_id=%s instance_id=%s err=%v", sess.ID, *sess.InstanceID, err)
		}
		if err := m.broker.DeleteConnection(ctx, sess.ID); err != nil {
			log.Printf("event=gateway_teardown_failed session_id=%s err=%v", sess.ID, err)
		}
	}

	metrics.Default().IncCounter("boxd_sessions_terminated_total", map[string]string{
		"tier":   string(sess.Tier),
		"reason": reason,
	})
	return sess, nil
}

// driveAllocation runs one fast-path attempt: claim, register the gateway
// route, bind. Failures are recorded on the session, never raised, so the
// caller always gets a well-formed session back.
func (m *Manager) driveAllocation(ctx context.Context, sess *model.Session) *model.Session {
	inst, err := m.alloc.TryClaim(ctx, sess.Tier, sess.ID)
	if err != nil {
		log.Printf("event=claim_failed session_id=%s tier=%s err=%v", sess.ID, sess.Tier, err)
		return sess
	}
	if inst == nil {
		return sess
	}

	cred, err := generateCredential()
	if err != nil {
		m.releaseAfterFailure(ctx, sess, inst.InstanceID)
		return m.reload(ctx, sess)
	}

	connInfo, err := m.broker.CreateConnection(ctx, gateway.ConnectionRequest{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Address:     inst.Address,
		Credentials: cred,
	})
	if err != nil {
		log.Printf("event=gateway_create_failed session_id=%s instance_id=%s err=%v", sess.ID, inst.InstanceID, err)
		if errors.Is(err, gateway.ErrUnreachable) {
			m.releaseAfterFailure(ctx, sess, inst.InstanceID)
			if _, markErr := m.store.MarkError(ctx, sess.ID, model.ReasonGatewayUnreachable); markErr != nil {
				log.Printf("event=mark_error_failed session_id=%s err=%v", sess.ID, markErr)
			}
		} else {
			m.releaseAfterFailure(ctx, sess, inst.InstanceID)
		}
		return m.reload(ctx, sess)
	}

	bound, err := m.store.BindInstance(ctx, store.BindInput{
		SessionID:       sess.ID,
		InstanceID:      inst.InstanceID,
		InstanceAddress: inst.Address,
		ConnectionInfo:  connInfo,
	})
	if err != nil {
		// Lost to a concurrent terminate/expiry; give the instance back.
		if errors.Is(err, store.ErrStaleTransition) {
			m.releaseAfterFailure(ctx, sess, inst.InstanceID)
			if gwErr := m.broker.DeleteConnection(ctx, sess.ID); gwErr != nil {
				log.Printf("event=gateway_teardown_failed session_id=%s err=%v", sess.ID, gwErr)
			}
			return m.reload(ctx, sess)
		}
		log.Printf("event=bind_failed session_id=%s instance_id=%s err=%v", sess.ID, inst.InstanceID, err)
		m.releaseAfterFailure(ctx, sess, inst.InstanceID)
		return m.reload(ctx, sess)
	}
	return bound
}

func (m *Manager) releaseAfterFailure(ctx context.Context, sess *model.Session, instanceID string) {
	if err := m.store.ReleaseInstance(ctx, instanceID); err != nil {
		log.Printf("event=instance_release_failed session_id=%s instance_id=%s err=%v", sess.ID, instanceID, err)
	}
}

func (m *Manager) reload(ctx context.Context, sess *model.Session) *model.Session {
	fresh, err := m.store.GetSession(ctx, sess.ID)
	if err != nil {
		return sess
	}
	return fresh
}

// Progress is the advisory indicator clients render while polling. It only
// moves forward: status dominates, and within provisioning it tracks elapsed
// time against the allocation timeout.
func (m *Manager) Progress(sess *model.Session) int {
	switch sess.Status {
	case model.SessionPending:
		return 5
	case model.SessionProvisioning:
		if m.opts.AllocationTimeout <= 0 {
			return 10
		}
		elapsed := m.now().UTC().Sub(sess.CreatedAt)
		frac := float64(elapsed) / float64(m.opts.AllocationTimeout)
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		return 10 + int(frac*70)
	case model.SessionReady:
		return 90
	default:
		return 100
	}
}

func generateCredential() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
