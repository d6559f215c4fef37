package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

// Unlimited is the quota sentinel: a tier with zero quota minutes is never
// denied.
const Unlimited = 0

type Store interface {
	EnsureUsage(ctx context.Context, userID, period string, plan model.Tier, quotaMinutes int) (*model.UsageEntry, error)
	GetUsage(ctx context.Context, userID, period string) (*model.UsageEntry, error)
	AddConsumedMinutes(ctx context.Context, userID, period string, plan model.Tier, quotaMinutes, minutes int) error
}

// ExceededError carries enough structure for a "used X/Y, resets on Z"
// client message.
type ExceededError struct {
	Consumed int
	Limit    int
	ResetAt  time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: consumed %d of %d minutes, resets %s", e.Consumed, e.Limit, e.ResetAt.Format(time.RFC3339))
}

type Ledger struct {
	store        Store
	quotaForTier func(model.Tier) int
	sessionTTL   time.Duration
	now          func() time.Time
}

func NewLedger(store Store, quotaForTier func(model.Tier) int, sessionTTL time.Duration) *Ledger {
	return &Ledger{store: store, quotaForTier: quotaForTier, sessionTTL: sessionTTL, now: time.Now}
}

// Check lazily creates the current period's entry and returns it, or an
// *ExceededError when the remaining minutes cannot cover a full session.
// Admission reserves the whole TTL up front: a session the user could not
// finish within quota is denied rather than cut short mid-flight.
func (l *Ledger) Check(ctx context.Context, userID string, tier model.Tier) (*model.UsageEntry, error) {
	now := l.now().UTC()
	quota := l.quotaForTier(tier)
	entry, err := l.store.EnsureUsage(ctx, userID, PeriodOf(now), tier, quota)
	if err != nil {
		return nil, err
	}
	entry.ResetAt = ResetAt(now)
	if entry.QuotaMinutes != Unlimited {
		reserve := BillableMinutes(now, now.Add(l.sessionTTL))
		if entry.ConsumedMinutes >= entry.QuotaMinutes || entry.ConsumedMinutes+reserve > entry.QuotaMinutes {
			return nil, &ExceededError{
				Consumed: entry.ConsumedMinutes,
				Limit:    entry.QuotaMinutes,
				ResetAt:  entry.ResetAt,
			}
		}
	}
	return entry, nil
}

// RecordConsumption books one terminated session's elapsed time against the
// current period. At-most-once is the caller's responsibility: the session's
// own terminal transition gates this call.
func (l *Ledger) RecordConsumption(ctx context.Context, userID string, tier model.Tier, createdAt, terminatedAt time.Time) error {
	minutes := BillableMinutes(createdAt, terminatedAt)
	if minutes == 0 {
		return nil
	}
	now := l.now().UTC()
	return l.store.AddConsumedMinutes(ctx, userID, PeriodOf(now), tier, l.quotaForTier(tier), minutes)
}

// Usage returns the current period's entry for display. A user with no
// ledger row yet gets a zero-consumption entry; their plan and quota are
// unknown until a first session pins the tier.
func (l *Ledger) Usage(ctx context.Context, userID string) (*model.UsageEntry, error) {
	now := l.now().UTC()
	entry, err := l.store.GetUsage(ctx, userID, PeriodOf(now))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.UsageEntry{
				UserID:  userID,
				Period:  PeriodOf(now),
				ResetAt: ResetAt(now),
			}, nil
		}
		return nil, err
	}
	entry.ResetAt = ResetAt(now)
	return entry, nil
}

// BillableMinutes rounds elapsed wall-clock time up to whole minutes.
func BillableMinutes(createdAt, terminatedAt time.Time) int {
	d := terminatedAt.Sub(createdAt)
	if d <= 0 {
		return 0
	}
	minutes := int(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// PeriodOf keys the calendar month a timestamp falls in, e.g. "2026-08".
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ResetAt is the first instant of the next calendar month.
func ResetAt(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
