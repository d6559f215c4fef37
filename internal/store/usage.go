package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

// EnsureUsage lazily creates the (user, period) ledger row with the tier's
// quota and returns it. Creation is an insert-or-ignore so concurrent first
// checks for the same user collapse into one row.
func (s *Store) EnsureUsage(ctx context.Context, userID, period string, plan model.Tier, quotaMinutes int) (*model.UsageEntry, error) {
	const insertQ = `
insert into usage_ledger (user_id, period, plan, consumed_minutes, quota_minutes, created_at, updated_at)
values ($1, $2, $3, 0, $4, now(), now())
on conflict (user_id, period) do nothing`
	if _, err := s.db.Exec(ctx, insertQ, userID, period, plan, quotaMinutes); err != nil {
		return nil, err
	}
	return s.GetUsage(ctx, userID, period)
}

func (s *Store) GetUsage(ctx context.Context, userID, period string) (*model.UsageEntry, error) {
	const q = `
select user_id, period, plan, consumed_minutes, quota_minutes
from usage_ledger
where user_id = $1 and period = $2`
	var out model.UsageEntry
	if err := s.db.QueryRow(ctx, q, userID, period).Scan(
		&out.UserID, &out.Period, &out.Plan, &out.ConsumedMinutes, &out.QuotaMinutes,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// AddConsumedMinutes applies a single additive write to the period row,
// creating it if the session terminated in a period with no prior check.
// Callers guarantee at-most-once per termination by gating on the session's
// terminal transition.
func (s *Store) AddConsumedMinutes(ctx context.Context, userID, period string, plan model.Tier, quotaMinutes, minutes int) error {
	const q = `
insert into usage_ledger (user_id, period, plan, consumed_minutes, quota_minutes, created_at, updated_at)
values ($1, $2, $3, $4, $5, now(), now())
on conflict (user_id, period)
do update set
  consumed_minutes = usage_ledger.consumed_minutes + excluded.consumed_minutes,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, userID, period, plan, minutes, quotaMinutes)
	return err
}

// PruneUsageBefore archives old periods after the retention grace window.
func (s *Store) PruneUsageBefore(ctx context.Context, period string) error {
	_, err := s.db.Exec(ctx, `delete from usage_ledger where period < $1`, period)
	return err
}
