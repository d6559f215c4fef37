package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

const poolColumns = `
select p.instance_id, p.tier, p.status, coalesce(p.session_id, ''), coalesce(p.address, ''), p.last_synced_at
from pool_instances p`

func scanPoolInstance(row pgx.Row) (*model.PoolInstance, error) {
	var out model.PoolInstance
	var sessionID string
	if err := row.Scan(&out.InstanceID, &out.Tier, &out.Status, &sessionID, &out.Address, &out.LastSyncedAt); err != nil {
		return nil, err
	}
	out.SessionID = strPtr(sessionID)
	return &out, nil
}

// UpsertInstance records a live backend instance. A fresh record starts
// available; an existing record keeps its allocation status so a sync never
// clobbers an in-flight claim.
func (s *Store) UpsertInstance(ctx context.Context, instanceID string, tier model.Tier, address string) error {
	const q = `
insert into pool_instances (instance_id, tier, status, address, last_synced_at)
values ($1, $2, 'available', $3, now())
on conflict (instance_id)
do update set
  tier = excluded.tier,
  address = excluded.address,
  last_synced_at = now()`
	_, err := s.db.Exec(ctx, q, instanceID, tier, address)
	return err
}

// ClaimInstance is the atomic available -> assigned transition binding an
// instance to exactly one session. The status precondition is the whole
// concurrency story: a lost race matches zero rows and returns
// ErrClaimConflict, and the caller retries against a different candidate.
func (s *Store) ClaimInstance(ctx context.Context, instanceID, sessionID string) error {
	const q = `
update pool_instances
set status = 'assigned', session_id = $2, last_synced_at = now()
where instance_id = $1 and status = 'available'`
	tag, err := s.db.Exec(ctx, q, instanceID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

// ReleaseInstance returns an assigned instance to the pool. Releasing an
// instance that is not assigned is a no-op.
func (s *Store) ReleaseInstance(ctx context.Context, instanceID string) error {
	const q = `
update pool_instances
set status = 'available', session_id = null, last_synced_at = now()
where instance_id = $1 and status = 'assigned'`
	_, err := s.db.Exec(ctx, q, instanceID)
	return err
}

func (s *Store) MarkInstanceTerminating(ctx context.Context, instanceID string) error {
	const q = `
update pool_instances
set status = 'terminating', session_id = null, last_synced_at = now()
where instance_id = $1 and status <> 'terminating'`
	_, err := s.db.Exec(ctx, q, instanceID)
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.Exec(ctx, `delete from pool_instances where instance_id = $1`, instanceID)
	return err
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*model.PoolInstance, error) {
	const q = poolColumns + ` where p.instance_id = $1 limit 1`
	out, err := scanPoolInstance(s.db.QueryRow(ctx, q, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

// ListAvailableInstances returns claim candidates, oldest sync first so the
// tie-break is deterministic and no record starves.
func (s *Store) ListAvailableInstances(ctx context.Context, tier model.Tier, limit int) ([]*model.PoolInstance, error) {
	const q = poolColumns + `
where p.tier = $1 and p.status = 'available'
order by p.last_synced_at asc, p.instance_id asc
limit $2`
	return s.queryInstances(ctx, q, tier, limit)
}

func (s *Store) ListInstancesByTier(ctx context.Context, tier model.Tier) ([]*model.PoolInstance, error) {
	const q = poolColumns + ` where p.tier = $1 order by p.instance_id asc`
	return s.queryInstances(ctx, q, tier)
}

// ListOrphanedAssigned returns assigned records whose session is gone or
// already terminal; the reconciler resets these back to available.
func (s *Store) ListOrphanedAssigned(ctx context.Context) ([]*model.PoolInstance, error) {
	const q = `
select p.instance_id, p.tier, p.status, coalesce(p.session_id, ''), coalesce(p.address, ''), p.last_synced_at
from pool_instances p
left join sessions s on s.id = p.session_id
where p.status = 'assigned'
  and (s.id is null or s.status in ('terminated', 'error'))
order by p.instance_id asc`
	return s.queryInstances(ctx, q)
}

func (s *Store) ListTerminatingInstances(ctx context.Context) ([]*model.PoolInstance, error) {
	const q = poolColumns + ` where p.status = 'terminating' order by p.instance_id asc`
	return s.queryInstances(ctx, q)
}

func (s *Store) CountAvailable(ctx context.Context, tier model.Tier) (int, error) {
	const q = `select count(*) from pool_instances where tier = $1 and status = 'available'`
	var n int
	if err := s.db.QueryRow(ctx, q, tier).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) queryInstances(ctx context.Context, q string, args ...any) ([]*model.PoolInstance, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.PoolInstance, 0)
	for rows.Next() {
		inst, err := scanPoolInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
