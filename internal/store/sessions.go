package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

type StartInput struct {
	UserID     string
	Tier       model.Tier
	TTL        time.Duration
	MaxPerUser int
	// Metadata is client-supplied context, stored for audit only.
	Metadata map[string]string
}

const sessionColumns = `
select s.id, s.user_id, s.tier, s.status, coalesce(s.instance_id, ''), coalesce(s.instance_address, ''),
       coalesce(s.connection_info, '{}'::jsonb), coalesce(s.error_reason, ''),
       s.created_at, s.expires_at, s.terminated_at
from sessions s`

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	var instanceID string
	var terminatedAt *time.Time
	if err := row.Scan(
		&out.ID, &out.UserID, &out.Tier, &out.Status, &instanceID, &out.InstanceAddress,
		&out.ConnectionInfo, &out.ErrorReason,
		&out.CreatedAt, &out.ExpiresAt, &terminatedAt,
	); err != nil {
		return nil, err
	}
	out.InstanceID = strPtr(instanceID)
	out.TerminatedAt = terminatedAt
	return &out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// StartOrGetSession creates a new pending session, or returns the user's
// existing non-terminal session when the per-user limit is already reached.
// The second return value reports whether a session was created.
func (s *Store) StartOrGetSession(ctx context.Context, in StartInput) (*model.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	maxPer := in.MaxPerUser
	if maxPer <= 0 {
		maxPer = 1
	}

	const countQ = `select count(*) from sessions where user_id = $1 and status not in ('terminated', 'error')`
	var active int
	if err := tx.QueryRow(ctx, countQ, in.UserID).Scan(&active); err != nil {
		return nil, false, err
	}
	if active >= maxPer {
		const existingQ = sessionColumns + `
where s.user_id = $1 and s.status not in ('terminated', 'error')
order by s.created_at desc
limit 1`
		existing, err := scanSession(tx.QueryRow(ctx, existingQ, in.UserID))
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	newID := "ses_" + uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(in.TTL)
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, false, err
	}
	const insertQ = `
insert into sessions
  (id, user_id, tier, status, metadata, created_at, expires_at, updated_at)
values
  ($1, $2, $3, 'pending', $4, $5, $6, $5)`
	if _, err := tx.Exec(ctx, insertQ, newID, in.UserID, in.Tier, metadata, now, expiresAt); err != nil {
		// The count above races with concurrent inserts; the partial unique
		// index sessions_one_live_per_user is the real single-session
		// enforcement. A unique violation means someone else won.
		if isUniqueViolation(err) {
			existing, getErr := s.GetActiveSessionForUser(ctx, in.UserID)
			if getErr == nil && existing != nil {
				return existing, false, nil
			}
			return nil, false, err
		}
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	return &model.Session{
		ID:        newID,
		UserID:    in.UserID,
		Tier:      in.Tier,
		Status:    model.SessionPending,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, true, nil
}

// GetActiveSessionForUser returns the user's most recent non-terminal
// session, or nil when they hold none.
func (s *Store) GetActiveSessionForUser(ctx context.Context, userID string) (*model.Session, error) {
	const q = sessionColumns + `
where s.user_id = $1 and s.status not in ('terminated', 'error')
order by s.created_at desc
limit 1`
	out, err := scanSession(s.db.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = sessionColumns + ` where s.id = $1 limit 1`
	out, err := scanSession(s.db.QueryRow(ctx, q, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

// MarkProvisioning advances pending -> provisioning. Advancing a session that
// already moved on is a no-op.
func (s *Store) MarkProvisioning(ctx context.Context, sessionID string) error {
	const q = `update sessions set status = 'provisioning', updated_at = now() where id = $1 and status = 'pending'`
	_, err := s.db.Exec(ctx, q, sessionID)
	return err
}

type BindInput struct {
	SessionID       string
	InstanceID      string
	InstanceAddress string
	ConnectionInfo  []byte
}

// BindInstance attaches a claimed instance plus its gateway connection to the
// session and advances it to ready. Fails with ErrStaleTransition when the
// session left pending/provisioning concurrently, in which case the caller
// must release the instance.
func (s *Store) BindInstance(ctx context.Context, in BindInput) (*model.Session, error) {
	const q = `
update sessions
set instance_id = $2,
    instance_address = $3,
    connection_info = $4,
    status = 'ready',
    updated_at = now()
where id = $1 and status in ('pending', 'provisioning')`
	tag, err := s.db.Exec(ctx, q, in.SessionID, in.InstanceID, in.InstanceAddress, in.ConnectionInfo)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleTransition
	}
	return s.GetSession(ctx, in.SessionID)
}

// MarkActive advances ready -> active on first client pickup. No-op if the
// session is not ready.
func (s *Store) MarkActive(ctx context.Context, sessionID string) error {
	const q = `update sessions set status = 'active', updated_at = now() where id = $1 and status = 'ready'`
	_, err := s.db.Exec(ctx, q, sessionID)
	return err
}

// MarkError moves a non-terminal session to error with a reason. Returns
// whether this call won the transition.
func (s *Store) MarkError(ctx context.Context, sessionID, reason string) (bool, error) {
	const q = `
update sessions
set status = 'error', error_reason = $2, terminated_at = now(), updated_at = now()
where id = $1 and status not in ('terminated', 'error')`
	tag, err := s.db.Exec(ctx, q, sessionID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TerminateSession moves a non-terminal session to terminated. The boolean
// reports whether this call performed the terminal write; callers gate quota
// recording and instance release on it, which is what makes termination
// idempotent under duplicate requests and overlapping reconciler runs.
func (s *Store) TerminateSession(ctx context.Context, sessionID string) (*model.Session, bool, error) {
	const q = `
update sessions
set status = 'terminated', terminated_at = now(), updated_at = now()
where id = $1 and status not in ('terminated', 'error')`
	tag, err := s.db.Exec(ctx, q, sessionID)
	if err != nil {
		return nil, false, err
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, tag.RowsAffected() > 0, nil
}

// ListExpiredSessions returns non-terminal sessions whose TTL has lapsed.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*model.Session, error) {
	const q = sessionColumns + `
where s.status not in ('terminated', 'error') and s.expires_at < $1
order by s.expires_at asc
limit $2`
	rows, err := s.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
