package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/boxdhq/boxd-control-plane/internal/model"
)

func sessionRow(id, userID, instanceID, status string, createdAt time.Time, terminatedAt *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "tier", "status", "instance_id", "instance_address",
		"connection_info", "error_reason", "created_at", "expires_at", "terminated_at",
	}).AddRow(
		id, userID, "standard", status, instanceID, "10.0.0.5",
		[]byte(`{}`), "", createdAt, createdAt.Add(2*time.Hour), terminatedAt,
	)
}

func TestTerminateSession_NonTerminal_WinsTransition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	createdAt := time.Now().UTC().Add(-30 * time.Minute)
	terminatedAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("update sessions")).
		WithArgs("ses_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("select s.id, s.user_id, s.tier, s.status")).
		WithArgs("ses_1").
		WillReturnRows(sessionRow("ses_1", "usr_1", "i-abc", string(model.SessionTerminated), createdAt, &terminatedAt))

	s := New(mock)
	sess, won, err := s.TerminateSession(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("TerminateSession returned err: %v", err)
	}
	if !won {
		t.Fatal("expected call to win the terminal transition")
	}
	if sess.Status != model.SessionTerminated {
		t.Fatalf("expected terminated status, got %s", sess.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTerminateSession_AlreadyTerminated_NoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	createdAt := time.Now().UTC().Add(-time.Hour)
	terminatedAt := time.Now().UTC().Add(-10 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("update sessions")).
		WithArgs("ses_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("select s.id, s.user_id, s.tier, s.status")).
		WithArgs("ses_1").
		WillReturnRows(sessionRow("ses_1", "usr_1", "i-abc", string(model.SessionTerminated), createdAt, &terminatedAt))

	s := New(mock)
	sess, won, err := s.TerminateSession(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("TerminateSession returned err: %v", err)
	}
	if won {
		t.Fatal("expected no-op for already-terminated session")
	}
	if sess.Status != model.SessionTerminated {
		t.Fatalf("expected terminated status, got %s", sess.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBindInstance_SessionMovedOn_StaleTransition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update sessions")).
		WithArgs("ses_1", "i-abc", "10.0.0.5", []byte(`{"url":"x"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := New(mock)
	_, err = s.BindInstance(context.Background(), BindInput{
		SessionID:       "ses_1",
		InstanceID:      "i-abc",
		InstanceAddress: "10.0.0.5",
		ConnectionInfo:  []byte(`{"url":"x"}`),
	})
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSession_Missing_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select s.id, s.user_id, s.tier, s.status")).
		WithArgs("ses_missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "tier", "status", "instance_id", "instance_address",
			"connection_info", "error_reason", "created_at", "expires_at", "terminated_at",
		}))

	s := New(mock)
	_, err = s.GetSession(context.Background(), "ses_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartOrGetSession_LostInsertRace_ReturnsWinner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	createdAt := time.Now().UTC()

	// The count sees no live session, but a concurrent request commits its
	// insert first and the unique index rejects ours.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from sessions")).
		WithArgs("usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("insert into sessions")).
		WithArgs(pgxmock.AnyArg(), "usr_1", model.TierStandard, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sessions_one_live_per_user"})
	mock.ExpectQuery(regexp.QuoteMeta("select s.id, s.user_id, s.tier, s.status")).
		WithArgs("usr_1").
		WillReturnRows(sessionRow("ses_winner", "usr_1", "", string(model.SessionPending), createdAt, nil))
	mock.ExpectRollback()

	s := New(mock)
	sess, created, err := s.StartOrGetSession(context.Background(), StartInput{
		UserID:     "usr_1",
		Tier:       model.TierStandard,
		TTL:        2 * time.Hour,
		MaxPerUser: 1,
	})
	if err != nil {
		t.Fatalf("StartOrGetSession returned err: %v", err)
	}
	if created {
		t.Fatal("expected the racing session, not a new one")
	}
	if sess.ID != "ses_winner" {
		t.Fatalf("expected winner's session, got %s", sess.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
