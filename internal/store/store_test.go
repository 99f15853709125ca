package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/rustdash/relay-plane/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestGetServer_Owned(t *testing.T) {
	mock := newMock(t)
	created := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("select id, user_id, name, ip, port, player_id, player_token, created_at")).
		WithArgs("srv_1", "usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "name", "ip", "port", "player_id", "player_token", "created_at"}).
			AddRow("srv_1", "usr_1", "Rustafied EU", "203.0.113.7", 28082, "76561198000000000", "-12345", created))

	s := New(mock)
	srv, err := s.GetServer(context.Background(), "usr_1", "srv_1")
	if err != nil {
		t.Fatalf("GetServer returned err: %v", err)
	}
	if srv.ID != "srv_1" || srv.Port != 28082 {
		t.Fatalf("unexpected server: %+v", srv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetServer_NotOwnedIsNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from servers")).
		WithArgs("srv_1", "usr_2").
		WillReturnError(pgx.ErrNoRows)

	s := New(mock)
	_, err := s.GetServer(context.Background(), "usr_2", "srv_1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenRelaySession_SupersedesOpenRows(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update relay_sessions")).
		WithArgs("usr_1", string(model.CloseSuperseded)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into relay_sessions")).
		WithArgs(pgxmock.AnyArg(), "usr_1", pgxmock.AnyArg(), "str_1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := New(mock)
	id, err := s.OpenRelaySession(context.Background(), OpenRelaySessionInput{UserID: "usr_1", ServerID: "srv_1", StreamID: "str_1"})
	if err != nil {
		t.Fatalf("OpenRelaySession returned err: %v", err)
	}
	if len(id) < 5 || id[:4] != "rls_" {
		t.Fatalf("unexpected session id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOpenRelaySession_InsertFailureRollsBack(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update relay_sessions")).
		WithArgs("usr_1", string(model.CloseSuperseded)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into relay_sessions")).
		WithArgs(pgxmock.AnyArg(), "usr_1", pgxmock.AnyArg(), "str_1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	s := New(mock)
	if _, err := s.OpenRelaySession(context.Background(), OpenRelaySessionInput{UserID: "usr_1", StreamID: "str_1"}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseRelaySession(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("where id = $1 and closed_at is null")).
		WithArgs("rls_1", string(model.CloseInactivity)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := New(mock).CloseRelaySession(context.Background(), "rls_1", model.CloseInactivity); err != nil {
		t.Fatalf("CloseRelaySession returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHygieneQueriesPassSeconds(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from relay_sessions")).
		WithArgs(int64(7 * 24 * 3600)).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))
	mock.ExpectExec(regexp.QuoteMeta("and opened_at <= now()")).
		WithArgs(int64(24*3600), string(model.CloseStale)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(regexp.QuoteMeta("where closed_at is null")).
		WithArgs(string(model.CloseRestart)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	s := New(mock)
	ctx := context.Background()
	if err := s.CleanupClosedRelaySessions(ctx, 7*24*time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := s.CloseStaleRelaySessions(ctx, 24*time.Hour); err != nil {
		t.Fatalf("stale: %v", err)
	}
	if err := s.CloseOpenRelaySessions(ctx, model.CloseRestart); err != nil {
		t.Fatalf("close open: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
