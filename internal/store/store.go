package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rustdash/relay-plane/internal/model"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var Schema string

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type OpenRelaySessionInput struct {
	UserID   string
	ServerID string
	StreamID string
}

func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the idempotent table definitions.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// GetServer returns the server only when userID owns it.
func (s *Store) GetServer(ctx context.Context, userID, serverID string) (*model.Server, error) {
	const q = `
select id, user_id, name, ip, port, player_id, player_token, created_at
from servers
where id = $1 and user_id = $2`

	var out model.Server
	if err := s.db.QueryRow(ctx, q, serverID, userID).Scan(
		&out.ID, &out.UserID, &out.Name, &out.IP, &out.Port, &out.PlayerID, &out.PlayerToken, &out.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// OpenRelaySession records a new stream. Any session still open for the user
// is closed as superseded in the same transaction so at most one stays open.
func (s *Store) OpenRelaySession(ctx context.Context, in OpenRelaySessionInput) (string, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	const supersedeQ = `
update relay_sessions
set closed_at = now(), close_reason = $2
where user_id = $1 and closed_at is null`
	if _, err := tx.Exec(ctx, supersedeQ, in.UserID, string(model.CloseSuperseded)); err != nil {
		return "", err
	}

	id := "rls_" + uuid.NewString()
	const insertQ = `
insert into relay_sessions (id, user_id, server_id, stream_id, opened_at)
values ($1, $2, $3, $4, now())`
	if _, err := tx.Exec(ctx, insertQ, id, in.UserID, strPtr(in.ServerID), in.StreamID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// CloseRelaySession is a no-op for sessions that are already closed.
func (s *Store) CloseRelaySession(ctx context.Context, id string, reason model.CloseReason) error {
	const q = `
update relay_sessions
set closed_at = now(), close_reason = $2
where id = $1 and closed_at is null`
	_, err := s.db.Exec(ctx, q, id, string(reason))
	return err
}

func (s *Store) CloseOpenRelaySessions(ctx context.Context, reason model.CloseReason) error {
	const q = `
update relay_sessions
set closed_at = now(), close_reason = $1
where closed_at is null`
	_, err := s.db.Exec(ctx, q, string(reason))
	return err
}

func (s *Store) CleanupClosedRelaySessions(ctx context.Context, retention time.Duration) error {
	const q = `
delete from relay_sessions
where closed_at is not null
  and closed_at <= now() - ($1 * interval '1 second')`
	_, err := s.db.Exec(ctx, q, int64(retention.Seconds()))
	return err
}

func (s *Store) CloseStaleRelaySessions(ctx context.Context, after time.Duration) error {
	const q = `
update relay_sessions
set closed_at = now(), close_reason = $2
where closed_at is null
  and opened_at <= now() - ($1 * interval '1 second')`
	_, err := s.db.Exec(ctx, q, int64(after.Seconds()), string(model.CloseStale))
	return err
}

func (s *Store) ListRelaySessions(ctx context.Context, userID string, limit int) ([]model.RelaySession, error) {
	const q = `
select id, user_id, server_id, stream_id, opened_at, closed_at, close_reason
from relay_sessions
where user_id = $1
order by opened_at desc
limit $2`
	rows, err := s.db.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RelaySession
	for rows.Next() {
		var rs model.RelaySession
		if err := rows.Scan(&rs.ID, &rs.UserID, &rs.ServerID, &rs.StreamID, &rs.OpenedAt, &rs.ClosedAt, &rs.CloseReason); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
