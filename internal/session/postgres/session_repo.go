// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package postgres implements the cluster-wide session table over
// PostgreSQL. The table carries a unique constraint on account_id, so an
// upsert there is the single-session-per-account rule enforced at the
// storage layer.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Pool is the subset of pgxpool.Pool the repository needs. It matches
// pgxmock.PgxPoolIface so tests can run without a database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository implements session.Repository using PostgreSQL.
type SessionRepository struct {
	pool Pool
}

var _ session.Repository = (*SessionRepository)(nil)

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, account_id, node_id, token_hash, address,
	       established_at, expires_at, last_seen_at`

// Replace installs the session as the account's single live session,
// overwriting any prior row for the same account.
func (r *SessionRepository) Replace(ctx context.Context, s *session.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, account_id, node_id, token_hash, address,
			established_at, expires_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO UPDATE SET
			id = EXCLUDED.id,
			node_id = EXCLUDED.node_id,
			token_hash = EXCLUDED.token_hash,
			address = EXCLUDED.address,
			established_at = EXCLUDED.established_at,
			expires_at = EXCLUDED.expires_at,
			last_seen_at = EXCLUDED.last_seen_at
	`,
		s.ID.String(),
		s.AccountID.String(),
		s.NodeID,
		s.TokenHash,
		s.Address,
		s.EstablishedAt,
		s.ExpiresAt,
		s.LastSeenAt,
	)
	if err != nil {
		return oops.Code("SESSION_REPLACE_FAILED").
			With("session_id", s.ID.String()).
			With("account_id", s.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByAccount retrieves the live session for an account.
func (r *SessionRepository) GetByAccount(ctx context.Context, accountID ulid.ULID) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE account_id = $1
	`, accountID.String())

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oops.Code("SESSION_NOT_FOUND").
				With("account_id", accountID.String()).
				Wrap(auth.ErrNotFound)
		}
		return nil, oops.Code("SESSION_GET_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return s, nil
}

// Delete removes a session by ID. A session already overwritten by a newer
// one is simply absent; that is not an error.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("SESSION_DELETE_FAILED").
			With("session_id", id.String()).
			Wrap(err)
	}
	return nil
}

// Touch updates the session's last-seen timestamp.
func (r *SessionRepository) Touch(ctx context.Context, id ulid.ULID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET last_seen_at = $2 WHERE id = $1
	`, id.String(), at)
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").
			With("session_id", id.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes expired sessions and returns the count.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		s         session.Session
		id        string
		accountID string
	)
	err := row.Scan(
		&id,
		&accountID,
		&s.NodeID,
		&s.TokenHash,
		&s.Address,
		&s.EstablishedAt,
		&s.ExpiresAt,
		&s.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	if s.ID, err = ulid.Parse(id); err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").Wrap(err)
	}
	if s.AccountID, err = ulid.Parse(accountID); err != nil {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT_ID").Wrap(err)
	}
	return &s, nil
}
