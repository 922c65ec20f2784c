// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package memory provides an in-memory session repository for tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatewarden/gatewarden/internal/auth"
	"github.com/gatewarden/gatewarden/internal/session"
)

// SessionRepository is a mutex-guarded in-memory session table.
type SessionRepository struct {
	mu        sync.RWMutex
	byAccount map[ulid.ULID]*session.Session
}

var _ session.Repository = (*SessionRepository)(nil)

// NewSessionRepository creates an empty in-memory session repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		byAccount: make(map[ulid.ULID]*session.Session),
	}
}

// Replace installs the session as the account's single live session.
func (r *SessionRepository) Replace(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byAccount[s.AccountID] = &cp
	return nil
}

// GetByAccount retrieves the live session for an account.
func (r *SessionRepository) GetByAccount(_ context.Context, accountID ulid.ULID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAccount[accountID]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("account_id", accountID.String()).
			Wrap(auth.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// Delete removes a session by ID. Missing sessions are a no-op.
func (r *SessionRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for acct, s := range r.byAccount {
		if s.ID.Compare(id) == 0 {
			delete(r.byAccount, acct)
			return nil
		}
	}
	return nil
}

// Touch updates the session's last-seen timestamp.
func (r *SessionRepository) Touch(_ context.Context, id ulid.ULID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byAccount {
		if s.ID.Compare(id) == 0 {
			s.LastSeenAt = at
			return nil
		}
	}
	return nil
}

// DeleteExpired removes expired sessions and returns the count.
func (r *SessionRepository) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var n int64
	for acct, s := range r.byAccount {
		if now.After(s.ExpiresAt) {
			delete(r.byAccount, acct)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live sessions. Test helper.
func (r *SessionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount)
}
