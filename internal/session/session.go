// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package session manages authenticated sessions and keeps them consistent
// across the cluster: at most one live session per account, enforced by
// best-effort invalidation messaging between nodes.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	TokenBytes = 32 // 32 bytes = 64 hex chars

	// DefaultTTL is the default session lifetime.
	DefaultTTL = 12 * time.Hour
)

// Session is the ephemeral record of one authenticated connection. For a
// given account, at most one session is live cluster-wide at any instant
// once invalidations have settled.
type Session struct {
	ID            ulid.ULID
	AccountID     ulid.ULID
	NodeID        string
	TokenHash     string
	Address       string
	EstablishedAt time.Time
	ExpiresAt     time.Time
	LastSeenAt    time.Time
}

// New creates a validated session with a fresh random token. Returns the
// session and the plaintext token; only the SHA-256 hash is stored.
func New(accountID ulid.ULID, nodeID, address string, ttl time.Duration) (*Session, string, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, "", oops.Code("SESSION_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if nodeID == "" {
		return nil, "", oops.Code("SESSION_INVALID_NODE").Errorf("node ID cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	return &Session{
		ID:            ulid.Make(),
		AccountID:     accountID,
		NodeID:        nodeID,
		TokenHash:     hash,
		Address:       address,
		EstablishedAt: now,
		ExpiresAt:     now.Add(ttl),
		LastSeenAt:    now,
	}, token, nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// GenerateToken creates a secure random token and its hash.
// The plaintext goes to the client; the hash is persisted.
func GenerateToken() (token, hash string, err error) {
	raw := make([]byte, TokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token = hex.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken computes the SHA-256 hash of a session token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Repository is the cluster-wide session table. It holds at most one row
// per account: Replace installs a session, overwriting any prior row for
// the same account.
type Repository interface {
	// Replace installs the session as the account's single live session,
	// overwriting a stale one if present.
	Replace(ctx context.Context, session *Session) error

	// GetByAccount retrieves the live session for an account.
	// Returns auth.ErrNotFound if none exists.
	GetByAccount(ctx context.Context, accountID ulid.ULID) (*Session, error)

	// Delete removes a session by ID. Deleting a session that was already
	// overwritten is a no-op, not an error.
	Delete(ctx context.Context, id ulid.ULID) error

	// Touch updates the session's last-seen timestamp.
	Touch(ctx context.Context, id ulid.ULID, at time.Time) error

	// DeleteExpired removes expired sessions and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}
