// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"context"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Account name constraints. Names follow the game network's conventions:
// 3-16 characters, letters, digits, and underscores.
const (
	MinNameLength = 3
	MaxNameLength = 16
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Account is the durable identity record for one player. The ID is immutable
// once created; the display name is unique among active accounts but may be
// reassigned after a rename.
type Account struct {
	ID            ulid.ULID
	Name          string
	PasswordHash  string // empty for verified accounts that never set one
	TotpSecret    *string
	RecoveryCodes []string
	Verified      bool
	LastAddress   *string
	LastSeenAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewAccount creates a self-registered account with a validated name and a
// pre-computed password hash.
func NewAccount(name, passwordHash string) (*Account, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_PASSWORD").Errorf("password hash cannot be empty")
	}
	now := time.Now()
	return &Account{
		ID:           ulid.Make(),
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewVerifiedAccount creates an account whose identity is backed by an
// external verification assertion. The stable identifier is supplied by the
// edge node, not generated locally.
func NewVerifiedAccount(id ulid.ULID, name string) (*Account, error) {
	if id.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("AUTH_INVALID_ID").Errorf("account ID cannot be zero")
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Account{
		ID:        id,
		Name:      name,
		Verified:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TotpEnrolled reports whether the account has two-factor authentication set up.
func (a *Account) TotpEnrolled() bool {
	return a.TotpSecret != nil && *a.TotpSecret != ""
}

// Seen records the address and time of the account's latest connection.
func (a *Account) Seen(address string, at time.Time) {
	a.LastAddress = &address
	a.LastSeenAt = &at
	a.UpdatedAt = at
}

// ConsumeRecoveryCode removes code from the account's recovery codes.
// Returns false if the code is not present. Each code is single-use.
func (a *Account) ConsumeRecoveryCode(code string) bool {
	for i, rc := range a.RecoveryCodes {
		if rc == code {
			a.RecoveryCodes = append(a.RecoveryCodes[:i], a.RecoveryCodes[i+1:]...)
			a.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// ValidateName validates an account display name.
func ValidateName(name string) error {
	if name == "" {
		return oops.Code("AUTH_INVALID_NAME").Errorf("name cannot be empty")
	}
	if len(name) < MinNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("min", MinNameLength).
			Errorf("name must be at least %d characters", MinNameLength)
	}
	if len(name) > MaxNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("max", MaxNameLength).
			Errorf("name must be at most %d characters", MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return oops.Code("AUTH_INVALID_NAME").
			Errorf("name may contain only letters, numbers, and underscores")
	}
	return nil
}

// AccountRepository is the credential store boundary. All operations are
// atomic at the single-record granularity and safe under concurrent calls
// for the same account identifier.
type AccountRepository interface {
	// Create stores a new account. Returns ErrAlreadyExists if the name
	// (case-insensitively) or ID is taken.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by its stable identifier.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByName retrieves an account by display name (case-insensitive).
	GetByName(ctx context.Context, name string) (*Account, error)

	// Update updates an existing account.
	Update(ctx context.Context, account *Account) error

	// UpdatePassword updates only the password hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// UpdateTotp sets or clears the TOTP secret and recovery codes.
	UpdateTotp(ctx context.Context, id ulid.ULID, secret *string, recoveryCodes []string) error

	// Delete removes an account.
	Delete(ctx context.Context, id ulid.ULID) error
}
