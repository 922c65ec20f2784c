// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package memory provides in-memory credential store variants, used for
// single-node deployments without a database and throughout the test suite.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/gatewarden/gatewarden/internal/auth"
)

// AccountRepository implements auth.AccountRepository with a mutex-guarded
// map. Records are deep-copied on the way in and out so callers can never
// mutate shared state.
type AccountRepository struct {
	mu       sync.RWMutex
	byID     map[ulid.ULID]*auth.Account
	nameToID map[string]ulid.ULID // lowercased name
}

// NewAccountRepository creates an empty in-memory account repository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:     make(map[ulid.ULID]*auth.Account),
		nameToID: make(map[string]ulid.ULID),
	}
}

// Create stores a new account.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[account.ID]; ok {
		return auth.ErrAlreadyExists
	}
	key := strings.ToLower(account.Name)
	if _, ok := r.nameToID[key]; ok {
		return auth.ErrAlreadyExists
	}
	r.byID[account.ID] = copyAccount(account)
	r.nameToID[key] = account.ID
	return nil
}

// GetByID retrieves an account by its stable identifier.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(account), nil
}

// GetByName retrieves an account by display name (case-insensitive).
func (r *AccountRepository) GetByName(_ context.Context, name string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.nameToID[strings.ToLower(name)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(r.byID[id]), nil
}

// Update updates an existing account, including renames.
func (r *AccountRepository) Update(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[account.ID]
	if !ok {
		return auth.ErrNotFound
	}
	newKey := strings.ToLower(account.Name)
	oldKey := strings.ToLower(current.Name)
	if newKey != oldKey {
		if owner, taken := r.nameToID[newKey]; taken && owner != account.ID {
			return auth.ErrAlreadyExists
		}
		delete(r.nameToID, oldKey)
		r.nameToID[newKey] = account.ID
	}
	r.byID[account.ID] = copyAccount(account)
	return nil
}

// UpdatePassword updates only the password hash.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	account.PasswordHash = passwordHash
	return nil
}

// UpdateTotp sets or clears the TOTP secret and recovery codes.
func (r *AccountRepository) UpdateTotp(_ context.Context, id ulid.ULID, secret *string, recoveryCodes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	if secret == nil {
		account.TotpSecret = nil
		account.RecoveryCodes = nil
		return nil
	}
	s := *secret
	account.TotpSecret = &s
	account.RecoveryCodes = append([]string(nil), recoveryCodes...)
	return nil
}

// Delete removes an account.
func (r *AccountRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(r.nameToID, strings.ToLower(account.Name))
	delete(r.byID, id)
	return nil
}

func copyAccount(a *auth.Account) *auth.Account {
	dup := *a
	if a.TotpSecret != nil {
		s := *a.TotpSecret
		dup.TotpSecret = &s
	}
	if a.RecoveryCodes != nil {
		dup.RecoveryCodes = append([]string(nil), a.RecoveryCodes...)
	}
	if a.LastAddress != nil {
		s := *a.LastAddress
		dup.LastAddress = &s
	}
	if a.LastSeenAt != nil {
		t := *a.LastSeenAt
		dup.LastSeenAt = &t
	}
	return &dup
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
