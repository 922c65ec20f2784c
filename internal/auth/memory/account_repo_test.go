// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package memory

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/auth"
)

func newAccount(t *testing.T, name string) *auth.Account {
	t.Helper()
	account, err := auth.NewAccount(name, "$argon2id$hash")
	require.NoError(t, err)
	return account
}

func TestAccountRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")

	require.NoError(t, repo.Create(ctx, account))

	byID, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.Name, byID.Name)

	// Name lookup is case-insensitive.
	byName, err := repo.GetByName(ctx, "sTeVe")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byName.ID)
}

func TestAccountRepository_DuplicateCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	require.NoError(t, repo.Create(ctx, newAccount(t, "Steve")))

	err := repo.Create(ctx, newAccount(t, "STEVE"))
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)
}

func TestAccountRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()

	_, err := repo.GetByID(ctx, ulid.Make())
	assert.ErrorIs(t, err, auth.ErrNotFound)

	_, err = repo.GetByName(ctx, "nobody")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAccountRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")
	account.RecoveryCodes = []string{"AAAA-BBBB"}
	require.NoError(t, repo.Create(ctx, account))

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	got.Name = "Mallory"
	got.RecoveryCodes[0] = "XXXX-YYYY"

	fresh, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Steve", fresh.Name)
	assert.Equal(t, []string{"AAAA-BBBB"}, fresh.RecoveryCodes)
}

func TestAccountRepository_UpdateRename(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")
	require.NoError(t, repo.Create(ctx, account))

	account.Name = "Steve1"
	require.NoError(t, repo.Update(ctx, account))

	_, err := repo.GetByName(ctx, "Steve")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	renamed, err := repo.GetByName(ctx, "Steve1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, renamed.ID)
}

func TestAccountRepository_UpdateMissing(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()

	err := repo.Update(ctx, newAccount(t, "Steve"))
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAccountRepository_UpdatePassword(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")
	require.NoError(t, repo.Create(ctx, account))

	require.NoError(t, repo.UpdatePassword(ctx, account.ID, "$argon2id$new"))

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "$argon2id$new", got.PasswordHash)

	err = repo.UpdatePassword(ctx, ulid.Make(), "$argon2id$new")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAccountRepository_UpdateTotp(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")
	require.NoError(t, repo.Create(ctx, account))

	secret := "JBSWY3DPEHPK3PXP"
	require.NoError(t, repo.UpdateTotp(ctx, account.ID, &secret, []string{"AAAA-BBBB"}))

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.TotpEnrolled())
	assert.Equal(t, []string{"AAAA-BBBB"}, got.RecoveryCodes)

	// Disabling clears the secret.
	require.NoError(t, repo.UpdateTotp(ctx, account.ID, nil, nil))
	got, err = repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.TotpEnrolled())
}

func TestAccountRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	account := newAccount(t, "Steve")
	require.NoError(t, repo.Create(ctx, account))

	require.NoError(t, repo.Delete(ctx, account.ID))

	_, err := repo.GetByID(ctx, account.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = repo.GetByName(ctx, "Steve")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, account.ID), auth.ErrNotFound)
}
